package storage

import (
	"encoding/json"
	"fmt"
)

// recordFormat is the current value of Record.Ver.
const recordFormat = 1

// Record is a stored value. Data is the JSON encoding of the caller's
// type; Version is an optimistic-concurrency counter used by PutCAS.
type Record struct {
	Ver     int    `json:"ver"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Ver: r.Ver, Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// Encode marshals v into a Record carrying the given version.
func Encode(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Ver: recordFormat, Data: data, Version: version}, nil
}

// Decode unmarshals rec into v.
func Decode(rec *Record, v any) error {
	if rec == nil {
		return fmt.Errorf("decoding record: %w", ErrNotFound)
	}
	if rec.Ver != recordFormat {
		return fmt.Errorf("unsupported record format: %d", rec.Ver)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
