package custody

import (
	"context"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/storage"
)

const (
	recordTypeKey  = "custody_key"
	recordTypeCert = "custody_cert"
)

// keyRecord is the stored form of a custodial key. Ref is the KeyStore
// Reference, sealed when Sealed is set.
type keyRecord struct {
	PublicID string            `json:"public_id"`
	Tags     map[string]string `json:"tags,omitempty"`
	Revoked  bool              `json:"revoked,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Ref      []byte            `json:"ref"`
	Sealed   bool              `json:"sealed,omitempty"`
}

type certRecord struct {
	DER []byte `json:"der"`
}

func (l *Local) persistKey(ctx context.Context, privID string, k *localKey) error {
	if l.store == nil {
		return nil
	}
	ref, err := l.keys.Reference(k.handle)
	if err != nil {
		return fmt.Errorf("persisting key %s: %w", privID, err)
	}
	kr := keyRecord{PublicID: k.publicID, Tags: k.tags, Ref: []byte(ref)}
	if l.sealer != nil {
		sealed, err := l.sealer.Seal(kr.Ref, []byte(privID))
		memguard.WipeBytes(kr.Ref)
		if err != nil {
			return fmt.Errorf("persisting key %s: %w", privID, err)
		}
		kr.Ref, kr.Sealed = sealed, true
	}
	rec, err := storage.Encode(kr, 1)
	if err != nil {
		return err
	}
	if err := l.store.PutCAS(ctx, recordTypeKey, privID, 0, rec); err != nil {
		return fmt.Errorf("persisting key %s: %w", privID, err)
	}
	return nil
}

// updateKey rewrites the stored record for privID. Callers hold l.mu.
func (l *Local) updateKey(ctx context.Context, privID string, fn func(*keyRecord)) error {
	if l.store == nil {
		return nil
	}
	rec, err := l.store.Get(ctx, recordTypeKey, privID)
	if err != nil {
		return fmt.Errorf("reading key record %s: %w", privID, err)
	}
	var kr keyRecord
	if err := storage.Decode(rec, &kr); err != nil {
		return err
	}
	fn(&kr)
	next, err := storage.Encode(kr, rec.Version+1)
	if err != nil {
		return err
	}
	if err := l.store.PutCAS(ctx, recordTypeKey, privID, rec.Version, next); err != nil {
		return fmt.Errorf("updating key record %s: %w", privID, err)
	}
	return nil
}

// Load restores the keys recorded in the repository, importing each key
// reference into the KeyStore. Keys already known to l are skipped. It is
// a no-op without WithRepository.
func (l *Local) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	ids, err := l.store.List(ctx, recordTypeKey)
	if err != nil {
		return fmt.Errorf("listing custody keys: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, privID := range ids {
		if _, ok := l.private[privID]; ok {
			continue
		}
		rec, err := l.store.Get(ctx, recordTypeKey, privID)
		if err != nil {
			return fmt.Errorf("reading key record %s: %w", privID, err)
		}
		var kr keyRecord
		if err := storage.Decode(rec, &kr); err != nil {
			return err
		}
		ref := kr.Ref
		if kr.Sealed {
			if l.sealer == nil {
				return fmt.Errorf("key %s is sealed and no custody passphrase is configured", privID)
			}
			if ref, err = l.sealer.Open(kr.Ref, []byte(privID)); err != nil {
				return fmt.Errorf("unsealing key %s: %w", privID, err)
			}
		}
		handle, err := l.keys.ImportPEM(string(ref))
		memguard.WipeBytes(ref)
		if err != nil {
			return fmt.Errorf("restoring key %s: %w", privID, err)
		}
		l.private[privID] = &localKey{
			handle:   handle,
			publicID: kr.PublicID,
			tags:     kr.Tags,
			revoked:  kr.Revoked,
			reason:   kr.Reason,
		}
		l.public[kr.PublicID] = privID
	}
	return nil
}
