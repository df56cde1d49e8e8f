// Package audit records one entry per CA engine operation. Entries are
// hash-chained: each carries the SHA-256 link of its predecessor so that an
// exported log can be checked for gaps and tampering with Verify.
//
// Recording is fire-and-forget. A failed write is logged and dropped; it
// never fails the operation being audited.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/ironca/storage"
)

const (
	entryRecordType = "AUDIT"
	headRecordType  = "AUDIT_HEAD"
	headRecordID    = "head"
)

// GenesisHash is the PrevHash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Action identifies the audited operation.
type Action string

const (
	ActionCACreated          Action = "ca_created"
	ActionCARevoked          Action = "ca_revoked"
	ActionCADeleted          Action = "ca_deleted"
	ActionCertIssued         Action = "cert_issued"
	ActionCSRSigned          Action = "csr_signed"
	ActionCertRevoked        Action = "cert_revoked"
	ActionCertRenewed        Action = "cert_renewed"
	ActionCertDeleted        Action = "cert_deleted"
	ActionCRLGenerated       Action = "crl_generated"
	ActionPrivateKeyAccessed Action = "private_key_accessed"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	// OutcomeAttempt is recorded before an irreversible operation starts.
	OutcomeAttempt Outcome = "attempt"
)

// Entry is one audit record.
type Entry struct {
	ID         string         `json:"id"`
	Action     Action         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id"`
	Outcome    Outcome        `json:"outcome"`
	Detail     map[string]any `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  string         `json:"created_at"`
	PrevHash   string         `json:"prev_hash"`
}

// Hash returns the chain link that the next entry must carry as PrevHash.
// hash = SHA-256( id || prevHash || createdAt || action || resourceID )
func (e Entry) Hash() string {
	h := sha256.Sum256([]byte(e.ID + e.PrevHash + e.CreatedAt + string(e.Action) + e.ResourceID))
	return hex.EncodeToString(h[:])
}

// Sink accepts audit entries. Implementations must not block the caller
// on failure and must not return errors.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

type head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Recorder persists entries to a storage.Repository and mirrors them to a
// structured logger.
type Recorder struct {
	repo    storage.Repository
	logger  *slog.Logger
	now     func() time.Time
	forward Sink
}

var _ Sink = (*Recorder)(nil)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithForward passes every persisted entry, with its chain fields set, to s.
func WithForward(s Sink) RecorderOption {
	return func(r *Recorder) { r.forward = s }
}

// NewRecorder returns a Recorder. A nil logger uses slog.Default().
func NewRecorder(repo storage.Repository, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{repo: repo, logger: logger.With("component", "audit"), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// casRetries bounds how often Record retries when another writer moved
// the chain head first.
const casRetries = 3

// Record appends e to the chain. ID, CreatedAt and PrevHash are assigned
// here. The write survives cancellation of ctx.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for range casRetries {
		if err = r.append(ctx, &e); !errors.Is(err, storage.ErrCASFailed) {
			break
		}
	}
	if err != nil {
		r.logger.DebugContext(ctx, "audit write failed", "action", e.Action, "resource_id", e.ResourceID, "error", err)
		return
	}

	attrs := []slog.Attr{
		slog.String("event", string(e.Action)),
		slog.String("resource", e.Resource),
		slog.String("resource_id", e.ResourceID),
		slog.String("outcome", string(e.Outcome)),
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	r.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	if r.forward != nil {
		r.forward.Record(ctx, e)
	}
}

func (r *Recorder) append(ctx context.Context, e *Entry) error {
	return r.repo.Batch(ctx, func(tx storage.BatchTx) error {
		var h head
		rec, err := tx.Get(headRecordType, headRecordID)
		switch {
		case err == nil:
			if err := storage.Decode(rec, &h); err != nil {
				return err
			}
		case errors.Is(err, storage.ErrNotFound):
			h.Hash = GenesisHash
		default:
			return err
		}

		e.ID = fmt.Sprintf("%020d", h.Seq+1)
		e.CreatedAt = r.now().UTC().Format(time.RFC3339Nano)
		e.PrevHash = h.Hash

		entryRec, err := storage.Encode(e, 0)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(entryRecordType, e.ID, 0, entryRec); err != nil {
			return err
		}
		headRec, err := storage.Encode(head{Seq: h.Seq + 1, Hash: e.Hash()}, 0)
		if err != nil {
			return err
		}
		return tx.Put(headRecordType, headRecordID, headRec)
	})
}

// List returns entries in chain order. A non-empty resourceID keeps only
// entries for that resource.
func (r *Recorder) List(ctx context.Context, resourceID string) ([]Entry, error) {
	ids, err := r.repo.List(ctx, entryRecordType)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		rec, err := r.repo.Get(ctx, entryRecordType, id)
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := storage.Decode(rec, &e); err != nil {
			return nil, err
		}
		if resourceID != "" && e.ResourceID != resourceID {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
