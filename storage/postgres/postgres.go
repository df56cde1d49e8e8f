// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The ca_records table uses a composite primary key (record_type, record_id)
// that mirrors the key space used by the BBolt and in-memory backends.
// Batch runs inside a single transaction, and PutCAS locks the row with
// SELECT ... FOR UPDATE before comparing versions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironca/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const upsertSQL = `INSERT INTO ca_records (record_type, record_id, ver, data, version)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (record_type, record_id)
	DO UPDATE SET ver = $3, data = $4, version = $5`

func put(ctx context.Context, q querier, recordType, recordID string, rec *storage.Record) error {
	_, err := q.Exec(ctx, upsertSQL, recordType, recordID, rec.Ver, rec.Data, int64(rec.Version))
	return err
}

func get(ctx context.Context, q querier, recordType, recordID string) (*storage.Record, error) {
	var (
		rec     storage.Record
		version int64
	)
	err := q.QueryRow(ctx,
		`SELECT ver, data, version FROM ca_records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID).Scan(&rec.Ver, &rec.Data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	return &rec, nil
}

func del(ctx context.Context, q querier, recordType, recordID string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM ca_records WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	var current int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM ca_records WHERE record_type = $1 AND record_id = $2 FOR UPDATE`,
		recordType, recordID).Scan(&current)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO ca_records (record_type, record_id, ver, data, version) VALUES ($1, $2, $3, $4, $5)`,
			recordType, recordID, rec.Ver, rec.Data, int64(rec.Version))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost a race with a concurrent insert of the same key.
			return storage.ErrCASFailed
		}
		return err
	}
	if err != nil {
		return err
	}
	if expectedVersion == 0 || uint64(current) != expectedVersion {
		return storage.ErrCASFailed
	}
	_, err = tx.Exec(ctx,
		`UPDATE ca_records SET ver = $3, data = $4, version = $5 WHERE record_type = $1 AND record_id = $2`,
		recordType, recordID, rec.Ver, rec.Data, int64(rec.Version))
	return err
}

func (s *Store) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	return put(ctx, s.pool, recordType, recordID, rec)
}

func (s *Store) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	return get(ctx, s.pool, recordType, recordID)
}

func (s *Store) List(ctx context.Context, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM ca_records WHERE record_type = $1 ORDER BY record_id COLLATE "C"`,
		recordType)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// likeEscaper escapes LIKE metacharacters; the default escape character is
// a backslash.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListPrefix uses the text_pattern_ops index on (record_type, record_id).
func (s *Store) ListPrefix(ctx context.Context, recordType, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM ca_records WHERE record_type = $1 AND record_id LIKE $2 ORDER BY record_id COLLATE "C"`,
		recordType, likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, recordType, recordID string) error {
	return del(ctx, s.pool, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, recordType, recordID, expectedVersion, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// pgBatchTx carries the context of the enclosing Batch call, since
// storage.BatchTx methods do not take one.
type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return get(btx.ctx, btx.tx, recordType, recordID)
}

func (btx *pgBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return put(btx.ctx, btx.tx, recordType, recordID, rec)
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	// A savepoint keeps a failed CAS from poisoning the outer transaction.
	sp, err := btx.tx.Begin(btx.ctx)
	if err != nil {
		return err
	}
	defer sp.Rollback(btx.ctx) //nolint:errcheck
	if err := putCASInTx(btx.ctx, sp, recordType, recordID, expectedVersion, rec); err != nil {
		return err
	}
	return sp.Commit(btx.ctx)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return del(btx.ctx, btx.tx, recordType, recordID)
}
