package auditledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockNamespace is the first key of the two-key advisory lock taken
// per scope while appending. The value is arbitrary but must be consistent
// across all ledger instances.
const advisoryLockNamespace = int32(1_159_876)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate (scope, idx).
const uniqueViolation = "23505"

// PostgresStore persists audit chains in the audit_ledger table
// (see migrations/001_audit_ledger.up.sql). It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const selectEntry = `SELECT idx, ts, agent_id, action, data, prev_hash, hash FROM audit_ledger`

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context, scope string) (*Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		selectEntry+` WHERE scope = $1 ORDER BY idx DESC LIMIT 1`, scope,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}
	return e, nil
}

// AppendIfTail implements Store.
// It takes a transaction-scoped advisory lock on the scope, re-reads the tail,
// and inserts e only if it still follows it. The (scope, idx) primary key
// rejects any duplicate index that slips past the lock.
func (s *PostgresStore) AppendIfTail(ctx context.Context, scope string, e *Entry) error {
	data, err := canonicalData(e.Data)
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		"SELECT pg_advisory_xact_lock($1, hashtext($2))", advisoryLockNamespace, scope,
	); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var tail *Entry
	var tailIdx int64
	var tailHash string
	err = tx.QueryRow(ctx,
		"SELECT idx, hash FROM audit_ledger WHERE scope = $1 ORDER BY idx DESC LIMIT 1", scope,
	).Scan(&tailIdx, &tailHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read ledger tail: %w", err)
	default:
		tail = &Entry{Index: tailIdx, Hash: tailHash}
	}
	if !followsTail(tail, e) {
		return ErrTailMismatch
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_ledger (scope, idx, ts, agent_id, action, data, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		scope, e.Index, e.Timestamp, e.AgentID, e.Action, string(data), e.PrevHash, e.Hash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrTailMismatch
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger row inserted",
		zap.String("scope", scope),
		zap.Int64("idx", e.Index),
	)
	return nil
}

// Entries implements Store.
func (s *PostgresStore) Entries(ctx context.Context, scope string, from int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = exportPageSize
	}
	rows, err := s.pool.Query(ctx,
		selectEntry+` WHERE scope = $1 AND idx >= $2 ORDER BY idx ASC LIMIT $3`,
		scope, from, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, scope string, index int64) (*Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		selectEntry+` WHERE scope = $1 AND idx = $2`, scope, index,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %d of %q: %w", index, scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context, scope string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_ledger WHERE scope = $1", scope,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Scopes implements Store.
func (s *PostgresStore) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT scope FROM audit_ledger ORDER BY scope")
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	scopes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan scopes: %w", err)
	}
	return scopes, nil
}

// scanEntry reads one row selected with selectEntry.
func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var data []byte
	if err := row.Scan(
		&e.Index, &e.Timestamp, &e.AgentID,
		&e.Action, &data, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	payload, err := decodeData(data)
	if err != nil {
		return nil, fmt.Errorf("decode data of entry %d: %w", e.Index, err)
	}
	e.Data = payload
	return e, nil
}
