package tradelog

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists trade log entries to Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open dials Postgres with the DSN and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open trade log pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping trade log database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const insertEntrySQL = `
INSERT INTO trade_log (
    id,
    occurred_at,
    severity,
    message,
    meta
)
VALUES (
    @id,
    @occurred_at,
    @severity,
    @message,
    @meta::jsonb
)
ON CONFLICT (id) DO NOTHING;
`

// Insert writes one entry.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	meta := []byte("{}")
	if len(e.Meta) > 0 {
		encoded, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("encode trade log meta: %w", err)
		}
		meta = encoded
	}
	_, err := s.pool.Exec(ctx, insertEntrySQL, pgx.NamedArgs{
		"id":          e.ID,
		"occurred_at": e.Time.UTC(),
		"severity":    string(e.Severity),
		"message":     e.Message,
		"meta":        string(meta),
	})
	if err != nil {
		return fmt.Errorf("insert trade log entry: %w", err)
	}
	return nil
}

const selectRecentSQL = `
SELECT id, occurred_at, severity, message, meta
FROM trade_log
ORDER BY occurred_at DESC
LIMIT @limit;
`

// Recent returns the newest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, selectRecentSQL, pgx.NamedArgs{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("query trade log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			at   time.Time
			meta []byte
		)
		if err := rows.Scan(&e.ID, &at, &e.Severity, &e.Message, &meta); err != nil {
			return nil, fmt.Errorf("scan trade log entry: %w", err)
		}
		e.Time = at
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode trade log meta: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade log: %w", err)
	}
	return out, nil
}
