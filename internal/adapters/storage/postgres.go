package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchemaSQL = `
CREATE TABLE IF NOT EXISTS weft_kv (
	key        text PRIMARY KEY,
	value      bytea NOT NULL,
	version    bigint NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);`

const atomicIncrementRetries = 10

// PostgresStore implements the StoragePort on a single weft_kv table, with
// the version column enforcing CAS. The port carries no contexts, so calls
// run under context.Background; pool-level timeouts come from the DSN.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ ports.StoragePort = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to create postgres pool",
			Details: map[string]interface{}{
				"error": err.Error(),
			},
		}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to reach postgres",
			Details: map[string]interface{}{
				"error": err.Error(),
			},
		}
	}

	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		pool.Close()
		return nil, domain.Error{
			Type:    domain.ErrorTypeInternal,
			Message: "failed to apply storage schema",
			Details: map[string]interface{}{
				"error": err.Error(),
			},
		}
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.With("component", "storage", "driver", "postgres"),
	}, nil
}

func (s *PostgresStore) Get(key string) (value []byte, version int64, exists bool, err error) {
	err = s.pool.QueryRow(context.Background(),
		`SELECT value, version FROM weft_kv WHERE key = $1`, key).Scan(&value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return value, version, true, nil
}

func (s *PostgresStore) Put(key string, value []byte, version int64) error {
	return s.put(context.Background(), s.pool, key, value, version)
}

// pgExecer is satisfied by both *pgxpool.Pool and pgx.Tx, so the CAS write
// path serves single writes and batches alike.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) put(ctx context.Context, q pgExecer, key string, value []byte, version int64) error {
	if version == 0 {
		tag, err := q.Exec(ctx,
			`INSERT INTO weft_kv (key, value, version) VALUES ($1, $2, 1) ON CONFLICT (key) DO NOTHING`,
			key, value)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.NewConflictError("key already exists: " + key)
		}
		return nil
	}

	tag, err := q.Exec(ctx,
		`UPDATE weft_kv SET value = $2, version = version + 1, updated_at = now() WHERE key = $1 AND version = $3`,
		key, value, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NewConflictError(fmt.Sprintf("stale version for key %s: submitted %d", key, version))
	}
	return nil
}

func (s *PostgresStore) Delete(key string) error {
	_, err := s.pool.Exec(context.Background(), `DELETE FROM weft_kv WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) Exists(key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(context.Background(),
		`SELECT EXISTS(SELECT 1 FROM weft_kv WHERE key = $1)`, key).Scan(&exists)
	return exists, err
}

// BatchWrite applies every op inside one transaction; the first CAS failure
// rolls the whole batch back.
func (s *PostgresStore) BatchWrite(ops []ports.WriteOp) error {
	ctx := context.Background()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		switch op.Type {
		case ports.OpPut:
			if err := s.put(ctx, tx, op.Key, op.Value, op.Version); err != nil {
				return err
			}
		case ports.OpDelete:
			if _, err := tx.Exec(ctx, `DELETE FROM weft_kv WHERE key = $1`, op.Key); err != nil {
				return err
			}
		default:
			return domain.ErrInvalidInput
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	ctx := context.Background()

	var rows pgx.Rows
	var err error
	if end, bounded := prefixUpperBound(prefix); bounded {
		rows, err = s.pool.Query(ctx,
			`SELECT key, value, version, updated_at FROM weft_kv WHERE key >= $1 AND key < $2 ORDER BY key`,
			prefix, end)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT key, value, version, updated_at FROM weft_kv WHERE key >= $1 ORDER BY key`,
			prefix)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ports.KeyValueVersion
	for rows.Next() {
		var kv ports.KeyValueVersion
		if err := rows.Scan(&kv.Key, &kv.Value, &kv.Version, &kv.UpdatedAt); err != nil {
			return nil, err
		}
		results = append(results, kv)
	}
	return results, rows.Err()
}

func (s *PostgresStore) CountPrefix(prefix string) (int, error) {
	ctx := context.Background()

	var count int
	var err error
	if end, bounded := prefixUpperBound(prefix); bounded {
		err = s.pool.QueryRow(ctx,
			`SELECT count(*) FROM weft_kv WHERE key >= $1 AND key < $2`, prefix, end).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT count(*) FROM weft_kv WHERE key >= $1`, prefix).Scan(&count)
	}
	return count, err
}

func (s *PostgresStore) DeleteByPrefix(prefix string) (int, error) {
	ctx := context.Background()

	var tag pgconn.CommandTag
	var err error
	if end, bounded := prefixUpperBound(prefix); bounded {
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM weft_kv WHERE key >= $1 AND key < $2`, prefix, end)
	} else {
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM weft_kv WHERE key >= $1`, prefix)
	}
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// AtomicIncrement reuses the CAS write path: read, bump, write at the read
// version, retry on conflict.
func (s *PostgresStore) AtomicIncrement(key string) (int64, error) {
	for attempt := 0; attempt < atomicIncrementRetries; attempt++ {
		payload, version, exists, err := s.Get(key)
		if err != nil {
			return 0, err
		}

		var counter int64
		if exists && len(payload) == 8 {
			counter = int64(binary.BigEndian.Uint64(payload))
		}

		next := counter + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))

		if err := s.Put(key, buf, version); err != nil {
			if domain.IsConflictError(err) {
				continue
			}
			return 0, err
		}
		return next, nil
	}
	return 0, domain.NewConflictError("atomic increment contention on key: " + key)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// prefixUpperBound returns the smallest key strictly greater than every key
// carrying the prefix, mirroring how key-value iterators bound prefix scans.
// The second return is false when no such bound exists.
func prefixUpperBound(prefix string) (string, bool) {
	raw := []byte(prefix)
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] < 0xFF {
			end := make([]byte, i+1)
			copy(end, raw[:i+1])
			end[i]++
			return string(end), true
		}
	}
	return "", false
}
