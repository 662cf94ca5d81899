package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryLockSpace keeps partition locks apart from other advisory lock users
// of the same database.
const advisoryLockSpace int32 = 0x70636874

const schema = `
CREATE TABLE IF NOT EXISTS pairchat_hashes (
	key   TEXT  NOT NULL,
	field TEXT  NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS pairchat_sets (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (key, member)
);`

// PostgresStore implements Store on PostgreSQL. Every mutation runs in a
// transaction holding the partition's advisory lock, which serializes writers
// of one partition across all server instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps pool. Call Migrate once before use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the backing tables if they do not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) HGet(ctx context.Context, key Key, field string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM pairchat_hashes WHERE key = $1 AND field = $2`,
		key.String(), field,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres hget %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresStore) HGetAll(ctx context.Context, key Key) (map[string][]byte, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT field, value FROM pairchat_hashes WHERE key = $1`, key.String())
	if err != nil {
		return nil, fmt.Errorf("postgres hgetall %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("postgres hgetall %s: %w", key, err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (p *PostgresStore) HSet(ctx context.Context, key Key, field string, value []byte) error {
	return p.Exec(ctx, HSetOp(key, field, value))
}

func (p *PostgresStore) HDel(ctx context.Context, key Key, field string) (bool, error) {
	var existed bool
	err := p.inPartition(ctx, key.Partition, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM pairchat_hashes WHERE key = $1 AND field = $2`, key.String(), field)
		existed = tag.RowsAffected() > 0
		return err
	})
	return existed, err
}

func (p *PostgresStore) SAdd(ctx context.Context, key Key, member string) error {
	return p.Exec(ctx, SAddOp(key, member))
}

func (p *PostgresStore) SRem(ctx context.Context, key Key, member string) (bool, error) {
	var existed bool
	err := p.inPartition(ctx, key.Partition, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM pairchat_sets WHERE key = $1 AND member = $2`, key.String(), member)
		existed = tag.RowsAffected() > 0
		return err
	})
	return existed, err
}

func (p *PostgresStore) SMembers(ctx context.Context, key Key) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT member FROM pairchat_sets WHERE key = $1`, key.String())
	if err != nil {
		return nil, fmt.Errorf("postgres smembers %s: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("postgres smembers %s: %w", key, err)
		}
		out = append(out, member)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Exec(ctx context.Context, ops ...Op) error {
	partition, err := checkPartition(ops)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	return p.inPartition(ctx, partition, func(tx pgx.Tx) error {
		for _, op := range ops {
			if !op.isExpectation() {
				continue
			}
			var cur []byte
			err := tx.QueryRow(ctx,
				`SELECT value FROM pairchat_hashes WHERE key = $1 AND field = $2`,
				op.Key.String(), op.Field,
			).Scan(&cur)
			found := err == nil
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if op.Kind == OpExpectAbsent && found {
				return ErrConflict
			}
			if op.Kind == OpExpect && (!found || !bytes.Equal(cur, op.Value)) {
				return ErrConflict
			}
		}

		for _, op := range ops {
			var err error
			switch op.Kind {
			case OpHSet:
				_, err = tx.Exec(ctx,
					`INSERT INTO pairchat_hashes (key, field, value) VALUES ($1, $2, $3)
					 ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`,
					op.Key.String(), op.Field, op.Value)
			case OpHDel:
				_, err = tx.Exec(ctx,
					`DELETE FROM pairchat_hashes WHERE key = $1 AND field = $2`,
					op.Key.String(), op.Field)
			case OpSAdd:
				_, err = tx.Exec(ctx,
					`INSERT INTO pairchat_sets (key, member) VALUES ($1, $2)
					 ON CONFLICT DO NOTHING`,
					op.Key.String(), op.Field)
			case OpSRem:
				_, err = tx.Exec(ctx,
					`DELETE FROM pairchat_sets WHERE key = $1 AND member = $2`,
					op.Key.String(), op.Field)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// inPartition runs fn in a transaction holding the partition's advisory lock.
func (p *PostgresStore) inPartition(ctx context.Context, partition int, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, advisoryLockSpace, int32(partition)); err != nil {
		return fmt.Errorf("postgres lock partition %d: %w", partition, err)
	}
	if err := fn(tx); err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("postgres partition %d: %w", partition, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
