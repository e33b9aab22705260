// Package postgres provides the PostgreSQL implementation of kvstore.Store.
package postgres

import (
	"context"
	"embed"
	"errors"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rob-otix-ai/cto-flow-sub001/internal/kvstore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultPartition = kvstore.DefaultPartition

// Store is the PostgreSQL implementation of kvstore.Store.
type Store struct {
	Pool *pgxpool.Pool
	now  func() time.Time
}

// Open opens a PostgreSQL connection pool and runs migrations. dsn may be
// empty to use DATABASE_URL env.
func Open(dsn string) (kvstore.Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{Pool: pool, now: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Migrate runs pending migrations (only those not already in schema_migrations).
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at BIGINT NOT NULL
);`); err != nil {
		return err
	}
	applied := make(map[int]bool)
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

	type mig struct {
		version   int
		name, sql string
	}
	var migs []mig
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil {
			continue
		}
		if applied[v] {
			continue
		}
		body, _ := migrationsFS.ReadFile("migrations/" + f.Name())
		migs = append(migs, mig{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil && !strings.Contains(err.Error(), "already exists") {
			return err
		}
		if _, err := s.Pool.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`, m.version, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) expiresAt(ttl time.Duration) *int64 {
	if ttl <= 0 {
		return nil
	}
	v := s.now().Add(ttl).UnixMilli()
	return &v
}

func partitionOf(p string) string {
	if p == "" {
		return defaultPartition
	}
	return p
}

func (s *Store) Set(ctx context.Context, key string, value []byte, opts kvstore.SetOptions) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO kv_entries(partition, key, value, expires_at, updated_at) VALUES($1, $2, $3, $4, $5)
ON CONFLICT (partition, key) DO UPDATE SET value=EXCLUDED.value, expires_at=EXCLUDED.expires_at, updated_at=EXCLUDED.updated_at`,
		partitionOf(opts.Partition), key, value, s.expiresAt(opts.TTL), s.now().UnixMilli())
	return err
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, opts kvstore.SetOptions) (bool, error) {
	part := partitionOf(opts.Partition)
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM kv_entries WHERE partition=$1 AND key=$2 AND expires_at IS NOT NULL AND expires_at <= $3`,
		part, key, s.now().UnixMilli()); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
INSERT INTO kv_entries(partition, key, value, expires_at, updated_at) VALUES($1, $2, $3, $4, $5)
ON CONFLICT (partition, key) DO NOTHING`,
		part, key, value, s.expiresAt(opts.TTL), s.now().UnixMilli())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Get(ctx context.Context, key string, opts kvstore.KeyOptions) ([]byte, error) {
	part := partitionOf(opts.Partition)
	var value []byte
	var expiresAt *int64
	err := s.Pool.QueryRow(ctx, `SELECT value, expires_at FROM kv_entries WHERE partition=$1 AND key=$2`, part, key).
		Scan(&value, &expiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt != nil && *expiresAt <= s.now().UnixMilli() {
		_, _ = s.Pool.Exec(ctx, `DELETE FROM kv_entries WHERE partition=$1 AND key=$2`, part, key)
		return nil, nil
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string, opts kvstore.KeyOptions) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM kv_entries WHERE partition=$1 AND key=$2`, partitionOf(opts.Partition), key)
	return err
}

func (s *Store) Exists(ctx context.Context, key string, opts kvstore.KeyOptions) (bool, error) {
	v, err := s.Get(ctx, key, opts)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (s *Store) List(ctx context.Context, opts kvstore.ListOptions) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT key, expires_at FROM kv_entries WHERE partition=$1 ORDER BY key`, partitionOf(opts.Partition))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	nowMs := s.now().UnixMilli()
	var keys []string
	for rows.Next() {
		var k string
		var expiresAt *int64
		if err := rows.Scan(&k, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt != nil && *expiresAt <= nowMs {
			continue
		}
		if opts.Pattern != "" {
			ok, err := path.Match(opts.Pattern, k)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
