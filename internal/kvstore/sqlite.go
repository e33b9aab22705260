package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the SQLite implementation of Store.
type SQLiteStore struct {
	DB  *sql.DB
	now func() time.Time
}

// OpenSQLite opens a SQLite store at home/data/kv.sqlite and runs migrations.
func OpenSQLite(home string) (*SQLiteStore, error) {
	dbPath := filepath.Join(home, "data", "kv.sqlite")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	return OpenSQLiteDSN("file:" + dbPath + "?_pragma=busy_timeout(5000)")
}

// OpenSQLiteDSN opens a SQLite store from a DSN and runs migrations.
func OpenSQLiteDSN(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite DSN required")
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{DB: db, now: time.Now}
	if err := s.initPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *SQLiteStore) initPragmas(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA cache_size=-20000;",
	}
	for _, q := range stmts {
		if _, err := s.DB.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Migrate runs pending migrations (only those not already in schema_migrations).
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store not initialized")
	}
	if _, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	type migration struct {
		version int
		name    string
		sql     string
	}
	var migs []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration version in %s", f.Name())
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, migration{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	for _, m := range migs {
		if applied[m.version] {
			continue
		}
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.version, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (s *SQLiteStore) expiresAt(ttl time.Duration) *int64 {
	if ttl <= 0 {
		return nil
	}
	v := s.now().Add(ttl).UnixMilli()
	return &v
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO kv_entries(partition, key, value, expires_at, updated_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(partition, key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		partitionOf(opts.Partition), key, value, s.expiresAt(opts.TTL), s.now().UnixMilli())
	return err
}

func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	part := partitionOf(opts.Partition)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Expired rows count as absent; clear one out before the guarded insert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE partition=? AND key=? AND expires_at IS NOT NULL AND expires_at <= ?`,
		part, key, s.now().UnixMilli()); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO kv_entries(partition, key, value, expires_at, updated_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(partition, key) DO NOTHING`,
		part, key, value, s.expiresAt(opts.TTL), s.now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string, opts KeyOptions) ([]byte, error) {
	part := partitionOf(opts.Partition)
	var value []byte
	var expiresAt sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_entries WHERE partition=? AND key=?`, part, key).
		Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.now().UnixMilli() {
		_, _ = s.DB.ExecContext(ctx, `DELETE FROM kv_entries WHERE partition=? AND key=?`, part, key)
		return nil, nil
	}
	return value, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string, opts KeyOptions) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM kv_entries WHERE partition=? AND key=?`, partitionOf(opts.Partition), key)
	return err
}

func (s *SQLiteStore) Exists(ctx context.Context, key string, opts KeyOptions) (bool, error) {
	v, err := s.Get(ctx, key, opts)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, expires_at FROM kv_entries WHERE partition=? ORDER BY key`, partitionOf(opts.Partition))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	nowMs := s.now().UnixMilli()
	var keys []string
	for rows.Next() {
		var k string
		var expiresAt sql.NullInt64
		if err := rows.Scan(&k, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid && expiresAt.Int64 <= nowMs {
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
