package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/proxymgr/internal/store"
)

// DB is an embedded registry database (modernc.org/sqlite driver, CGO-free).
// Several manager processes may open the same file; writers are serialized by
// SQLite's own locking with a busy timeout.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (and initializes) the SQLite database at path. Use ":memory:" for
// a private in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	dsn := p
	if p != ":memory:" {
		dsn = "file:" + p + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		// every connection would otherwise get its own empty database
		d.SetMaxOpenConns(1)
	}
	s := &DB{db: d, path: p}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS registry_entries(
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			body BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY(namespace, key)
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// Repository returns the store.Repository view of one namespace.
func (s *DB) Repository(namespace string) *Repository {
	return &Repository{db: s, ns: namespace}
}

// Repository implements store.Repository over one namespace of the database.
type Repository struct {
	db *DB
	ns string
}

var _ store.Repository = (*Repository)(nil)

func (r *Repository) location(key string) string {
	return "sqlite://" + r.db.path + "#" + r.ns + "/" + key
}

func (r *Repository) Get(ctx context.Context, key string) (string, *store.ServerRecord, error) {
	if err := store.ValidateKey(key); err != nil {
		return "", nil, err
	}
	var body []byte
	err := r.db.db.QueryRowContext(ctx,
		`SELECT body FROM registry_entries WHERE namespace=? AND key=?;`, r.ns, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	rec, err := store.Decode(body)
	if err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return r.location(key), &rec, nil
}

func (r *Repository) Set(ctx context.Context, key string, rec store.ServerRecord) error {
	body, err := r.encode(key, rec)
	if err != nil {
		return err
	}
	_, err = r.db.db.ExecContext(ctx, `
		INSERT INTO registry_entries(namespace, key, body, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			body=excluded.body,
			updated_at=excluded.updated_at;`,
		r.ns, key, body, time.Now().UTC())
	return err
}

func (r *Repository) Create(ctx context.Context, key string, rec store.ServerRecord) error {
	body, err := r.encode(key, rec)
	if err != nil {
		return err
	}
	res, err := r.db.db.ExecContext(ctx, `
		INSERT INTO registry_entries(namespace, key, body, updated_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO NOTHING;`,
		r.ns, key, body, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrExists
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, key string) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	_, err := r.db.db.ExecContext(ctx, `DELETE FROM registry_entries WHERE namespace=? AND key=?;`, r.ns, key)
	return err
}

func (r *Repository) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	// substr instead of LIKE: '_' is a LIKE wildcard and appears in every key
	rows, err := r.db.db.QueryContext(ctx, `
		SELECT key, body FROM registry_entries
		WHERE namespace=? AND substr(key, 1, ?)=?
		ORDER BY key;`, r.ns, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Entry, 0)
	for rows.Next() {
		var key string
		var body []byte
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		rec, err := store.Decode(body)
		if err != nil {
			continue
		}
		out = append(out, store.Entry{Key: key, Location: r.location(key), Record: rec})
	}
	return out, rows.Err()
}

func (r *Repository) encode(key string, rec store.ServerRecord) ([]byte, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, err
	}
	return store.Encode(rec)
}
