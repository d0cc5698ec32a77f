package httpcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dfelinto/blender-cloud-addon/pkg/failure"
)

const schema = `
CREATE TABLE IF NOT EXISTS responses (
	key        TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT NOT NULL,
	body       BLOB,
	stored_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// Entry is one stored response.
type Entry struct {
	Key       string
	URL       string
	Status    int
	Header    http.Header
	Body      []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the entry can be served without contacting the server.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Validators returns the stored ETag and Last-Modified values.
func (e *Entry) Validators() (etag, lastModified string) {
	return e.Header.Get("ETag"), e.Header.Get("Last-Modified")
}

type store struct {
	db   *sql.DB
	path string
}

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open http cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping http cache: %w", err)
	}
	// Op goroutines share the store; one connection serializes writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init http cache: %w", err)
		}
	}
	return &store{db: db, path: path}, nil
}

func (s *store) get(ctx context.Context, key string) (*Entry, error) {
	var (
		e                 Entry
		header            string
		storedAt, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, url, status, header, body, stored_at, expires_at FROM responses WHERE key = ?`, key,
	).Scan(&e.Key, &e.URL, &e.Status, &header, &e.Body, &storedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &failure.CacheCorruption{Key: key, Err: err}
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, &failure.CacheCorruption{Key: key, Err: fmt.Errorf("decode headers: %w", err)}
	}
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	e.StoredAt = fromNanos(storedAt)
	e.ExpiresAt = fromNanos(expires)
	return &e, nil
}

func (s *store) put(ctx context.Context, e *Entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO responses (key, url, status, header, body, stored_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.URL, e.Status, string(header), e.Body, toNanos(e.StoredAt), toNanos(e.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}

func (s *store) delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM responses WHERE key = ?`, key)
	return err
}

func (s *store) stats(ctx context.Context) (int, int64, error) {
	var (
		n     int
		bytes sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), SUM(LENGTH(body)) FROM responses`).Scan(&n, &bytes)
	return n, bytes.Int64, err
}

func (s *store) clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM responses`)
	return err
}

func (s *store) close() error {
	// Best effort; the WAL is replayed on next open.
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// A zero time is stored as 0; UnixNano of the zero Time is undefined.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
