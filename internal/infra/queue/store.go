package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/nearcast/nearcast/internal/domain"
)

// Message states.
const (
	stateReady   = "ready"
	stateUnacked = "unacked"
	stateDead    = "dead"
)

// Store is a SQLite-backed inbox broker. Uses WAL mode so readers never
// block the writer.
type Store struct {
	db   *sql.DB
	path string

	mu     sync.Mutex
	closed bool
}

// Open creates or opens the broker database at path. Messages left
// unacknowledged by a previous run become ready again and non-durable
// messages are discarded.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.recover(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover: %w", err)
	}
	return s, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close shuts the database down. Open connections fail afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.isClosed() {
		return fmt.Errorf("%w: store closed", domain.ErrTransientTransport)
	}
	return s.db.PingContext(ctx)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS inboxes (
			name       TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			inbox       TEXT NOT NULL,
			body        BLOB NOT NULL,
			durable     BOOLEAN NOT NULL DEFAULT 1,
			state       TEXT NOT NULL DEFAULT 'ready',
			deliveries  INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(inbox, state, id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) recover() error {
	if _, err := s.db.Exec(`UPDATE messages SET state = ? WHERE state = ?`, stateReady, stateUnacked); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE durable = 0`)
	return err
}

// InboxCounts is the per-state message count of one inbox.
type InboxCounts struct {
	Ready   int `json:"ready"`
	Unacked int `json:"unacked"`
	Dead    int `json:"dead"`
}

// Counts reports how many messages of inbox sit in each state.
func (s *Store) Counts(ctx context.Context, inbox string) (InboxCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM messages WHERE inbox = ? GROUP BY state`, inbox)
	if err != nil {
		return InboxCounts{}, err
	}
	defer rows.Close()

	var c InboxCounts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return InboxCounts{}, err
		}
		switch state {
		case stateReady:
			c.Ready = n
		case stateUnacked:
			c.Unacked = n
		case stateDead:
			c.Dead = n
		}
	}
	return c, rows.Err()
}

// Dial returns a new connection to the store. It satisfies Dialer.
func (s *Store) Dial(ctx context.Context) (Conn, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientTransport, err)
	}
	return &storeConn{store: s, unacked: make(map[int64]struct{})}, nil
}

// ─── Connection ─────────────────────────────────────────────────────────────

type storeConn struct {
	store *Store

	mu      sync.Mutex
	closed  bool
	unacked map[int64]struct{}
}

var errConnClosed = errors.New("connection closed")

func (c *storeConn) check() error {
	if c.closed {
		return fmt.Errorf("%w: %v", domain.ErrTransientTransport, errConnClosed)
	}
	if c.store.isClosed() {
		return fmt.Errorf("%w: store closed", domain.ErrTransientTransport)
	}
	return nil
}

func (c *storeConn) DeclareInbox(ctx context.Context, inbox string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	_, err := c.store.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inboxes (name, created_at) VALUES (?, ?)`, inbox, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("declare inbox %s: %w", inbox, err)
	}
	return nil
}

func (c *storeConn) Publish(ctx context.Context, inbox string, body []byte, durable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	_, err := c.store.db.ExecContext(ctx,
		`INSERT INTO messages (inbox, body, durable, state, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		inbox, body, durable, stateReady, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("publish to %s: %w", inbox, err)
	}
	return nil
}

func (c *storeConn) Fetch(ctx context.Context, inbox string) (Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return Delivery{}, false, err
	}
	if len(c.unacked) > 0 {
		return Delivery{}, false, nil
	}

	var (
		d          Delivery
		deliveries int
	)
	err := c.store.db.QueryRowContext(ctx, `
		UPDATE messages SET state = ?, deliveries = deliveries + 1
		WHERE id = (
			SELECT id FROM messages WHERE inbox = ? AND state = ? ORDER BY id LIMIT 1
		)
		RETURNING id, body, deliveries`,
		stateUnacked, inbox, stateReady,
	).Scan(&d.Tag, &d.Body, &deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("fetch from %s: %w", inbox, err)
	}

	d.Redelivered = deliveries > 1
	c.unacked[d.Tag] = struct{}{}
	return d, true, nil
}

func (c *storeConn) Ack(ctx context.Context, tag int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if _, ok := c.unacked[tag]; !ok {
		return fmt.Errorf("ack: unknown delivery tag %d", tag)
	}
	if _, err := c.store.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND state = ?`, tag, stateUnacked); err != nil {
		return fmt.Errorf("ack %d: %w", tag, err)
	}
	delete(c.unacked, tag)
	return nil
}

func (c *storeConn) Reject(ctx context.Context, tag int64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if _, ok := c.unacked[tag]; !ok {
		return fmt.Errorf("reject: unknown delivery tag %d", tag)
	}
	next := stateDead
	if requeue {
		next = stateReady
	}
	if _, err := c.store.db.ExecContext(ctx,
		`UPDATE messages SET state = ? WHERE id = ? AND state = ?`, next, tag, stateUnacked); err != nil {
		return fmt.Errorf("reject %d: %w", tag, err)
	}
	delete(c.unacked, tag)
	return nil
}

func (c *storeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	return c.store.db.PingContext(ctx)
}

func (c *storeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if len(c.unacked) == 0 || c.store.isClosed() {
		return nil
	}
	var err error
	for tag := range c.unacked {
		_, e := c.store.db.Exec(
			`UPDATE messages SET state = ? WHERE id = ? AND state = ?`, stateReady, tag, stateUnacked)
		err = multierr.Append(err, e)
	}
	c.unacked = nil
	if err != nil {
		return fmt.Errorf("requeue on close: %w", err)
	}
	return nil
}
