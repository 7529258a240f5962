package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/ctrlai/auditlog/internal/audit"
)

// SQLite stores events in a single SQLite table keyed by chain position.
// The full event is kept as a JSON body; the other columns are a
// denormalized projection for external reporting tools.
type SQLite struct {
	db   *sql.DB
	lock *writeLock

	mu sync.RWMutex
	n  int // Committed event count.
}

// OpenSQLite opens (or creates) the SQLite database at path. It fails with
// ErrLocked if another writer has the database open.
func OpenSQLite(path string) (*SQLite, error) {
	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	s, err := openSQLite(path)
	if err != nil {
		lock.release()
		return nil, err
	}
	s.lock = lock
	return s, nil
}

func openSQLite(path string) (*SQLite, error) {
	// WAL mode lets readers proceed while an append is in flight.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			position    INTEGER PRIMARY KEY,
			id          TEXT NOT NULL UNIQUE,
			ts          TEXT NOT NULL,
			domain      TEXT NOT NULL,
			sensitivity TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			hash        TEXT NOT NULL,
			body        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_domain ON events(domain);
		CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("counting sqlite events: %w", err)
	}

	return &SQLite{db: db, n: n}, nil
}

// Append inserts the event at the next position. The insert is a single
// statement, so it either commits fully or not at all.
func (s *SQLite) Append(e audit.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	s.mu.RLock()
	pos := s.n
	s.mu.RUnlock()

	_, err = s.db.Exec(
		`INSERT INTO events (position, id, ts, domain, sensitivity, actor_id, action, outcome, hash, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos, e.ID, e.Timestamp.UTC().Format(audit.TimestampLayout), string(e.Domain),
		string(e.Sensitivity), e.Actor.ID, e.Payload.Action, string(e.Payload.Outcome),
		e.Hash, string(body),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event %s: %w", e.ID, err)
	}

	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func (s *SQLite) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

func (s *SQLite) At(pos int) (audit.Event, error) {
	n := s.Len()
	if pos < 0 || pos >= n {
		return audit.Event{}, fmt.Errorf("%w: %d (len %d)", audit.ErrOutOfRange, pos, n)
	}

	var body string
	err := s.db.QueryRow("SELECT body FROM events WHERE position = ?", pos).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, fmt.Errorf("%w: %d missing from sqlite store", audit.ErrOutOfRange, pos)
	}
	if err != nil {
		return audit.Event{}, fmt.Errorf("reading sqlite event %d: %w", pos, err)
	}
	return audit.DecodeEvent([]byte(body))
}

// Snapshot reads every event committed when the call started.
func (s *SQLite) Snapshot() ([]audit.Event, error) {
	n := s.Len()
	rows, err := s.db.Query("SELECT body FROM events WHERE position < ? ORDER BY position", n)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite events: %w", err)
	}
	defer rows.Close()

	events := make([]audit.Event, 0, n)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		e, err := audit.DecodeEvent([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("decoding sqlite event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database connection and releases the writer lock.
func (s *SQLite) Close() error {
	err := s.db.Close()
	if lerr := s.lock.release(); err == nil {
		err = lerr
	}
	return err
}
