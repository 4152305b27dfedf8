// Package history keeps a durable record of build outcomes in SQLite. The
// build log remains the source of truth for current status; history exists
// so outcomes survive log truncation by later builds and so the scheduler
// knows which books have ever been published.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Event types recorded per build job.
const (
	EventStarted   = "started"
	EventSucceeded = "succeeded"
	EventFailed    = "failed"
)

// Record is one build lifecycle event.
type Record struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	BookKey   string    `json:"book"`
	EventType string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a SQLite-backed build history.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the history database. Use ":memory:" for an
// in-memory store.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS build_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		book_key TEXT NOT NULL,
		event_type TEXT NOT NULL,
		detail TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_book_key ON build_events(book_key);
	CREATE INDEX IF NOT EXISTS idx_job_id ON build_events(job_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records one lifecycle event.
func (s *Store) Append(ctx context.Context, jobID, bookKey, eventType, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO build_events (job_id, book_key, event_type, detail, timestamp) VALUES (?, ?, ?, ?, ?)",
		jobID, bookKey, eventType, detail, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert build event: %w", err)
	}
	return nil
}

// LastOutcome returns the most recent terminal event for a book, or nil if
// the book has never finished a build.
func (s *Store) LastOutcome(ctx context.Context, bookKey string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, book_key, event_type, detail, timestamp FROM build_events
		 WHERE book_key = ? AND event_type IN (?, ?) ORDER BY id DESC LIMIT 1`,
		bookKey, EventSucceeded, EventFailed,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last outcome: %w", err)
	}
	return rec, nil
}

// PublishedBooks lists every book key that has at least one successful
// build, for the scheduler's periodic republish.
func (s *Store) PublishedBooks(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT book_key FROM build_events WHERE event_type = ? ORDER BY book_key",
		EventSucceeded,
	)
	if err != nil {
		return nil, fmt.Errorf("query published books: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan book key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ByJob returns all events for one job in order.
func (s *Store) ByJob(ctx context.Context, jobID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, book_key, event_type, detail, timestamp FROM build_events WHERE job_id = ? ORDER BY id",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build event: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var ts int64
	var detail sql.NullString
	if err := row.Scan(&rec.ID, &rec.JobID, &rec.BookKey, &rec.EventType, &detail, &ts); err != nil {
		return nil, err
	}
	rec.Detail = detail.String
	rec.Timestamp = time.Unix(ts, 0)
	return &rec, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
