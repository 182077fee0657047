// ABOUTME: Asynchronous fire-and-forget sink for tool usage analytics.
// ABOUTME: SQLite-backed; recording never blocks the calling connection.

package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// queueDepth is the buffer between callers and the background writer.
// Records are dropped, not queued unboundedly, when the writer falls behind.
const queueDepth = 256

// Record is one tool invocation's analytics row.
type Record struct {
	ID         string
	RequestID  string
	Tool       string
	Source     string
	DurationMS int64
	IsError    bool
	CreatedAt  time.Time
}

// Sink accepts usage records. The gateway writes to it and never reads
// from it synchronously.
type Sink interface {
	Record(rec Record)
	Close(ctx context.Context) error
}

// NopSink discards all records. Used when analytics are disabled.
type NopSink struct{}

func (NopSink) Record(Record) {}

func (NopSink) Close(context.Context) error { return nil }

// SQLiteSink persists records to a local SQLite database via a single
// background writer goroutine.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
	ch     chan Record
	done   chan struct{}

	// mu serializes enqueues against Close. The channel is only closed
	// once closed is set, so no Record can send on a closed channel.
	mu     sync.Mutex
	closed bool
}

// NewSQLiteSink opens (or creates) the database at path and starts the
// writer. Parent directories are created if needed.
func NewSQLiteSink(path string, logger *slog.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "usage")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS tool_usage (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			source TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			is_error INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tool_usage_tool ON tool_usage(tool);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &SQLiteSink{
		db:     db,
		logger: logger,
		ch:     make(chan Record, queueDepth),
		done:   make(chan struct{}),
	}

	go s.run()
	logger.Info("usage sink initialized", "path", path)
	return s, nil
}

// Record enqueues a usage record. It never blocks: if the writer is
// saturated the record is dropped and counted against the caller's logs.
// Records arriving during or after Close are dropped silently; in-flight
// tool calls may outlive the server's shutdown sequence.
func (s *SQLiteSink) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- rec:
	default:
		s.logger.Warn("usage queue full, dropping record",
			"tool", rec.Tool,
			"request_id", rec.RequestID,
		)
	}
}

// Close drains outstanding records until ctx expires, then closes the
// database. Shutdown is never blocked indefinitely on the sink. Safe to
// call concurrently with Record; at most one call closes the database.
func (s *SQLiteSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.ch)

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("usage sink close timed out, abandoning queued records")
	}

	return s.db.Close()
}

// run is the single writer goroutine.
func (s *SQLiteSink) run() {
	defer close(s.done)

	for rec := range s.ch {
		if err := s.insert(rec); err != nil {
			s.logger.Warn("failed to persist usage record",
				"tool", rec.Tool,
				"request_id", rec.RequestID,
				"error", err,
			)
		}
	}
}

func (s *SQLiteSink) insert(rec Record) error {
	query := `
		INSERT INTO tool_usage (id, request_id, tool, source, duration_ms, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	isError := 0
	if rec.IsError {
		isError = 1
	}

	_, err := s.db.Exec(query,
		rec.ID,
		rec.RequestID,
		rec.Tool,
		rec.Source,
		rec.DurationMS,
		isError,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}
	return nil
}
