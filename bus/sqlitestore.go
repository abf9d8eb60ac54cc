package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/dotflow"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age
	// pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per run (0 = no
	// count pruning).
	RetentionCount int

	// PruneInterval is how often pruning runs (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists events to a SQLite database in WAL mode,
// with an optional background pruner.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append implements EventStore.
func (s *SQLiteEventStore) Append(ctx context.Context, event dotflow.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, kind, node_id, time, attempt, elapsed_ms, payload, trace_id, span_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, string(event.Kind), event.NodeID,
		event.Time.UTC().Format(time.RFC3339Nano),
		event.Attempt, event.Elapsed.Milliseconds(), string(payloadJSON),
		event.TraceID, event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append: %w", err)
	}
	return nil
}

// List implements EventStore.
func (s *SQLiteEventStore) List(ctx context.Context, runID string) ([]dotflow.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, node_id, time, attempt, elapsed_ms, payload, trace_id, span_id
		 FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var events []dotflow.Event
	for rows.Next() {
		var (
			kind, nodeID, timestamp, payloadJSON string
			traceID, spanID                      string
			attempt                              int
			elapsedMS                            int64
		)
		if err := rows.Scan(&kind, &nodeID, &timestamp, &attempt, &elapsedMS, &payloadJSON, &traceID, &spanID); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		event := dotflow.Event{
			Kind:    dotflow.EventKind(kind),
			RunID:   runID,
			NodeID:  nodeID,
			Attempt: attempt,
			Elapsed: time.Duration(elapsedMS) * time.Millisecond,
			TraceID: traceID,
			SpanID:  spanID,
		}
		if t, terr := time.Parse(time.RFC3339Nano, timestamp); terr == nil {
			event.Time = t
		}
		_ = json.Unmarshal([]byte(payloadJSON), &event.Payload)
		events = append(events, event)
	}
	return events, rows.Err()
}

// Runs implements EventStore.
func (s *SQLiteEventStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM events GROUP BY run_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: runs: %w", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		runs = append(runs, runID)
	}
	return runs, rows.Err()
}

// Close implements EventStore.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *SQLiteEventStore) prune() {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).UTC().Format(time.RFC3339Nano)
		_, _ = s.db.Exec(`DELETE FROM events WHERE time < ?`, cutoff)
	}
	if s.cfg.RetentionCount > 0 {
		_, _ = s.db.Exec(`
			DELETE FROM events WHERE id IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY id DESC) AS rn
					FROM events
				) WHERE rn > ?
			)`, s.cfg.RetentionCount)
	}
}

var _ EventStore = (*SQLiteEventStore)(nil)
