// Package usage provides an append-only SQLite ledger of LLM token
// usage per agent turn. It is the teacher's internal/usage.Store with
// the interactive/delegate/scheduled/auxiliary task taxonomy replaced
// by the mortality domain's own shape: one row per completion, keyed
// by which agent spoke, on which tick, through which provider/model.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record represents one LLM completion charged to an agent's turn.
type Record struct {
	ID           string
	Timestamp    time.Time
	RunID        string
	AgentID      string
	TickIndex    int
	Provider     string
	Model        string
	Cause        string // "countdown" or "micro_turn"
	InputTokens  int
	OutputTokens int
}

// Summary holds aggregated token totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The
// schema is created automatically on first use. An empty dbPath opens
// an in-memory database, useful for tests and for runs that don't
// configure a usage ledger location.
func NewStore(dbPath string) (*Store, error) {
	dsn := dbPath
	if dsn == "" {
		dsn = ":memory:"
	} else {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		run_id        TEXT NOT NULL,
		agent_id      TEXT NOT NULL,
		tick_index    INTEGER NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		cause         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records(run_id);
	CREATE INDEX IF NOT EXISTS idx_usage_agent ON usage_records(agent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, run_id, agent_id, tick_index, provider, model, cause,
			 input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RunID,
		rec.AgentID,
		rec.TickIndex,
		rec.Provider,
		rec.Model,
		rec.Cause,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// SummaryByAgent returns per-agent aggregated token totals for a run.
func (s *Store) SummaryByAgent(runID string) (map[string]*Summary, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE run_id = ?
		 GROUP BY agent_id
		 ORDER BY agent_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by agent: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var agentID string
		var sum Summary
		if err := rows.Scan(&agentID, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by agent: %w", err)
		}
		result[agentID] = &sum
	}
	return result, rows.Err()
}

// Total returns the aggregated token totals across an entire run.
func (s *Store) Total(runID string) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE run_id = ?`,
		runID,
	)
	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query usage total: %w", err)
	}
	return &sum, nil
}

// FromCompletionMetadata extracts a Record's provider/model/token
// fields from an llm.Completion's Metadata map, as populated by the
// anthropic and openai-compatible clients ("model", "input_tokens",
// "output_tokens"). Missing keys leave the corresponding field zero.
func FromCompletionMetadata(runID, agentID string, tickIndex int, provider, cause string, metadata map[string]any) Record {
	rec := Record{
		RunID:     runID,
		AgentID:   agentID,
		TickIndex: tickIndex,
		Provider:  provider,
		Cause:     cause,
	}
	if model, ok := metadata["model"].(string); ok {
		rec.Model = model
	}
	rec.InputTokens = intFromMetadata(metadata["input_tokens"])
	rec.OutputTokens = intFromMetadata(metadata["output_tokens"])
	return rec
}

func intFromMetadata(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
