package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_SummaryByAgent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, RunID: "run-1", AgentID: "A", TickIndex: 1, Provider: "anthropic", Model: "claude-opus", Cause: "countdown", InputTokens: 1000, OutputTokens: 500},
		{Timestamp: now, RunID: "run-1", AgentID: "A", TickIndex: 2, Provider: "anthropic", Model: "claude-opus", Cause: "micro_turn", InputTokens: 200, OutputTokens: 100},
		{Timestamp: now, RunID: "run-1", AgentID: "B", TickIndex: 1, Provider: "openrouter", Model: "gpt-4o", Cause: "countdown", InputTokens: 400, OutputTokens: 300},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	byAgent, err := s.SummaryByAgent("run-1")
	if err != nil {
		t.Fatalf("SummaryByAgent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("got %d agent groups, want 2", len(byAgent))
	}
	if byAgent["A"].TotalRecords != 2 || byAgent["A"].TotalInputTokens != 1200 {
		t.Errorf("agent A summary = %+v, want 2 records, 1200 input tokens", byAgent["A"])
	}
	if byAgent["B"].TotalRecords != 1 || byAgent["B"].TotalOutputTokens != 300 {
		t.Errorf("agent B summary = %+v, want 1 record, 300 output tokens", byAgent["B"])
	}

	total, err := s.Total("run-1")
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if total.TotalRecords != 3 || total.TotalInputTokens != 1600 || total.TotalOutputTokens != 900 {
		t.Errorf("total = %+v, want 3 records, 1600 in, 900 out", total)
	}
}

func TestTotal_ScopedByRunID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Record(ctx, Record{RunID: "run-1", AgentID: "A", Provider: "mock", Model: "mock-1", InputTokens: 10, OutputTokens: 5})
	s.Record(ctx, Record{RunID: "run-2", AgentID: "A", Provider: "mock", Model: "mock-1", InputTokens: 99, OutputTokens: 99})

	total, err := s.Total("run-1")
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if total.TotalRecords != 1 || total.TotalInputTokens != 10 {
		t.Errorf("total = %+v, want only run-1's record", total)
	}
}

func TestRecord_AutoID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := Record{RunID: "run-1", AgentID: "A", Provider: "mock", Model: "mock-1"}
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	total, err := s.Total("run-1")
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if total.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1", total.TotalRecords)
	}
}

func TestSummaryByAgent_EmptyDB(t *testing.T) {
	s := testStore(t)

	result, err := s.SummaryByAgent("run-1")
	if err != nil {
		t.Fatalf("SummaryByAgent: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("got %d groups, want 0", len(result))
	}
}

func TestNewStore_EmptyPathUsesInMemory(t *testing.T) {
	s, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\"): %v", err)
	}
	defer s.Close()

	if err := s.Record(context.Background(), Record{RunID: "run-1", AgentID: "A", Provider: "mock", Model: "mock-1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestFromCompletionMetadata_ExtractsKnownKeys(t *testing.T) {
	rec := FromCompletionMetadata("run-1", "A", 3, "anthropic", "countdown", map[string]any{
		"model":         "claude-opus-4-20250514",
		"input_tokens":  1234,
		"output_tokens": 56,
	})
	if rec.Model != "claude-opus-4-20250514" || rec.InputTokens != 1234 || rec.OutputTokens != 56 {
		t.Errorf("rec = %+v, want model/input_tokens/output_tokens populated", rec)
	}
	if rec.RunID != "run-1" || rec.AgentID != "A" || rec.TickIndex != 3 || rec.Provider != "anthropic" || rec.Cause != "countdown" {
		t.Errorf("rec = %+v, want run/agent/tick/provider/cause populated from arguments", rec)
	}
}

func TestFromCompletionMetadata_MissingKeysLeaveZero(t *testing.T) {
	rec := FromCompletionMetadata("run-1", "A", 0, "mock", "countdown", nil)
	if rec.Model != "" || rec.InputTokens != 0 || rec.OutputTokens != 0 {
		t.Errorf("rec = %+v, want zero-value token fields when metadata is nil", rec)
	}
}
