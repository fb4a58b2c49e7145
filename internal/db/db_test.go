package db

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/lucasnoah/buildforge/internal/audit"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("FORGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FORGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestMigrateIdempotent(t *testing.T) {
	d := testDB(t)
	if err := d.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestRecordAndPurge(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	runID := uuid.NewString()
	in, out := 120, 40

	keep := audit.Entry{ID: uuid.NewString(), RunID: runID, Agent: "critic", Phase: "8.1", TokensIn: &in, TokensOut: &out, Decision: "score 85"}
	drop := audit.Entry{ID: uuid.NewString(), RunID: runID, Agent: "security_auditor", Phase: "10", TokensIn: &in, Decision: "cleared"}
	for _, e := range []audit.Entry{keep, drop} {
		if err := d.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	// duplicate ids are ignored
	if err := d.Record(ctx, keep); err != nil {
		t.Fatalf("Record duplicate: %v", err)
	}

	if err := d.Purge(ctx, []string{drop.ID}); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	tokens, err := d.RunTokens(ctx, runID)
	if err != nil {
		t.Fatalf("RunTokens: %v", err)
	}
	if _, ok := tokens["security_auditor"]; ok {
		t.Error("security_auditor rows survived purge")
	}
	if got := tokens["critic"]; got != [2]int{120, 40} {
		t.Errorf("critic tokens = %v, want [120 40]", got)
	}
}

func TestPipelineHistory(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	runID := uuid.NewString()

	for _, ev := range []string{"started", "escalated"} {
		if err := d.LogPipelineEvent(ctx, runID, ev, "critic", ""); err != nil {
			t.Fatalf("LogPipelineEvent: %v", err)
		}
	}
	events, err := d.PipelineHistory(ctx, runID, 10)
	if err != nil {
		t.Fatalf("PipelineHistory: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Event != "escalated" {
		t.Errorf("newest event = %q, want escalated", events[0].Event)
	}
	if events[0].Detail != nil {
		t.Errorf("Detail = %v, want nil for empty detail", *events[0].Detail)
	}
}
