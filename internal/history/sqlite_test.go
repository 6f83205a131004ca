package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteRecorder_RecordAndList(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	rec, err := NewSQLiteRecorder(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteRecorder failed: %v", err)
	}
	defer rec.Close()

	ctx := context.Background()
	txn := &TransactionRecord{
		FlowID:     "flow-1",
		SessionID:  "session-1",
		Timestamp:  time.Now(),
		Host:       "example.com",
		Method:     "GET",
		URL:        "https://example.com/",
		StatusCode: 200,
		DurationMs: 42,
	}
	if err := rec.Record(ctx, txn); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := rec.List(ctx, Filter{Host: "example.com"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || got[0].FlowID != "flow-1" {
		t.Fatalf("List = %+v, want one record with FlowID flow-1", got)
	}
}

func TestSQLiteRecorder_RunRetention(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	rec, err := NewSQLiteRecorder(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteRecorder failed: %v", err)
	}
	defer rec.Close()

	ctx := context.Background()
	old := &TransactionRecord{FlowID: "old", SessionID: "s", Timestamp: time.Now().Add(-48 * time.Hour), Host: "h", Method: "GET", URL: "u"}
	if err := rec.Record(ctx, old); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	deleted, err := rec.RunRetention(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("RunRetention failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("RunRetention deleted = %d, want 1", deleted)
	}
}
