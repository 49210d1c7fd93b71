package sessions

import (
	"context"
	"testing"

	"github.com/kilnforge/conductor/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", SQLiteStoreConfig{})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreAppendAndLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "", ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "/etc/hosts"}},
		}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "127.0.0.1 localhost"},
	}

	if err := store.Append(ctx, "sess-1", msgs); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(loaded))
	}
	if loaded[0].Content != "hello" {
		t.Fatalf("unexpected first message: %+v", loaded[0])
	}
	if len(loaded[1].ToolCalls) != 1 || loaded[1].ToolCalls[0].Name != "read_file" {
		t.Fatalf("expected tool call to round-trip, got %+v", loaded[1])
	}
	if loaded[2].ToolCallID != "c1" {
		t.Fatalf("expected tool result message to keep its ToolCallID, got %+v", loaded[2])
	}
}

func TestSQLiteStoreAppendReplacesPriorTranscript(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "sess-2", []models.Message{{Role: models.RoleUser, Content: "first turn"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, "sess-2", []models.Message{
		{Role: models.RoleUser, Content: "first turn"},
		{Role: models.RoleAssistant, Content: "second turn reply"},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected the snapshot to fully replace the stored transcript, got %d messages", len(loaded))
	}
}

func TestSQLiteStoreDeleteSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, "sess-3", []models.Message{{Role: models.RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.DeleteSession(ctx, "sess-3"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	loaded, err := store.Load(ctx, "sess-3")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no messages after delete, got %d", len(loaded))
	}
}

func TestSQLiteStoreCompactKeepsOnlyRecentMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var msgs []models.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: "filler"})
	}
	if err := store.Append(ctx, "sess-4", msgs); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := store.Compact(ctx, "sess-4", 2); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-4")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected compaction to keep 2 messages, got %d", len(loaded))
	}
}
