package memory

import (
	"context"
	"testing"

	"github.com/kilnforge/conductor/internal/summarize"
)

func TestInProcessStoreSaveAndRecall(t *testing.T) {
	s := NewInProcessStore()
	ctx := context.Background()

	err := s.Save(ctx, "sess1", []summarize.MemoryEntry{
		{Key: "favorite_color", Value: "blue", Category: "preference"},
		{Key: "project_name", Value: "conductor", Category: "project"},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := s.Recall(ctx, "sess1")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestInProcessStoreUpsertsByKey(t *testing.T) {
	s := NewInProcessStore()
	ctx := context.Background()

	_ = s.Save(ctx, "sess1", []summarize.MemoryEntry{{Key: "k", Value: "v1", Category: "fact"}})
	_ = s.Save(ctx, "sess1", []summarize.MemoryEntry{{Key: "k", Value: "v2", Category: "fact"}})

	entries, _ := s.Recall(ctx, "sess1")
	if len(entries) != 1 || entries[0].Value != "v2" {
		t.Fatalf("expected a single entry with the latest value, got %+v", entries)
	}
}

func TestInProcessStoreIsolatesSessions(t *testing.T) {
	s := NewInProcessStore()
	ctx := context.Background()

	_ = s.Save(ctx, "a", []summarize.MemoryEntry{{Key: "k", Value: "va", Category: "fact"}})
	_ = s.Save(ctx, "b", []summarize.MemoryEntry{{Key: "k", Value: "vb", Category: "fact"}})

	ea, _ := s.Recall(ctx, "a")
	eb, _ := s.Recall(ctx, "b")
	if len(ea) != 1 || ea[0].Value != "va" {
		t.Fatalf("unexpected session a entries: %+v", ea)
	}
	if len(eb) != 1 || eb[0].Value != "vb" {
		t.Fatalf("unexpected session b entries: %+v", eb)
	}
}

func TestInProcessStoreRecallEmptySession(t *testing.T) {
	s := NewInProcessStore()
	entries, err := s.Recall(context.Background(), "nope")
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %+v", entries)
	}
}
