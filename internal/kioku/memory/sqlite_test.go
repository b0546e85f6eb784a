package memory

import (
	"context"
	"testing"
	"time"
)

func TestSQLitePersister_LoadMissingIsNotAnError(t *testing.T) {
	// Verifies that a fresh database reports ok=false with no error.
	persister, err := NewSQLitePersister(t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatalf("NewSQLitePersister: %v", err)
	}
	defer persister.Close()

	_, ok, err := persister.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Error("ok = true for an empty database")
	}
}

func TestSQLitePersister_SaveLoadRoundTrip(t *testing.T) {
	// Verifies that a saved state reloads with identical ids, vectors,
	// records, and counter across a reopen.
	dir := t.TempDir()
	logger := testLogger(t)

	persister, err := NewSQLitePersister(dir, logger)
	if err != nil {
		t.Fatalf("NewSQLitePersister: %v", err)
	}

	created := time.Date(2026, 2, 24, 10, 30, 0, 0, time.UTC)
	saved := SnapshotData{
		Version:   snapshotVersion,
		Dimension: 2,
		NextID:    2,
		IDs:       []int64{0, 1},
		Vectors:   [][]float32{unit(1, 0.1), unit(0.1, 1)},
		Records: []MemoryRecord{
			{ID: 0, Text: "my name is Alice", Role: RoleUser, ConversationID: "c1", Model: "llama3", CreatedAt: created},
			{ID: 1, Text: "Nice to meet you, Alice!", Role: RoleAssistant, ConversationID: "c1", Model: "llama3", CreatedAt: created.Add(time.Second)},
		},
	}
	if err := persister.Save(context.Background(), saved); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := persister.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLitePersister(dir, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	loaded, ok, err := reopened.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("ok = false after a save")
	}
	if loaded.NextID != 2 || loaded.Dimension != 2 {
		t.Errorf("meta: next_id=%d dimension=%d, want 2, 2", loaded.NextID, loaded.Dimension)
	}
	if len(loaded.Records) != 2 {
		t.Fatalf("loaded %d records, want 2", len(loaded.Records))
	}
	for i := range saved.Records {
		want, got := saved.Records[i], loaded.Records[i]
		if got.ID != want.ID || got.Text != want.Text || got.Role != want.Role ||
			got.ConversationID != want.ConversationID || got.Model != want.Model {
			t.Errorf("record %d mismatch: got %+v, want %+v", i, got, want)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("record %d created_at = %v, want %v", i, got.CreatedAt, want.CreatedAt)
		}
		if len(loaded.Vectors[i]) != 2 || loaded.Vectors[i][0] != saved.Vectors[i][0] {
			t.Errorf("vector %d mismatch: got %v, want %v", i, loaded.Vectors[i], saved.Vectors[i])
		}
	}
}

func TestSQLitePersister_SaveIsIdempotentForExistingRows(t *testing.T) {
	// Verifies that re-saving a grown state leaves earlier rows alone and only
	// adds the new ones, since records are append-only.
	persister, err := NewSQLitePersister(t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatalf("NewSQLitePersister: %v", err)
	}
	defer persister.Close()

	created := time.Date(2026, 2, 24, 10, 30, 0, 0, time.UTC)
	first := SnapshotData{
		Version: snapshotVersion, Dimension: 2, NextID: 1,
		IDs:     []int64{0},
		Vectors: [][]float32{unit(1, 0)},
		Records: []MemoryRecord{{ID: 0, Text: "original", Role: RoleUser, ConversationID: "c1", CreatedAt: created}},
	}
	if err := persister.Save(context.Background(), first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	grown := first
	grown.NextID = 2
	grown.IDs = append(grown.IDs, 1)
	grown.Vectors = append(grown.Vectors, unit(0, 1))
	grown.Records = append(grown.Records,
		MemoryRecord{ID: 1, Text: "added", Role: RoleAssistant, ConversationID: "c2", CreatedAt: created})
	// Mutating the already-saved record must have no effect on the database.
	grown.Records[0].Text = "tampered"
	if err := persister.Save(context.Background(), grown); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, ok, err := persister.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if len(loaded.Records) != 2 {
		t.Fatalf("loaded %d records, want 2", len(loaded.Records))
	}
	if loaded.Records[0].Text != "original" {
		t.Errorf("existing row rewritten: %q", loaded.Records[0].Text)
	}
	if loaded.Records[1].Text != "added" {
		t.Errorf("new row missing: %q", loaded.Records[1].Text)
	}
	if loaded.NextID != 2 {
		t.Errorf("next_id = %d, want 2", loaded.NextID)
	}
}

func TestStore_SQLiteRoundTrip(t *testing.T) {
	// Verifies the full store cycle against the sqlite backend: append, close,
	// reopen, and search with the same ranking.
	dir := t.TempDir()
	logger := testLogger(t)

	persister, err := NewSQLitePersister(dir, logger)
	if err != nil {
		t.Fatalf("NewSQLitePersister: %v", err)
	}
	store, err := NewStore(context.Background(), 2, persister, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, err := store.Append(MemoryRecord{Text: "kept across restarts", Role: RoleUser}, unit(1, 0.2)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	persister2, err := NewSQLitePersister(dir, logger)
	if err != nil {
		t.Fatalf("reopen persister: %v", err)
	}
	reopened, err := NewStore(context.Background(), 2, persister2, logger)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Fatalf("reopened len = %d, want 1", reopened.Len())
	}
	results, err := reopened.Search(unit(1, 0.2), 1, 0.9)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ID != 0 {
		t.Fatalf("unexpected results after reopen: %v", results)
	}
	if records := reopened.Resolve([]int64{0}); records[0].Text != "kept across restarts" {
		t.Errorf("record text = %q", records[0].Text)
	}
	if reopened.Backend() != "sqlite" {
		t.Errorf("backend = %q, want sqlite", reopened.Backend())
	}
}
