package retrieval

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// openTestDB creates an in-memory SQLite database with the entity_vectors table.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE entity_vectors (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			source_type TEXT NOT NULL,
			text_chunk TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		t.Fatalf("creating table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func TestInsertAndSearch(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	vec := makeTestVector(768, 0.1)
	err := s.Insert([]Record{{
		ID:         "r1",
		ProjectID:  "proj-1",
		SourceID:   "ch-1",
		SourceType: "chapter",
		TextChunk:  "The heroine leaves the village at dawn",
		Embedding:  vec,
		CreatedAt:  time.Now().UTC(),
	}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search("proj-1", vec, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", results[0].Score)
	}
	if results[0].ID != "r1" {
		t.Errorf("ID = %q, want %q", results[0].ID, "r1")
	}
}

func TestSearch_ScopedToProject(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	vec := makeTestVector(768, 0.1)
	if err := s.Insert([]Record{
		{ID: "r1", ProjectID: "proj-1", SourceID: "ch-1", SourceType: "chapter", TextChunk: "mine", Embedding: vec, CreatedAt: time.Now().UTC()},
		{ID: "r2", ProjectID: "proj-2", SourceID: "ch-2", SourceType: "chapter", TextChunk: "other", Embedding: vec, CreatedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search("proj-1", vec, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (project scoping broken)", len(results))
	}
	if results[0].ID != "r1" {
		t.Errorf("ID = %q, want r1", results[0].ID)
	}
}

func TestSearch_TopK(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	var records []Record
	for i := 0; i < 10; i++ {
		records = append(records, Record{
			ID:         fmt.Sprintf("r%d", i),
			ProjectID:  "proj-1",
			SourceID:   "ch",
			SourceType: "chapter",
			TextChunk:  "text",
			Embedding:  makeTestVector(768, float32(i)*0.01),
			CreatedAt:  time.Now().UTC(),
		})
	}
	if err := s.Insert(records); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search("proj-1", makeTestVector(768, 0.05), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted by score desc at %d", i)
		}
	}
}

func TestSearch_EmptyProject(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	results, err := s.Search("proj-1", makeTestVector(768, 0.1), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_TopKZero(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	results, err := s.Search("proj-1", makeTestVector(768, 0.1), 0)
	if err != nil {
		t.Fatalf("Search with topK=0: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for topK=0, got %d", len(results))
	}
}

func TestDeleteBySource(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	vec := makeTestVector(768, 0.1)
	if err := s.Insert([]Record{
		{ID: "r1", ProjectID: "proj-1", SourceID: "ch-1", SourceType: "chapter", TextChunk: "part one", Embedding: vec, CreatedAt: time.Now().UTC()},
		{ID: "r2", ProjectID: "proj-1", SourceID: "ch-1", SourceType: "chapter", TextChunk: "part two", Embedding: vec, CreatedAt: time.Now().UTC()},
		{ID: "r3", ProjectID: "proj-1", SourceID: "ch-2", SourceType: "chapter", TextChunk: "keep", Embedding: vec, CreatedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.DeleteBySource("ch-1"); err != nil {
		t.Fatalf("DeleteBySource: %v", err)
	}

	// Deleting an already-clean source is fine (re-index path).
	if err := s.DeleteBySource("ch-1"); err != nil {
		t.Errorf("second DeleteBySource: %v", err)
	}

	count, err := s.Count("proj-1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count after delete = %d, want 1", count)
	}
}

func TestExportProject(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	records := []Record{
		{ID: "r1", ProjectID: "proj-1", SourceID: "ch-1", SourceType: "chapter", TextChunk: "first", Embedding: makeTestVector(768, 0.1), CreatedAt: time.Now().UTC().Add(-time.Hour)},
		{ID: "r2", ProjectID: "proj-1", SourceID: "c-1", SourceType: "character", TextChunk: "second", Embedding: makeTestVector(768, 0.2), CreatedAt: time.Now().UTC()},
		{ID: "r3", ProjectID: "proj-2", SourceID: "ch-9", SourceType: "chapter", TextChunk: "other project", Embedding: makeTestVector(768, 0.3), CreatedAt: time.Now().UTC()},
	}
	if err := s.Insert(records); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	exported, err := s.ExportProject("proj-1")
	if err != nil {
		t.Fatalf("ExportProject: %v", err)
	}
	if len(exported) != 2 {
		t.Fatalf("got %d records, want 2", len(exported))
	}
	if exported[0].ID != "r1" || exported[1].ID != "r2" {
		t.Errorf("IDs = [%q, %q], want [r1, r2]", exported[0].ID, exported[1].ID)
	}
	if len(exported[0].Embedding) != 768 {
		t.Errorf("embedding dim = %d, want 768", len(exported[0].Embedding))
	}
}

func TestCount(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	count, err := s.Count("proj-1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("empty count = %d, want 0", count)
	}

	if err := s.Insert([]Record{
		{ID: "r1", ProjectID: "proj-1", SourceID: "s", SourceType: "chapter", TextChunk: "t", Embedding: makeTestVector(768, 0.1), CreatedAt: time.Now().UTC()},
		{ID: "r2", ProjectID: "proj-1", SourceID: "s", SourceType: "chapter", TextChunk: "t", Embedding: makeTestVector(768, 0.2), CreatedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	count, err = s.Count("proj-1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestGetByIDs(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	if err := s.Insert([]Record{
		{ID: "r1", ProjectID: "proj-1", SourceID: "ch-1", SourceType: "chapter", TextChunk: "one", Embedding: makeTestVector(8, 0.1), CreatedAt: time.Now().UTC()},
		{ID: "r2", ProjectID: "proj-1", SourceID: "ch-2", SourceType: "chapter", TextChunk: "two", Embedding: makeTestVector(8, 0.2), CreatedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	records, err := s.GetByIDs(t.Context(), []string{"r2"})
	if err != nil {
		t.Fatalf("GetByIDs: %v", err)
	}
	if len(records) != 1 || records[0].TextChunk != "two" {
		t.Errorf("unexpected records: %+v", records)
	}

	records, err = s.GetByIDs(t.Context(), nil)
	if err != nil {
		t.Fatalf("GetByIDs(nil): %v", err)
	}
	if records != nil {
		t.Errorf("expected nil for empty id list, got %+v", records)
	}
}
