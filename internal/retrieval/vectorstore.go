package retrieval

import (
	"context"
	"time"
)

// VectorStore is the interface for vector storage and similarity search
// backends. The current implementation uses SQLite with brute-force cosine
// similarity; an ANN-capable backend can replace it behind this interface.
//
// All searches are scoped to a single project: one writer's manuscript must
// never surface in another's analysis.
type VectorStore interface {
	// Insert adds records to the store.
	Insert(records []Record) error

	// Search returns the top-K records of the project most similar to vector.
	Search(projectID string, vector []float32, topK int) ([]ScoredRecord, error)

	// GetByIDs returns records matching the given IDs.
	GetByIDs(ctx context.Context, ids []string) ([]Record, error)

	// DeleteBySource removes every record derived from the given source entity.
	DeleteBySource(sourceID string) error

	// ExportProject returns all of a project's records, oldest first.
	// Used for data migration between backends.
	ExportProject(projectID string) ([]Record, error)

	// Count returns the number of records stored for the project.
	Count(projectID string) (int, error)
}

// Record represents a row in the vector store. SourceID points at the
// project entity (chapter, character, note) the chunk was extracted from.
type Record struct {
	ID         string
	ProjectID  string
	SourceID   string
	SourceType string
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
