package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/plotweave/internal/retrieval"
	"github.com/kalambet/plotweave/internal/storage"
)

// JobTypeIndexEntity is the queue job type the worker consumes.
const JobTypeIndexEntity = "index_entity"

// maxChunkSize bounds how much text goes into a single embedding. Chapters
// routinely run thousands of words; the embed model's useful context does
// not.
const maxChunkSize = 1200

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the slice of the vector store the worker writes through.
type VectorIndex interface {
	Insert(records []retrieval.Record) error
	DeleteBySource(sourceID string) error
}

// IndexPayload is the JSON payload of an index_entity job. Text travels in
// the payload itself; the analysis core does not own the entity tables.
type IndexPayload struct {
	ProjectID  string `json:"project_id"`
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
	Text       string `json:"text"`
}

// NewIndexJob builds a queued job for one entity. Re-indexing the same
// source replaces its previous vectors when the job runs.
func NewIndexJob(p IndexPayload) (storage.Job, error) {
	if p.ProjectID == "" || p.SourceID == "" {
		return storage.Job{}, fmt.Errorf("index job requires project_id and source_id")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return storage.Job{}, fmt.Errorf("marshaling index payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeIndexEntity,
		PayloadJSON: string(payload),
	}, nil
}

// Worker processes index_entity jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	vectors  VectorIndex
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, vectors VectorIndex, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index_entity job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeIndexEntity})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload IndexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.SourceID == "" {
		return fmt.Errorf("payload missing source_id")
	}
	if strings.TrimSpace(payload.Text) == "" {
		return fmt.Errorf("payload has no text to index")
	}

	chunks := chunkText(payload.Text, maxChunkSize)
	records := make([]retrieval.Record, 0, len(chunks))
	now := time.Now().UTC()
	for _, chunk := range chunks {
		vec, err := w.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embedding chunk: %w", err)
		}
		records = append(records, retrieval.Record{
			ID:         uuid.New().String(),
			ProjectID:  payload.ProjectID,
			SourceID:   payload.SourceID,
			SourceType: payload.SourceType,
			TextChunk:  chunk,
			Embedding:  vec,
			CreatedAt:  now,
		})
	}

	// Replace, never append: a re-indexed entity must not leave stale
	// vectors behind.
	if err := w.vectors.DeleteBySource(payload.SourceID); err != nil {
		return fmt.Errorf("clearing old vectors for %s: %w", payload.SourceID, err)
	}
	if err := w.vectors.Insert(records); err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}
	return nil
}

// chunkText splits text into chunks of at most maxLen bytes, preferring
// paragraph boundaries. Paragraphs longer than maxLen are split hard.
func chunkText(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for len(para) > maxLen {
			chunks = append(chunks, para[:maxLen])
			para = para[maxLen:]
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > maxLen {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
