package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/plotweave/internal/retrieval"
	"github.com/kalambet/plotweave/internal/storage"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

type mockVectorIndex struct {
	mu       sync.Mutex
	inserted []retrieval.Record
	deleted  []string
}

func (m *mockVectorIndex) Insert(records []retrieval.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, records...)
	return nil
}

func (m *mockVectorIndex) DeleteBySource(sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, sourceID)
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueIndexJob(t *testing.T, store *storage.Store, sourceID, text string) string {
	t.Helper()
	job, err := NewIndexJob(IndexPayload{
		ProjectID:  "proj-1",
		SourceID:   sourceID,
		SourceType: retrieval.SourceChapter,
		Text:       text,
	})
	if err != nil {
		t.Fatalf("NewIndexJob: %v", err)
	}
	if err := store.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job.ID
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueIndexJob(t, store, "ch-1", "Mira walked to the market.")

	index := &mockVectorIndex{}
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		},
	}, index, 0)

	didWork, err := w.RunOnce(t.Context())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	index.mu.Lock()
	defer index.mu.Unlock()
	if len(index.inserted) != 1 {
		t.Fatalf("inserted %d records, want 1", len(index.inserted))
	}
	rec := index.inserted[0]
	if rec.SourceID != "ch-1" {
		t.Errorf("SourceID = %q, want %q", rec.SourceID, "ch-1")
	}
	if rec.ProjectID != "proj-1" {
		t.Errorf("ProjectID = %q, want %q", rec.ProjectID, "proj-1")
	}
	if rec.SourceType != retrieval.SourceChapter {
		t.Errorf("SourceType = %q, want %q", rec.SourceType, retrieval.SourceChapter)
	}
	if len(index.deleted) != 1 || index.deleted[0] != "ch-1" {
		t.Errorf("old vectors not cleared: %v", index.deleted)
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status); err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_ChunksLongText(t *testing.T) {
	store := openTestStore(t)
	long := strings.Repeat("The river bent north past the old mill.\n\n", 200)
	enqueueIndexJob(t, store, "ch-long", long)

	index := &mockVectorIndex{}
	var embeds atomic.Int32
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			embeds.Add(1)
			if len(text) > maxChunkSize {
				t.Errorf("chunk exceeds max size: %d bytes", len(text))
			}
			return []float32{0.1}, nil
		},
	}, index, 0)

	if _, err := w.RunOnce(t.Context()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	index.mu.Lock()
	defer index.mu.Unlock()
	if len(index.inserted) < 2 {
		t.Fatalf("long text should split into multiple records, got %d", len(index.inserted))
	}
	if int(embeds.Load()) != len(index.inserted) {
		t.Errorf("embeds (%d) and records (%d) out of step", embeds.Load(), len(index.inserted))
	}
	for _, rec := range index.inserted {
		if rec.SourceID != "ch-long" {
			t.Errorf("chunk lost its source: %q", rec.SourceID)
		}
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueIndexJob(t, store, "ch-r", "retry content")

	var calls atomic.Int32
	index := &mockVectorIndex{}
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			n := calls.Add(1)
			if n <= 2 {
				return nil, fmt.Errorf("transient error %d", n)
			}
			return []float32{0.1, 0.2, 0.3}, nil
		},
	}, index, 0)

	ctx := t.Context()

	// 1st attempt fails and stays retryable
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1: didWork=%v err=%v", didWork, err)
	}
	var status1 string
	var attempts1 int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, jobID).Scan(&status1, &attempts1); err != nil {
		t.Fatalf("query after 1st fail: %v", err)
	}
	if status1 != "pending" || attempts1 != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status1, attempts1)
	}

	resetRunAfter(t, store, jobID)

	// 2nd attempt fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2: didWork=%v err=%v", didWork, err)
	}
	resetRunAfter(t, store, jobID)

	// 3rd attempt succeeds
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3: didWork=%v err=%v", didWork, err)
	}

	var status3 string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status3); err != nil {
		t.Fatalf("query after 3rd attempt: %v", err)
	}
	if status3 != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status3)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueIndexJob(t, store, "ch-m", "max retry content")

	index := &mockVectorIndex{}
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return nil, fmt.Errorf("permanent error")
		},
	}, index, 0)

	ctx := t.Context()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, jobID)
		}
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status); err != nil {
		t.Fatalf("query final status: %v", err)
	}
	if status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_NoJobIsIdle(t *testing.T) {
	store := openTestStore(t)
	index := &mockVectorIndex{}
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			t.Fatal("embedder should not run with an empty queue")
			return nil, nil
		},
	}, index, 0)

	didWork, err := w.RunOnce(t.Context())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce reported work on an empty queue")
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				job, err := NewIndexJob(IndexPayload{
					ProjectID:  "proj-1",
					SourceID:   fmt.Sprintf("ch-%d-%d", g, j),
					SourceType: retrieval.SourceChapter,
					Text:       fmt.Sprintf("content %d-%d", g, j),
				})
				if err != nil {
					t.Errorf("NewIndexJob %d-%d: %v", g, j, err)
					return
				}
				if err := store.EnqueueJob(job); err != nil {
					t.Errorf("EnqueueJob %d-%d: %v", g, j, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	index := &mockVectorIndex{}
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		},
	}, index, 0)

	ctx := t.Context()
	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	index.mu.Lock()
	defer index.mu.Unlock()
	if len(index.inserted) != total {
		t.Errorf("inserted %d records, want %d", len(index.inserted), total)
	}
}

func TestNewIndexJobValidates(t *testing.T) {
	if _, err := NewIndexJob(IndexPayload{SourceID: "ch-1"}); err == nil {
		t.Error("missing project_id should fail")
	}
	if _, err := NewIndexJob(IndexPayload{ProjectID: "proj-1"}); err == nil {
		t.Error("missing source_id should fail")
	}
}
