package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source types recorded on entity vectors. Anything unrecognized lands in
// the metadata bucket rather than being dropped.
const (
	SourceChapter       = "chapter"
	SourceCharacter     = "character"
	SourceWorldBuilding = "worldbuilding"
	SourceMetadata      = "metadata"
)

// fallbackQueries covers the story's main aspects when the caller supplies
// no query of its own.
var fallbackQueries = []string{
	"main characters",
	"story themes",
	"plot structure",
	"world building",
	"story elements",
}

const (
	contextTopK      = 5
	contextMinScore  = 0.5
	retrievalTimeout = 10 * time.Second
)

// Snippet is one retrieved fragment of project context.
type Snippet struct {
	SourceID   string
	SourceType string
	Text       string
	Score      float32
}

// ProjectContext groups retrieved snippets by the kind of entity they came
// from. Any bucket may be empty; generation degrades gracefully.
type ProjectContext struct {
	Characters    []Snippet
	WorldBuilding []Snippet
	Chapters      []Snippet
	Metadata      []Snippet
}

// Empty reports whether no snippets were retrieved at all.
func (pc ProjectContext) Empty() bool {
	return len(pc.Characters) == 0 && len(pc.WorldBuilding) == 0 &&
		len(pc.Chapters) == 0 && len(pc.Metadata) == 0
}

// Contexter retrieves grouped project context for prompt assembly.
type Contexter struct {
	embedder *Embedder
	store    VectorStore
	topK     int
	minScore float32
}

// NewContexter creates a Contexter backed by the given Embedder and VectorStore.
func NewContexter(embedder *Embedder, store VectorStore) *Contexter {
	return &Contexter{
		embedder: embedder,
		store:    store,
		topK:     contextTopK,
		minScore: contextMinScore,
	}
}

// Tune overrides the default search breadth and score cutoff. Non-positive
// values keep the defaults.
func (c *Contexter) Tune(topK int, minScore float32) {
	if topK > 0 {
		c.topK = topK
	}
	if minScore > 0 {
		c.minScore = minScore
	}
}

// RetrieveProjectContext embeds the query (or the fallback query set when
// the query is empty), searches the project's vectors for each, and merges
// the results into a ProjectContext. Failed query branches are logged and
// skipped; they never cancel sibling branches and never surface as errors.
func (c *Contexter) RetrieveProjectContext(ctx context.Context, projectID, query string) (ProjectContext, error) {
	ctx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	defer cancel()

	queries := []string{query}
	if strings.TrimSpace(query) == "" {
		queries = fallbackQueries
	}

	var mu sync.Mutex
	// Dedupe by source entity: a chapter matching several queries should
	// appear once, at its best score.
	bySource := make(map[string]Snippet)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, q := range queries {
		q := q
		g.Go(func() error {
			scored, err := c.search(gCtx, projectID, q)
			if err != nil {
				slog.Warn("context query failed", "project", projectID, "query", q, "error", err)
				return nil
			}
			mu.Lock()
			for _, s := range scored {
				prev, ok := bySource[s.SourceID]
				if !ok || s.Score > prev.Score {
					bySource[s.SourceID] = Snippet{
						SourceID:   s.SourceID,
						SourceType: s.SourceType,
						Text:       s.TextChunk,
						Score:      s.Score,
					}
				}
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return groupSnippets(bySource), nil
}

func (c *Contexter) search(ctx context.Context, projectID, query string) ([]ScoredRecord, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := c.store.Search(projectID, vec, c.topK)
	if err != nil {
		return nil, err
	}

	filtered := scored[:0]
	for _, s := range scored {
		if s.Score >= c.minScore {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

func groupSnippets(bySource map[string]Snippet) ProjectContext {
	var pc ProjectContext
	for _, s := range bySource {
		switch s.SourceType {
		case SourceCharacter:
			pc.Characters = append(pc.Characters, s)
		case SourceWorldBuilding:
			pc.WorldBuilding = append(pc.WorldBuilding, s)
		case SourceChapter:
			pc.Chapters = append(pc.Chapters, s)
		default:
			pc.Metadata = append(pc.Metadata, s)
		}
	}
	for _, group := range [][]Snippet{pc.Characters, pc.WorldBuilding, pc.Chapters, pc.Metadata} {
		sort.Slice(group, func(i, j int) bool { return group[i].Score > group[j].Score })
	}
	return pc
}

// FormatForPrompt renders the context as labeled sections for inclusion in a
// generation prompt. Chapters are capped to the top 3 to keep prompts within
// budget. Returns "" when there is nothing to include.
func FormatForPrompt(pc ProjectContext) string {
	if pc.Empty() {
		return ""
	}

	var b strings.Builder
	writeSection := func(label string, snippets []Snippet) {
		if len(snippets) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", label)
		for _, s := range snippets {
			fmt.Fprintf(&b, "- %s\n", s.Text)
		}
		b.WriteString("\n")
	}

	writeSection("Characters", pc.Characters)
	writeSection("World building", pc.WorldBuilding)

	chapters := pc.Chapters
	if len(chapters) > 3 {
		chapters = chapters[:3]
	}
	writeSection("Relevant chapters", chapters)
	writeSection("Story notes", pc.Metadata)

	return strings.TrimRight(b.String(), "\n")
}
