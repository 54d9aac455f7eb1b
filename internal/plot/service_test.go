package plot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/plotweave/internal/generation"
	"github.com/kalambet/plotweave/internal/retrieval"
	"github.com/kalambet/plotweave/internal/storage"
)

const validStructureJSON = `{
	"title": "The Cartographer's Debt",
	"acts": [
		{"number": 1, "name": "Setup", "plot_points": ["Mira finds the map"], "chapter_start": 1, "chapter_end": 4},
		{"number": 2, "name": "Confrontation", "plot_points": ["The Warden calls in the debt"], "chapter_start": 5, "chapter_end": 8}
	],
	"climax": "Mira burns the map",
	"resolution": "The borders redraw themselves"
}`

type fakeGenerator struct {
	calls   atomic.Int32
	respond func(prompt string, tier generation.Tier) (string, error)

	lastPrompt string
	lastTier   generation.Tier
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, tier generation.Tier) (string, error) {
	g.calls.Add(1)
	g.lastPrompt = prompt
	g.lastTier = tier
	if g.respond != nil {
		return g.respond(prompt, tier)
	}
	return "", errors.New("no responder configured")
}

type fakeRetriever struct {
	pc  retrieval.ProjectContext
	err error
}

func (r *fakeRetriever) RetrieveProjectContext(context.Context, string, string) (retrieval.ProjectContext, error) {
	return r.pc, r.err
}

func respondWith(s string) func(string, generation.Tier) (string, error) {
	return func(string, generation.Tier) (string, error) { return s, nil }
}

func newTestService(t *testing.T, gen Generator) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, &fakeRetriever{}, gen, 5*time.Minute), store
}

func quietChapters() []ChapterInput {
	return []ChapterInput{
		{ID: "ch-1", Number: 1, Title: "The Market", Text: "Mira walked to the village market with Teo and bought bread for the road ahead."},
		{ID: "ch-2", Number: 2, Title: "The Road", Text: "Mira and Teo followed the river road north while the rain held off until evening."},
	}
}

func TestCreatePlotStructure(t *testing.T) {
	gen := &fakeGenerator{respond: respondWith(validStructureJSON)}
	svc, store := newTestService(t, gen)

	req := StructureRequest{ProjectID: "proj-1", Premise: "A mapmaker discovers her maps rewrite reality.", Genre: "fantasy", ActCount: 2}
	res := svc.CreatePlotStructure(t.Context(), req)

	if res.Tag != TagSuccess {
		t.Fatalf("expected success, got %s (err=%v)", res.Tag, res.Err)
	}
	if !res.Persisted {
		t.Error("expected result to be persisted")
	}
	if res.Value.Title != "The Cartographer's Debt" {
		t.Errorf("unexpected title %q", res.Value.Title)
	}
	if len(res.Value.Acts) != 2 {
		t.Fatalf("expected 2 acts, got %d", len(res.Value.Acts))
	}
	if res.State() != StateSucceeded {
		t.Errorf("expected succeeded state, got %s", res.State())
	}

	stored, err := store.GetPlotStructuresByProject("proj-1")
	if err != nil {
		t.Fatalf("loading stored structures: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != res.Value.ID {
		t.Errorf("structure not stored: %+v", stored)
	}
}

func TestCreatePlotStructureRejectsEmptyPremise(t *testing.T) {
	gen := &fakeGenerator{respond: respondWith(validStructureJSON)}
	svc, _ := newTestService(t, gen)

	res := svc.CreatePlotStructure(t.Context(), StructureRequest{ProjectID: "proj-1", Premise: "   "})

	if res.Tag != TagFailure {
		t.Fatalf("expected failure, got %s", res.Tag)
	}
	var verr *ValidationError
	if !errors.As(res.Err, &verr) || verr.Field != "premise" {
		t.Errorf("expected premise validation error, got %v", res.Err)
	}
	if got := gen.calls.Load(); got != 0 {
		t.Errorf("generator should not run on invalid input, got %d calls", got)
	}
	if res.State() != StateFailed {
		t.Errorf("expected failed state, got %s", res.State())
	}
}

func TestCreatePlotStructureFallsBackOnGenerationError(t *testing.T) {
	gen := &fakeGenerator{respond: func(string, generation.Tier) (string, error) {
		return "", errors.New("upstream unavailable")
	}}
	svc, store := newTestService(t, gen)

	req := StructureRequest{ProjectID: "proj-1", Premise: "A premise.", ActCount: 3}
	res := svc.CreatePlotStructure(t.Context(), req)

	if res.Tag != TagFallback {
		t.Fatalf("expected fallback, got %s", res.Tag)
	}
	if len(res.Value.Acts) != 3 {
		t.Errorf("template should honor requested act count, got %d", len(res.Value.Acts))
	}
	if !res.Persisted {
		t.Error("template structures are still persisted")
	}
	if _, err := store.GetPlotStructure(res.Value.ID); err != nil {
		t.Errorf("template structure not stored: %v", err)
	}
}

func TestCreatePlotStructureFallsBackOnUnparseableResponse(t *testing.T) {
	gen := &fakeGenerator{respond: respondWith("I'm sorry, I cannot help with plot structures today.")}
	svc, _ := newTestService(t, gen)

	res := svc.CreatePlotStructure(t.Context(), StructureRequest{ProjectID: "proj-1", Premise: "A premise."})

	if res.Tag != TagFallback {
		t.Fatalf("expected fallback, got %s", res.Tag)
	}
	if len(res.Value.Acts) == 0 {
		t.Error("fallback structure has no acts")
	}
}

func TestCreatePlotStructurePassesSelectedTier(t *testing.T) {
	gen := &fakeGenerator{respond: respondWith(validStructureJSON)}
	svc, _ := newTestService(t, gen)

	req := StructureRequest{
		ProjectID: "proj-1",
		Premise:   strings.Repeat("An intricate premise. ", 100),
		Genre:     "epic-fantasy",
		ActCount:  9,
	}
	svc.CreatePlotStructure(t.Context(), req)

	if gen.lastTier != generation.TierAdvanced {
		t.Errorf("expected advanced tier for complex request, got %s", gen.lastTier)
	}
}

func TestCreatePlotStructureIncludesRetrievedContext(t *testing.T) {
	gen := &fakeGenerator{respond: respondWith(validStructureJSON)}
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	retr := &fakeRetriever{pc: retrieval.ProjectContext{
		Characters: []retrieval.Snippet{{SourceID: "char-1", SourceType: retrieval.SourceCharacter, Text: "Mira, a cartographer in debt.", Score: 0.9}},
	}}
	svc := NewService(store, retr, gen, time.Minute)

	svc.CreatePlotStructure(t.Context(), StructureRequest{ProjectID: "proj-1", Premise: "A premise."})

	if !strings.Contains(gen.lastPrompt, "Known story context") {
		t.Error("prompt missing context block header")
	}
	if !strings.Contains(gen.lastPrompt, "Mira, a cartographer in debt.") {
		t.Error("prompt missing retrieved snippet")
	}
}

func TestCreatePlotStructureToleratesRetrieverFailure(t *testing.T) {
	gen := &fakeGenerator{respond: respondWith(validStructureJSON)}
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := NewService(store, &fakeRetriever{err: errors.New("index offline")}, gen, time.Minute)

	res := svc.CreatePlotStructure(t.Context(), StructureRequest{ProjectID: "proj-1", Premise: "A premise."})

	if res.Tag != TagSuccess {
		t.Fatalf("retriever failure must not fail generation, got %s", res.Tag)
	}
	if strings.Contains(gen.lastPrompt, "Known story context") {
		t.Error("prompt should omit context block when retrieval fails")
	}
}

func TestCreatePlotStructureDegradesWhenStorageFails(t *testing.T) {
	gen := &fakeGenerator{respond: respondWith(validStructureJSON)}
	svc, store := newTestService(t, gen)
	store.Close()

	res := svc.CreatePlotStructure(t.Context(), StructureRequest{ProjectID: "proj-1", Premise: "A premise."})

	if res.Tag != TagSuccess {
		t.Fatalf("storage failure must not fail the result, got %s", res.Tag)
	}
	if res.Persisted {
		t.Error("result should report it was not persisted")
	}
	if len(res.Value.Acts) == 0 {
		t.Error("generated value should still be returned")
	}
}

func TestDetectPlotHolesMergesModelFindings(t *testing.T) {
	aiHoles := `[{"type": "timeline-inconsistency", "severity": "high", "title": "Rain arrives twice",
		"description": "Chapter two contradicts the weather established earlier.",
		"affected_chapters": ["ch-2"], "confidence": 0.8}]`
	gen := &fakeGenerator{respond: respondWith(aiHoles)}
	svc, store := newTestService(t, gen)

	snap := ProjectSnapshot{Chapters: quietChapters()}
	res := svc.DetectPlotHoles(t.Context(), "proj-1", snap)

	if res.Tag != TagSuccess {
		t.Fatalf("expected success, got %s", res.Tag)
	}
	found := false
	for _, h := range res.Value {
		if h.Type == storage.HoleTimelineInconsistency && h.Title == "Rain arrives twice" {
			found = true
			if h.ProjectID != "proj-1" || h.ID == "" {
				t.Errorf("hole not stamped with identity: %+v", h)
			}
		}
	}
	if !found {
		t.Fatalf("model-detected hole missing from result: %+v", res.Value)
	}

	stored, err := store.GetPlotHolesByProject("proj-1")
	if err != nil {
		t.Fatalf("loading stored holes: %v", err)
	}
	if len(stored) != len(res.Value) {
		t.Errorf("stored %d holes, result had %d", len(stored), len(res.Value))
	}
}

func TestDetectPlotHolesFallsBackToHeuristics(t *testing.T) {
	gen := &fakeGenerator{respond: func(string, generation.Tier) (string, error) {
		return "", errors.New("upstream unavailable")
	}}
	svc, _ := newTestService(t, gen)

	chapters := quietChapters()
	chapters[0].Text = "Mira vowed to repay the Warden before winter. The market was loud."
	res := svc.DetectPlotHoles(t.Context(), "proj-1", ProjectSnapshot{Chapters: chapters})

	if res.Tag != TagFallback {
		t.Fatalf("expected fallback when generation fails, got %s", res.Tag)
	}
	found := false
	for _, h := range res.Value {
		if h.Type == storage.HoleUnresolvedSetup {
			found = true
		}
	}
	if !found {
		t.Errorf("heuristic findings should survive generation failure: %+v", res.Value)
	}
}

func TestManuscriptPassesDerivedTier(t *testing.T) {
	gen := &fakeGenerator{respond: respondWith("[]")}
	svc, _ := newTestService(t, gen)

	chapters := make([]ChapterInput, 30)
	for i := range chapters {
		chapters[i] = ChapterInput{
			ID:     fmt.Sprintf("ch-%d", i+1),
			Number: i + 1,
			Text:   strings.Repeat("The caravan pressed on through the pass. ", 100),
		}
	}
	snap := ProjectSnapshot{Chapters: chapters}

	svc.DetectPlotHoles(t.Context(), "proj-1", snap)
	if gen.lastTier != generation.TierAdvanced {
		t.Errorf("hole detection tier = %s, want %s for a long manuscript", gen.lastTier, generation.TierAdvanced)
	}

	gen.lastTier = ""
	svc.SuggestPlots(t.Context(), "proj-1", snap)
	if gen.lastTier != generation.TierAdvanced {
		t.Errorf("suggestion tier = %s, want %s for a long manuscript", gen.lastTier, generation.TierAdvanced)
	}

	// A short draft stays on the fast tier.
	gen.lastTier = ""
	svc.DetectPlotHoles(t.Context(), "proj-2", ProjectSnapshot{Chapters: quietChapters()})
	if gen.lastTier != generation.TierFast {
		t.Errorf("hole detection tier = %s, want %s for a short draft", gen.lastTier, generation.TierFast)
	}
}

func TestBuildCharacterGraphPersists(t *testing.T) {
	gen := &fakeGenerator{}
	svc, store := newTestService(t, gen)

	snap := ProjectSnapshot{
		Chapters: quietChapters(),
		Characters: []CharacterInput{
			{ID: "char-1", Name: "Mira"},
			{ID: "char-2", Name: "Teo"},
		},
	}
	res := svc.BuildCharacterGraph(t.Context(), "proj-1", snap)

	if res.Tag != TagSuccess || !res.Persisted {
		t.Fatalf("expected persisted success, got tag=%s persisted=%v", res.Tag, res.Persisted)
	}
	if len(res.Value.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(res.Value.Nodes))
	}
	if len(res.Value.Edges) == 0 {
		t.Error("co-occurring characters should produce an edge")
	}
	if got := gen.calls.Load(); got != 0 {
		t.Errorf("graph build must not call the generator, got %d calls", got)
	}

	stored, err := store.GetCharacterGraphByProject("proj-1")
	if err != nil {
		t.Fatalf("loading stored graph: %v", err)
	}
	if len(stored.Nodes) != 2 {
		t.Errorf("stored graph has %d nodes", len(stored.Nodes))
	}
}

func TestSuggestPlotsFallsBackOnBadResponse(t *testing.T) {
	gen := &fakeGenerator{respond: respondWith(`[]`)}
	svc, store := newTestService(t, gen)

	res := svc.SuggestPlots(t.Context(), "proj-1", ProjectSnapshot{Chapters: quietChapters()})

	if res.Tag != TagFallback {
		t.Fatalf("expected fallback for empty suggestion batch, got %s", res.Tag)
	}
	if len(res.Value) == 0 {
		t.Fatal("template suggestions should not be empty")
	}
	for _, s := range res.Value {
		if s.ProjectID != "proj-1" || s.ID == "" {
			t.Errorf("suggestion missing identity: %+v", s)
		}
	}

	stored, err := store.GetPlotSuggestionsByProject("proj-1")
	if err != nil {
		t.Fatalf("loading stored suggestions: %v", err)
	}
	if len(stored) != len(res.Value) {
		t.Errorf("stored %d suggestions, result had %d", len(stored), len(res.Value))
	}
}

func TestSuggestPlotsParsesModelResponse(t *testing.T) {
	resp := "```json\n" + `[{"type": "twist", "title": "The map is alive", "description": "The map has been steering Mira.", "placement": "act 2", "impact": "high", "related_characters": ["Mira"]}]` + "\n```"
	gen := &fakeGenerator{respond: respondWith(resp)}
	svc, _ := newTestService(t, gen)

	res := svc.SuggestPlots(t.Context(), "proj-1", ProjectSnapshot{Chapters: quietChapters()})

	if res.Tag != TagSuccess {
		t.Fatalf("expected success, got %s", res.Tag)
	}
	if len(res.Value) != 1 || res.Value[0].Type != storage.SuggestionTwist {
		t.Errorf("unexpected suggestions: %+v", res.Value)
	}
}

func analysisResponder(t *testing.T) func(prompt string, tier generation.Tier) (string, error) {
	t.Helper()
	return func(prompt string, _ generation.Tier) (string, error) {
		switch {
		case strings.Contains(prompt, "plot holes"):
			return "[]", nil
		case strings.Contains(prompt, "suggestions"):
			return `[{"type": "twist", "title": "T", "description": "D"}]`, nil
		default:
			return "", fmt.Errorf("unexpected prompt: %.60s", prompt)
		}
	}
}

func TestAnalyzeProjectCachesResult(t *testing.T) {
	gen := &fakeGenerator{respond: analysisResponder(t)}
	svc, _ := newTestService(t, gen)
	snap := ProjectSnapshot{Chapters: quietChapters()}

	first, err := svc.AnalyzeProject(t.Context(), "proj-1", snap, false)
	if err != nil {
		t.Fatalf("first analysis: %v", err)
	}
	if first.FromCache {
		t.Error("first run should not come from cache")
	}
	callsAfterFirst := gen.calls.Load()
	if callsAfterFirst == 0 {
		t.Fatal("first run should call the generator")
	}

	second, err := svc.AnalyzeProject(t.Context(), "proj-1", snap, false)
	if err != nil {
		t.Fatalf("second analysis: %v", err)
	}
	if !second.FromCache {
		t.Error("second run should be served from cache")
	}
	if got := gen.calls.Load(); got != callsAfterFirst {
		t.Errorf("cache hit must not call the generator: %d calls after second run", got)
	}
	if second.ProjectID != "proj-1" {
		t.Errorf("cached analysis lost project id: %q", second.ProjectID)
	}
	if len(second.Suggestions) != len(first.Suggestions) {
		t.Errorf("cached suggestions differ: %d vs %d", len(second.Suggestions), len(first.Suggestions))
	}
}

func TestAnalyzeProjectRefreshBypassesCache(t *testing.T) {
	gen := &fakeGenerator{respond: analysisResponder(t)}
	svc, _ := newTestService(t, gen)
	snap := ProjectSnapshot{Chapters: quietChapters()}

	if _, err := svc.AnalyzeProject(t.Context(), "proj-1", snap, false); err != nil {
		t.Fatalf("first analysis: %v", err)
	}
	callsAfterFirst := gen.calls.Load()

	refreshed, err := svc.AnalyzeProject(t.Context(), "proj-1", snap, true)
	if err != nil {
		t.Fatalf("refresh analysis: %v", err)
	}
	if refreshed.FromCache {
		t.Error("refresh must not be served from cache")
	}
	if got := gen.calls.Load(); got <= callsAfterFirst {
		t.Errorf("refresh should rerun generation, calls stayed at %d", got)
	}
}

func TestAnalyzeProjectExpiredCacheReruns(t *testing.T) {
	gen := &fakeGenerator{respond: analysisResponder(t)}
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	// Zero TTL expires the cache entry immediately.
	svc := NewService(store, &fakeRetriever{}, gen, 0)
	snap := ProjectSnapshot{Chapters: quietChapters()}

	if _, err := svc.AnalyzeProject(t.Context(), "proj-1", snap, false); err != nil {
		t.Fatalf("first analysis: %v", err)
	}
	callsAfterFirst := gen.calls.Load()

	second, err := svc.AnalyzeProject(t.Context(), "proj-1", snap, false)
	if err != nil {
		t.Fatalf("second analysis: %v", err)
	}
	if second.FromCache {
		t.Error("expired cache entry must not be served")
	}
	if got := gen.calls.Load(); got <= callsAfterFirst {
		t.Errorf("expired cache should rerun generation, calls stayed at %d", got)
	}
}

func TestAnalyzeProjectStateReflectsFallbacks(t *testing.T) {
	gen := &fakeGenerator{respond: func(string, generation.Tier) (string, error) {
		return "", errors.New("upstream unavailable")
	}}
	svc, _ := newTestService(t, gen)

	a, err := svc.AnalyzeProject(t.Context(), "proj-1", ProjectSnapshot{Chapters: quietChapters()}, false)
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if a.State != StateFallback {
		t.Errorf("expected fallback state when generation degrades, got %s", a.State)
	}
	if len(a.Suggestions) == 0 {
		t.Error("degraded analysis should still carry template suggestions")
	}
}

func TestAnalyzeProjectIncludesLatestStructure(t *testing.T) {
	gen := &fakeGenerator{respond: analysisResponder(t)}
	svc, store := newTestService(t, gen)

	if _, err := store.SavePlotStructure(storage.PlotStructure{
		ID:        "ps-1",
		ProjectID: "proj-1",
		Title:     "Existing outline",
		Acts:      []storage.Act{{Number: 1, Name: "Setup", PlotPoints: []string{"p"}}},
	}); err != nil {
		t.Fatalf("seeding structure: %v", err)
	}

	a, err := svc.AnalyzeProject(t.Context(), "proj-1", ProjectSnapshot{Chapters: quietChapters()}, false)
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if a.Structure == nil || a.Structure.ID != "ps-1" {
		t.Errorf("analysis should carry the latest stored structure, got %+v", a.Structure)
	}
}

func TestCombineStates(t *testing.T) {
	cases := []struct {
		name string
		tags []Tag
		want State
	}{
		{"all success", []Tag{TagSuccess, TagSuccess, TagSuccess}, StateSucceeded},
		{"one fallback", []Tag{TagSuccess, TagFallback, TagSuccess}, StateFallback},
		{"failure wins", []Tag{TagFallback, TagFailure}, StateFailed},
		{"empty", nil, StateSucceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := combineStates(tc.tags...); got != tc.want {
				t.Errorf("combineStates(%v) = %s, want %s", tc.tags, got, tc.want)
			}
		})
	}
}
