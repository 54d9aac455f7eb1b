package plot

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/plotweave/internal/detect"
	"github.com/kalambet/plotweave/internal/generation"
	"github.com/kalambet/plotweave/internal/graph"
	"github.com/kalambet/plotweave/internal/retrieval"
	"github.com/kalambet/plotweave/internal/storage"
)

// analysisType keys the cached composite analysis in storage.
const analysisType = "plot-analysis"

// Generator is the text-generation dependency. Production wires the cloud
// generation client; tests wire a canned fake.
type Generator interface {
	Generate(ctx context.Context, prompt string, tier generation.Tier) (string, error)
}

// ContextRetriever supplies grouped project context for prompts.
type ContextRetriever interface {
	RetrieveProjectContext(ctx context.Context, projectID, query string) (retrieval.ProjectContext, error)
}

// StructureRequest asks for a plot structure from a premise.
type StructureRequest struct {
	ProjectID string `json:"project_id"`
	Premise   string `json:"premise"`
	Genre     string `json:"genre"`
	ActCount  int    `json:"act_count"`
}

// ChapterInput is a manuscript chapter snapshot supplied by the caller.
type ChapterInput struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// CharacterInput is a character record snapshot supplied by the caller.
type CharacterInput struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Aliases       []string            `json:"aliases,omitempty"`
	Role          string              `json:"role,omitempty"`
	Relationships []RelationshipInput `json:"relationships,omitempty"`
}

// RelationshipInput is an explicit relationship on a character record.
type RelationshipInput struct {
	TargetID    string `json:"target_id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ProjectSnapshot carries the upstream entities an analysis run reads. The
// analysis core never loads or mutates these itself.
type ProjectSnapshot struct {
	Chapters   []ChapterInput   `json:"chapters"`
	Characters []CharacterInput `json:"characters"`
}

// Analysis is the composite result of a full project analysis.
type Analysis struct {
	ProjectID   string                   `json:"project_id"`
	Structure   *storage.PlotStructure   `json:"structure,omitempty"`
	Holes       []storage.PlotHole       `json:"holes"`
	Graph       storage.CharacterGraph   `json:"graph"`
	Suggestions []storage.PlotSuggestion `json:"suggestions"`
	State       State                    `json:"state"`
	FromCache   bool                     `json:"-"`
	Persisted   bool                     `json:"-"`
}

// Service orchestrates analysis and generation for a project: retrieve
// context, call the model at a complexity-chosen tier, parse or fall back to
// a template, persist, return a tagged result.
type Service struct {
	store       *storage.Store
	contexter   ContextRetriever
	generator   Generator
	analysisTTL time.Duration
}

// NewService wires the orchestrator. analysisTTL bounds how long a cached
// composite analysis is served before regeneration.
func NewService(store *storage.Store, contexter ContextRetriever, generator Generator, analysisTTL time.Duration) *Service {
	return &Service{
		store:       store,
		contexter:   contexter,
		generator:   generator,
		analysisTTL: analysisTTL,
	}
}

// retrieveContext wraps the retriever so a failure degrades to an empty
// context block instead of aborting the pipeline.
func (s *Service) retrieveContext(ctx context.Context, projectID, query string) string {
	pc, err := s.contexter.RetrieveProjectContext(ctx, projectID, query)
	if err != nil {
		slog.Warn("context retrieval failed", "project", projectID, "error", err)
		return ""
	}
	return retrieval.FormatForPrompt(pc)
}

// CreatePlotStructure generates a plot structure for the request. Parse or
// generation failures fall back to a deterministic template; only validation
// errors fail the request outright. A storage failure degrades the result to
// unpersisted rather than discarding it.
func (s *Service) CreatePlotStructure(ctx context.Context, req StructureRequest) Result[storage.PlotStructure] {
	if req.ProjectID == "" {
		return failure[storage.PlotStructure](&ValidationError{Field: "project_id", Reason: "must not be empty"})
	}
	if strings.TrimSpace(req.Premise) == "" {
		return failure[storage.PlotStructure](&ValidationError{Field: "premise", Reason: "must not be empty"})
	}

	contextBlock := s.retrieveContext(ctx, req.ProjectID, contextQuery(req))
	prompt := structurePrompt(req, contextBlock)
	tier := SelectTier(req)

	res := s.generateStructure(ctx, req, prompt, tier)

	saved, err := s.store.SavePlotStructure(res.Value)
	if err != nil {
		slog.Error("persisting plot structure failed", "project", req.ProjectID, "error", err)
		res.Persisted = false
		return res
	}
	res.Value = saved
	return res
}

func (s *Service) generateStructure(ctx context.Context, req StructureRequest, prompt string, tier generation.Tier) Result[storage.PlotStructure] {
	resp, err := s.generator.Generate(ctx, prompt, tier)
	if err != nil {
		slog.Warn("structure generation failed, using template", "project", req.ProjectID, "tier", tier, "error", err)
		return fallback(templateStructure(req))
	}

	structure, err := parseStructure(resp, req.ProjectID)
	if err != nil {
		slog.Warn("structure response unparseable, using template", "project", req.ProjectID, "error", err)
		return fallback(templateStructure(req))
	}
	return success(structure)
}

// BuildCharacterGraph derives and persists the project's character graph.
// The build itself is deterministic; only persistence can degrade it.
func (s *Service) BuildCharacterGraph(ctx context.Context, projectID string, snap ProjectSnapshot) Result[storage.CharacterGraph] {
	g := graph.Build(projectID, graphRecords(snap), graphChapters(snap))

	res := success(g)
	if err := s.store.SaveCharacterGraph(projectID, g); err != nil {
		slog.Error("persisting character graph failed", "project", projectID, "error", err)
		res.Persisted = false
	}
	return res
}

// DetectPlotHoles runs heuristics plus an AI pass over the manuscript and
// replaces the project's hole set. When generation or parsing fails the run
// degrades to heuristics-only and is tagged as a fallback.
func (s *Service) DetectPlotHoles(ctx context.Context, projectID string, snap ProjectSnapshot) Result[[]storage.PlotHole] {
	g := graph.Build(projectID, graphRecords(snap), graphChapters(snap))
	return s.detectHoles(ctx, projectID, snap, g)
}

func (s *Service) detectHoles(ctx context.Context, projectID string, snap ProjectSnapshot, g storage.CharacterGraph) Result[[]storage.PlotHole] {
	tag := TagSuccess
	var aiHoles []storage.PlotHole

	contextBlock := s.retrieveContext(ctx, projectID, "")
	prompt := holesPrompt(manuscriptDigest(snap.Chapters), contextBlock)
	resp, err := s.generator.Generate(ctx, prompt, ManuscriptTier(snap.Chapters))
	if err != nil {
		slog.Warn("hole analysis generation failed, heuristics only", "project", projectID, "error", err)
		tag = TagFallback
	} else if aiHoles, err = parseHoles(resp); err != nil {
		slog.Warn("hole analysis unparseable, heuristics only", "project", projectID, "error", err)
		tag = TagFallback
	}

	holes := detect.Detect(projectID, detect.Input{
		Chapters: detectChapters(snap),
		Graph:    g,
		AIHoles:  aiHoles,
	})

	res := Result[[]storage.PlotHole]{Tag: tag, Value: holes, Persisted: true}
	if err := s.store.SavePlotHoles(projectID, holes); err != nil {
		slog.Error("persisting plot holes failed", "project", projectID, "error", err)
		res.Persisted = false
	}
	return res
}

// SuggestPlots generates plot suggestions and replaces the project's
// suggestion set. Generation or parse failure falls back to template
// suggestions.
func (s *Service) SuggestPlots(ctx context.Context, projectID string, snap ProjectSnapshot) Result[[]storage.PlotSuggestion] {
	contextBlock := s.retrieveContext(ctx, projectID, "")
	prompt := suggestionsPrompt(manuscriptDigest(snap.Chapters), contextBlock)

	var res Result[[]storage.PlotSuggestion]
	resp, err := s.generator.Generate(ctx, prompt, ManuscriptTier(snap.Chapters))
	if err != nil {
		slog.Warn("suggestion generation failed, using templates", "project", projectID, "error", err)
		res = fallback(templateSuggestions(projectID))
	} else if suggestions, perr := parseSuggestions(resp, projectID); perr != nil {
		slog.Warn("suggestion response unparseable, using templates", "project", projectID, "error", perr)
		res = fallback(templateSuggestions(projectID))
	} else {
		res = success(suggestions)
	}

	if err := s.store.SavePlotSuggestions(projectID, res.Value); err != nil {
		slog.Error("persisting plot suggestions failed", "project", projectID, "error", err)
		res.Persisted = false
	}
	return res
}

// AnalyzeProject runs the composite analysis: character graph, plot holes,
// and suggestions, plus the most recent stored structure. Results are cached
// with the configured TTL; a cache hit short-circuits generation entirely
// unless refresh forces a rerun.
func (s *Service) AnalyzeProject(ctx context.Context, projectID string, snap ProjectSnapshot, refresh bool) (Analysis, error) {
	if !refresh {
		if cached, err := s.store.GetAnalysisResult(projectID, analysisType); err == nil {
			var a Analysis
			if jerr := json.Unmarshal([]byte(cached.PayloadJSON), &a); jerr == nil {
				a.FromCache = true
				a.Persisted = true
				return a, nil
			}
		} else if err != storage.ErrNotFound {
			slog.Warn("analysis cache read failed", "project", projectID, "error", err)
		}
	}

	graphRes := s.BuildCharacterGraph(ctx, projectID, snap)
	holesRes := s.detectHoles(ctx, projectID, snap, graphRes.Value)
	suggestionsRes := s.SuggestPlots(ctx, projectID, snap)

	a := Analysis{
		ProjectID:   projectID,
		Holes:       holesRes.Value,
		Graph:       graphRes.Value,
		Suggestions: suggestionsRes.Value,
		State:       combineStates(graphRes.Tag, holesRes.Tag, suggestionsRes.Tag),
		Persisted:   graphRes.Persisted && holesRes.Persisted && suggestionsRes.Persisted,
	}

	structures, err := s.store.GetPlotStructuresByProject(projectID)
	if err != nil {
		slog.Warn("loading structures for analysis failed", "project", projectID, "error", err)
	} else if len(structures) > 0 {
		a.Structure = &structures[0]
	}

	payload, err := json.Marshal(a)
	if err == nil {
		err = s.store.SaveAnalysisResult(projectID, analysisType, string(payload), s.analysisTTL)
	}
	if err != nil {
		slog.Error("caching analysis failed", "project", projectID, "error", err)
		a.Persisted = false
	}

	return a, nil
}

// combineStates folds stage tags into the overall request state: any failure
// fails the analysis, any fallback marks it degraded.
func combineStates(tags ...Tag) State {
	state := StateSucceeded
	for _, t := range tags {
		switch t {
		case TagFailure:
			return StateFailed
		case TagFallback:
			state = StateFallback
		}
	}
	return state
}

func detectChapters(snap ProjectSnapshot) []detect.Chapter {
	out := make([]detect.Chapter, len(snap.Chapters))
	for i, ch := range snap.Chapters {
		out[i] = detect.Chapter{ID: ch.ID, Number: ch.Number, Title: ch.Title, Text: ch.Text}
	}
	return out
}

func graphChapters(snap ProjectSnapshot) []graph.Chapter {
	out := make([]graph.Chapter, len(snap.Chapters))
	for i, ch := range snap.Chapters {
		out[i] = graph.Chapter{ID: ch.ID, Number: ch.Number, Text: ch.Text}
	}
	return out
}

func graphRecords(snap ProjectSnapshot) []graph.CharacterRecord {
	out := make([]graph.CharacterRecord, len(snap.Characters))
	for i, c := range snap.Characters {
		rec := graph.CharacterRecord{ID: c.ID, Name: c.Name, Aliases: c.Aliases, Role: c.Role}
		for _, rel := range c.Relationships {
			rec.Relationships = append(rec.Relationships, graph.RelationshipRecord{
				TargetID:    rel.TargetID,
				Type:        rel.Type,
				Description: rel.Description,
			})
		}
		out[i] = rec
	}
	return out
}
