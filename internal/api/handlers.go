package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/plotweave/internal/ingest"
	"github.com/kalambet/plotweave/internal/plot"
	"github.com/kalambet/plotweave/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB; manuscripts travel in request bodies

// Analyzer is the slice of the plot service the HTTP layer drives.
type Analyzer interface {
	AnalyzeProject(ctx context.Context, projectID string, snap plot.ProjectSnapshot, refresh bool) (plot.Analysis, error)
	CreatePlotStructure(ctx context.Context, req plot.StructureRequest) plot.Result[storage.PlotStructure]
}

type AppDeps struct {
	Store  *storage.Store
	Plot   Analyzer
	Syncer *storage.Syncer // optional; if nil, /admin/sync reports unconfigured
	Token  string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/analysis", handleAnalyze(deps))
			r.Post("/structure", handleCreateStructure(deps))
			r.Get("/structures", handleListStructures(deps))
			r.Get("/holes", handleListHoles(deps))
			r.Get("/graph", handleGetGraph(deps))
			r.Get("/suggestions", handleListSuggestions(deps))
			r.Post("/entities", handleIndexEntity(deps))
		})
		r.Delete("/projects/{projectID}", handleDeleteProject(deps))

		r.Post("/admin/cleanup", handleCleanup(deps))
		r.Post("/admin/sync", handleSync(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type analyzeRequest struct {
	Chapters   []plot.ChapterInput   `json:"chapters"`
	Characters []plot.CharacterInput `json:"characters"`
}

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		refresh := r.URL.Query().Get("refresh") == "1"
		snap := plot.ProjectSnapshot{Chapters: req.Chapters, Characters: req.Characters}
		analysis, err := deps.Plot.AnalyzeProject(r.Context(), projectID, snap, refresh)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "analysis failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			plot.Analysis
			FromCache bool `json:"from_cache"`
			Persisted bool `json:"persisted"`
		}{analysis, analysis.FromCache, analysis.Persisted})
	}
}

type structureRequest struct {
	Premise  string `json:"premise"`
	Genre    string `json:"genre"`
	ActCount int    `json:"act_count"`
}

func handleCreateStructure(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req structureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res := deps.Plot.CreatePlotStructure(r.Context(), plot.StructureRequest{
			ProjectID: projectID,
			Premise:   req.Premise,
			Genre:     req.Genre,
			ActCount:  req.ActCount,
		})

		var verr *plot.ValidationError
		if errors.As(res.Err, &verr) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", verr)
			return
		}
		if res.Tag == plot.TagFailure {
			httpError(w, http.StatusInternalServerError, "api_error", "structure generation failed: %v", res.Err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"structure": res.Value,
			"state":     res.State(),
			"persisted": res.Persisted,
		})
	}
}

func handleListStructures(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		structures, err := deps.Store.GetPlotStructuresByProject(chi.URLParam(r, "projectID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list structures: %v", err)
			return
		}
		if structures == nil {
			structures = []storage.PlotStructure{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(structures)
	}
}

func handleListHoles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		holes, err := deps.Store.GetPlotHolesByProject(chi.URLParam(r, "projectID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list holes: %v", err)
			return
		}
		if holes == nil {
			holes = []storage.PlotHole{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(holes)
	}
}

func handleGetGraph(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := deps.Store.GetCharacterGraphByProject(chi.URLParam(r, "projectID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no character graph for project")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get graph: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(g)
	}
}

func handleListSuggestions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suggestions, err := deps.Store.GetPlotSuggestionsByProject(chi.URLParam(r, "projectID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list suggestions: %v", err)
			return
		}
		if suggestions == nil {
			suggestions = []storage.PlotSuggestion{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(suggestions)
	}
}

type indexEntityRequest struct {
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
	Text       string `json:"text"`
}

func handleIndexEntity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req indexEntityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SourceID == "" || req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source_id and text are required")
			return
		}

		job, err := ingest.NewIndexJob(ingest.IndexPayload{
			ProjectID:  projectID,
			SourceID:   req.SourceID,
			SourceType: req.SourceType,
			Text:       req.Text,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": job.ID,
			"status": "queued",
		})
	}
}

func handleDeleteProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")
		if err := deps.Store.DeleteProjectData(projectID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete project data: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleCleanup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := deps.Store.CleanupExpiredAnalysis()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cleanup failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"removed": removed})
	}
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Unconfigured sync is a no-op success, same as the storage layer.
		if deps.Syncer == nil || !deps.Syncer.Configured() {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"synced": 0, "configured": false})
			return
		}
		synced, err := deps.Syncer.SyncAll(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "sync failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"synced": synced, "configured": true})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
