package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Syncer pushes a JSON snapshot of a project's derived entities to an
// optional remote endpoint. Local persistence never depends on it: when no
// remote is configured every sync is an immediate no-op success, and a
// failed push leaves local data untouched for the next attempt.
type Syncer struct {
	store     *Store
	remoteURL string
	token     string
	client    *http.Client
}

func NewSyncer(store *Store, remoteURL, token string) *Syncer {
	return &Syncer{
		store:     store,
		remoteURL: remoteURL,
		token:     token,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether a remote endpoint is set.
func (sy *Syncer) Configured() bool {
	return sy.remoteURL != ""
}

type projectSnapshot struct {
	ProjectID   string           `json:"project_id"`
	Structures  []PlotStructure  `json:"structures"`
	Holes       []PlotHole       `json:"holes"`
	Graph       *CharacterGraph  `json:"graph,omitempty"`
	Suggestions []PlotSuggestion `json:"suggestions"`
	SyncedAt    time.Time        `json:"synced_at"`
}

// SyncProject pushes the project snapshot to the remote. Returns nil without
// doing anything when no remote is configured.
func (sy *Syncer) SyncProject(ctx context.Context, projectID string) error {
	if !sy.Configured() {
		return nil
	}

	snap, err := sy.snapshot(projectID)
	if err != nil {
		return fmt.Errorf("building snapshot for %s: %w", projectID, err)
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot for %s: %w", projectID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		sy.remoteURL+"/v1/projects/"+projectID+"/snapshot", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sy.token != "" {
		req.Header.Set("Authorization", "Bearer "+sy.token)
	}

	resp, err := sy.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing snapshot for %s: %w", projectID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote rejected snapshot for %s: status %d", projectID, resp.StatusCode)
	}

	if err := sy.recordSync(projectID); err != nil {
		// The push succeeded; a bookkeeping failure only costs an extra
		// push next round.
		slog.Warn("recording sync state failed", "project", projectID, "error", err)
	}
	return nil
}

// SyncAll pushes every project that has any derived data. Projects failing
// to sync are logged and skipped so one bad project cannot block the rest.
func (sy *Syncer) SyncAll(ctx context.Context) (int, error) {
	if !sy.Configured() {
		return 0, nil
	}

	ids, err := sy.projectIDs()
	if err != nil {
		return 0, fmt.Errorf("listing projects: %w", err)
	}

	synced := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		if err := sy.SyncProject(ctx, id); err != nil {
			slog.Warn("project sync failed", "project", id, "error", err)
			continue
		}
		synced++
	}
	return synced, nil
}

// Run pushes every project on a fixed interval until ctx is cancelled. It
// returns immediately when no remote is configured or the interval is not
// positive, so callers can start it unconditionally.
func (sy *Syncer) Run(ctx context.Context, interval time.Duration) {
	if !sy.Configured() || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			synced, err := sy.SyncAll(ctx)
			if err != nil {
				slog.Warn("background sync failed", "error", err)
				continue
			}
			slog.Debug("background sync complete", "projects", synced)
		}
	}
}

// LastSync returns the recorded last successful sync time for a project, or
// the zero time when it has never synced.
func (sy *Syncer) LastSync(projectID string) (time.Time, error) {
	var value string
	err := sy.store.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`,
		"last_sync:"+projectID).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, value)
}

func (sy *Syncer) snapshot(projectID string) (projectSnapshot, error) {
	snap := projectSnapshot{
		ProjectID: projectID,
		SyncedAt:  sy.store.clock.Now().UTC(),
	}

	var err error
	if snap.Structures, err = sy.store.GetPlotStructuresByProject(projectID); err != nil {
		return projectSnapshot{}, err
	}
	if snap.Holes, err = sy.store.GetPlotHolesByProject(projectID); err != nil {
		return projectSnapshot{}, err
	}
	if snap.Suggestions, err = sy.store.GetPlotSuggestionsByProject(projectID); err != nil {
		return projectSnapshot{}, err
	}

	graph, err := sy.store.GetCharacterGraphByProject(projectID)
	if err != nil && err != ErrNotFound {
		return projectSnapshot{}, err
	}
	if err == nil {
		snap.Graph = &graph
	}

	return snap, nil
}

func (sy *Syncer) recordSync(projectID string) error {
	_, err := sy.store.db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		"last_sync:"+projectID, sy.store.clock.Now().UTC().Format(time.RFC3339))
	return err
}

func (sy *Syncer) projectIDs() ([]string, error) {
	rows, err := sy.store.db.Query(`
		SELECT project_id FROM plot_structures
		UNION SELECT project_id FROM plot_holes
		UNION SELECT project_id FROM character_graphs
		UNION SELECT project_id FROM plot_suggestions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
