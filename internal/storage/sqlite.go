package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Clock abstracts time for testability of TTL expiry.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store wraps a SQLite database holding all plot-analysis entities for
// every project: structures, holes, character graphs, cached analysis
// results, and suggestions. It is the only component that reads or writes
// these tables; everything else receives snapshots.
type Store struct {
	db    *sql.DB
	clock Clock
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests and when no durable backend is configured).
func Open(dataDir string) (*Store, error) {
	return OpenWithClock(dataDir, realClock{})
}

// OpenWithClock is Open with an injected clock, so TTL expiry can be tested
// against simulated time.
func OpenWithClock(dataDir string, clock Clock) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "plotweave.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, clock: clock}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for the vector store, which shares
// this database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// opErr wraps err in an OpError unless it is nil or ErrNotFound.
func opErr(op, projectID, entity string, err error) error {
	if err == nil || err == ErrNotFound {
		return err
	}
	return &OpError{Op: op, ProjectID: projectID, Entity: entity, Err: err}
}

func marshalStrings(v []string) string {
	if v == nil {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalStrings(s string) []string {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// --- Plot structures ---

// SavePlotStructure upserts a structure by id. The only validation is a
// non-empty project id; act-list sanity is a generation-time concern.
func (s *Store) SavePlotStructure(ps PlotStructure) (PlotStructure, error) {
	if ps.ProjectID == "" {
		return PlotStructure{}, opErr("SavePlotStructure", "", "plot_structure", fmt.Errorf("project id is required"))
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = s.clock.Now().UTC()
	}

	actsJSON, err := json.Marshal(ps.Acts)
	if err != nil {
		return PlotStructure{}, opErr("SavePlotStructure", ps.ProjectID, "plot_structure", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO plot_structures (id, project_id, title, acts_json, climax, resolution, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			acts_json = excluded.acts_json,
			climax = excluded.climax,
			resolution = excluded.resolution`,
		ps.ID, ps.ProjectID, ps.Title, string(actsJSON), ps.Climax, ps.Resolution,
		ps.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return PlotStructure{}, opErr("SavePlotStructure", ps.ProjectID, "plot_structure", err)
	}
	return ps, nil
}

func scanPlotStructure(scan func(dest ...any) error) (PlotStructure, error) {
	var ps PlotStructure
	var actsJSON, createdAt string
	if err := scan(&ps.ID, &ps.ProjectID, &ps.Title, &actsJSON, &ps.Climax, &ps.Resolution, &createdAt); err != nil {
		return PlotStructure{}, err
	}
	if err := json.Unmarshal([]byte(actsJSON), &ps.Acts); err != nil {
		return PlotStructure{}, fmt.Errorf("parsing acts_json: %w", err)
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return PlotStructure{}, fmt.Errorf("parsing created_at: %w", err)
	}
	ps.CreatedAt = t
	return ps, nil
}

// GetPlotStructure returns the structure with the given id, or ErrNotFound.
func (s *Store) GetPlotStructure(id string) (PlotStructure, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, title, acts_json, climax, resolution, created_at
		FROM plot_structures WHERE id = ?`, id)
	ps, err := scanPlotStructure(row.Scan)
	if err == sql.ErrNoRows {
		return PlotStructure{}, ErrNotFound
	}
	if err != nil {
		return PlotStructure{}, opErr("GetPlotStructure", "", "plot_structure", err)
	}
	return ps, nil
}

// GetPlotStructuresByProject lists a project's structures, most recent first.
func (s *Store) GetPlotStructuresByProject(projectID string) ([]PlotStructure, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, title, acts_json, climax, resolution, created_at
		FROM plot_structures WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, opErr("GetPlotStructuresByProject", projectID, "plot_structure", err)
	}
	defer rows.Close()

	var results []PlotStructure
	for rows.Next() {
		ps, err := scanPlotStructure(rows.Scan)
		if err != nil {
			return nil, opErr("GetPlotStructuresByProject", projectID, "plot_structure", err)
		}
		results = append(results, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("GetPlotStructuresByProject", projectID, "plot_structure", err)
	}
	return results, nil
}

// --- Plot holes ---

// SavePlotHoles replaces the project's entire plot-hole set in a single
// transaction: delete-by-project then bulk insert. An empty batch is valid
// and clears all holes. No reader observes a partially-replaced set.
func (s *Store) SavePlotHoles(projectID string, holes []PlotHole) error {
	tx, err := s.db.Begin()
	if err != nil {
		return opErr("SavePlotHoles", projectID, "plot_hole", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM plot_holes WHERE project_id = ?`, projectID); err != nil {
		return opErr("SavePlotHoles", projectID, "plot_hole", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO plot_holes (id, project_id, type, severity, severity_rank, title, description,
			affected_chapters, affected_characters, confidence, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return opErr("SavePlotHoles", projectID, "plot_hole", err)
	}
	defer stmt.Close()

	for _, h := range holes {
		detectedAt := h.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = s.clock.Now().UTC()
		}
		if _, err := stmt.Exec(
			h.ID, projectID, string(h.Type), string(h.Severity), severityRank(h.Severity),
			h.Title, h.Description,
			marshalStrings(h.AffectedChapters), marshalStrings(h.AffectedCharacters),
			h.Confidence, detectedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return opErr("SavePlotHoles", projectID, "plot_hole", fmt.Errorf("inserting hole %s: %w", h.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return opErr("SavePlotHoles", projectID, "plot_hole", err)
	}
	return nil
}

// GetPlotHolesByProject lists a project's holes sorted by severity (critical
// first) then detection time descending.
func (s *Store) GetPlotHolesByProject(projectID string) ([]PlotHole, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, type, severity, title, description,
			affected_chapters, affected_characters, confidence, detected_at
		FROM plot_holes WHERE project_id = ?
		ORDER BY severity_rank ASC, detected_at DESC`, projectID)
	if err != nil {
		return nil, opErr("GetPlotHolesByProject", projectID, "plot_hole", err)
	}
	defer rows.Close()

	var results []PlotHole
	for rows.Next() {
		var h PlotHole
		var typ, sev, chapters, characters, detectedAt string
		if err := rows.Scan(&h.ID, &h.ProjectID, &typ, &sev, &h.Title, &h.Description,
			&chapters, &characters, &h.Confidence, &detectedAt); err != nil {
			return nil, opErr("GetPlotHolesByProject", projectID, "plot_hole", err)
		}
		h.Type = HoleType(typ)
		h.Severity = Severity(sev)
		h.AffectedChapters = unmarshalStrings(chapters)
		h.AffectedCharacters = unmarshalStrings(characters)
		t, err := time.Parse(time.RFC3339, detectedAt)
		if err != nil {
			return nil, opErr("GetPlotHolesByProject", projectID, "plot_hole", fmt.Errorf("parsing detected_at: %w", err))
		}
		h.DetectedAt = t
		results = append(results, h)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("GetPlotHolesByProject", projectID, "plot_hole", err)
	}
	return results, nil
}

// --- Character graphs ---

// SaveCharacterGraph upserts the project's singleton graph, overwriting any
// previous nodes and edges wholesale.
func (s *Store) SaveCharacterGraph(projectID string, g CharacterGraph) error {
	nodesJSON, err := json.Marshal(g.Nodes)
	if err != nil {
		return opErr("SaveCharacterGraph", projectID, "character_graph", err)
	}
	edgesJSON, err := json.Marshal(g.Edges)
	if err != nil {
		return opErr("SaveCharacterGraph", projectID, "character_graph", err)
	}
	updatedAt := g.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.clock.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO character_graphs (project_id, nodes_json, edges_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			nodes_json = excluded.nodes_json,
			edges_json = excluded.edges_json,
			updated_at = excluded.updated_at`,
		projectID, string(nodesJSON), string(edgesJSON), updatedAt.UTC().Format(time.RFC3339),
	)
	return opErr("SaveCharacterGraph", projectID, "character_graph", err)
}

// GetCharacterGraphByProject returns the project's graph, or ErrNotFound.
func (s *Store) GetCharacterGraphByProject(projectID string) (CharacterGraph, error) {
	var g CharacterGraph
	var nodesJSON, edgesJSON, updatedAt string
	err := s.db.QueryRow(`
		SELECT project_id, nodes_json, edges_json, updated_at
		FROM character_graphs WHERE project_id = ?`, projectID,
	).Scan(&g.ProjectID, &nodesJSON, &edgesJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return CharacterGraph{}, ErrNotFound
	}
	if err != nil {
		return CharacterGraph{}, opErr("GetCharacterGraphByProject", projectID, "character_graph", err)
	}
	if err := json.Unmarshal([]byte(nodesJSON), &g.Nodes); err != nil {
		return CharacterGraph{}, opErr("GetCharacterGraphByProject", projectID, "character_graph", fmt.Errorf("parsing nodes_json: %w", err))
	}
	if err := json.Unmarshal([]byte(edgesJSON), &g.Edges); err != nil {
		return CharacterGraph{}, opErr("GetCharacterGraphByProject", projectID, "character_graph", fmt.Errorf("parsing edges_json: %w", err))
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return CharacterGraph{}, opErr("GetCharacterGraphByProject", projectID, "character_graph", fmt.Errorf("parsing updated_at: %w", err))
	}
	g.UpdatedAt = t
	return g, nil
}

// --- Analysis results (TTL cache) ---

// SaveAnalysisResult stores payload under (projectID, analysisType) with
// expiry clock.Now() + ttl, replacing any previous entry for the key.
func (s *Store) SaveAnalysisResult(projectID, analysisType, payloadJSON string, ttl time.Duration) error {
	now := s.clock.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO analysis_results (project_id, analysis_type, payload_json, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id, analysis_type) DO UPDATE SET
			payload_json = excluded.payload_json,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		projectID, analysisType, payloadJSON,
		now.Add(ttl).Format(time.RFC3339), now.Format(time.RFC3339),
	)
	return opErr("SaveAnalysisResult", projectID, "analysis_result", err)
}

// GetAnalysisResult returns the cached entry only while it is logically
// alive (expires_at strictly in the future). Expired rows are treated as
// absent; they are physically removed only by CleanupExpiredAnalysis.
func (s *Store) GetAnalysisResult(projectID, analysisType string) (AnalysisResult, error) {
	var r AnalysisResult
	var expiresAt, createdAt string
	err := s.db.QueryRow(`
		SELECT project_id, analysis_type, payload_json, expires_at, created_at
		FROM analysis_results
		WHERE project_id = ? AND analysis_type = ? AND expires_at > ?`,
		projectID, analysisType, s.clock.Now().UTC().Format(time.RFC3339),
	).Scan(&r.ProjectID, &r.AnalysisType, &r.PayloadJSON, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return AnalysisResult{}, ErrNotFound
	}
	if err != nil {
		return AnalysisResult{}, opErr("GetAnalysisResult", projectID, "analysis_result", err)
	}
	if r.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return AnalysisResult{}, opErr("GetAnalysisResult", projectID, "analysis_result", fmt.Errorf("parsing expires_at: %w", err))
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return AnalysisResult{}, opErr("GetAnalysisResult", projectID, "analysis_result", fmt.Errorf("parsing created_at: %w", err))
	}
	return r, nil
}

// CleanupExpiredAnalysis physically deletes all expired analysis rows and
// returns the count. Safe to call repeatedly; a second sweep with no new
// writes deletes nothing.
func (s *Store) CleanupExpiredAnalysis() (int, error) {
	res, err := s.db.Exec(`DELETE FROM analysis_results WHERE expires_at <= ?`,
		s.clock.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, opErr("CleanupExpiredAnalysis", "", "analysis_result", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, opErr("CleanupExpiredAnalysis", "", "analysis_result", err)
	}
	return int(n), nil
}

// --- Plot suggestions ---

// SavePlotSuggestions replaces the project's suggestion set, same
// delete-then-insert transaction as SavePlotHoles.
func (s *Store) SavePlotSuggestions(projectID string, suggestions []PlotSuggestion) error {
	tx, err := s.db.Begin()
	if err != nil {
		return opErr("SavePlotSuggestions", projectID, "plot_suggestion", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM plot_suggestions WHERE project_id = ?`, projectID); err != nil {
		return opErr("SavePlotSuggestions", projectID, "plot_suggestion", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO plot_suggestions (id, project_id, type, title, description, placement, impact,
			related_characters, prerequisites, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return opErr("SavePlotSuggestions", projectID, "plot_suggestion", err)
	}
	defer stmt.Close()

	for _, sg := range suggestions {
		createdAt := sg.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.clock.Now().UTC()
		}
		if _, err := stmt.Exec(
			sg.ID, projectID, string(sg.Type), sg.Title, sg.Description, sg.Placement, sg.Impact,
			marshalStrings(sg.RelatedCharacters), marshalStrings(sg.Prerequisites),
			createdAt.UTC().Format(time.RFC3339),
		); err != nil {
			return opErr("SavePlotSuggestions", projectID, "plot_suggestion", fmt.Errorf("inserting suggestion %s: %w", sg.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return opErr("SavePlotSuggestions", projectID, "plot_suggestion", err)
	}
	return nil
}

// GetPlotSuggestionsByProject lists a project's suggestions, most recent first.
func (s *Store) GetPlotSuggestionsByProject(projectID string) ([]PlotSuggestion, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, type, title, description, placement, impact,
			related_characters, prerequisites, created_at
		FROM plot_suggestions WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, opErr("GetPlotSuggestionsByProject", projectID, "plot_suggestion", err)
	}
	defer rows.Close()

	var results []PlotSuggestion
	for rows.Next() {
		var sg PlotSuggestion
		var typ, related, prereqs, createdAt string
		if err := rows.Scan(&sg.ID, &sg.ProjectID, &typ, &sg.Title, &sg.Description,
			&sg.Placement, &sg.Impact, &related, &prereqs, &createdAt); err != nil {
			return nil, opErr("GetPlotSuggestionsByProject", projectID, "plot_suggestion", err)
		}
		sg.Type = SuggestionType(typ)
		sg.RelatedCharacters = unmarshalStrings(related)
		sg.Prerequisites = unmarshalStrings(prereqs)
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, opErr("GetPlotSuggestionsByProject", projectID, "plot_suggestion", fmt.Errorf("parsing created_at: %w", err))
		}
		sg.CreatedAt = t
		results = append(results, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("GetPlotSuggestionsByProject", projectID, "plot_suggestion", err)
	}
	return results, nil
}

// --- Project lifecycle ---

// DeleteProjectData cascades a delete across every entity table for the
// project, including its vector rows, in one transaction. Called when the
// project is deleted upstream.
func (s *Store) DeleteProjectData(projectID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return opErr("DeleteProjectData", projectID, "project", err)
	}
	defer tx.Rollback()

	for _, table := range []string{
		"plot_structures", "plot_holes", "character_graphs",
		"analysis_results", "plot_suggestions", "entity_vectors",
	} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE project_id = ?`, projectID); err != nil {
			return opErr("DeleteProjectData", projectID, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return opErr("DeleteProjectData", projectID, "project", err)
	}
	return nil
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := s.clock.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := s.clock.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(1<<attempts) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
