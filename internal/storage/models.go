package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist (or, for
// analysis results, has logically expired).
var ErrNotFound = errors.New("not found")

// OpError carries the operation context of a failed storage call so callers
// can report "analysis ran but could not be saved" instead of losing work
// silently.
type OpError struct {
	Op        string // e.g. "SavePlotHoles"
	ProjectID string
	Entity    string // e.g. "plot_hole"
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("storage: %s (project=%s, entity=%s): %v", e.Op, e.ProjectID, e.Entity, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// HoleType classifies a detected plot hole.
type HoleType string

const (
	HoleUnresolvedSetup        HoleType = "unresolved-setup"
	HoleContradiction          HoleType = "contradiction"
	HolePacingGap              HoleType = "pacing-gap"
	HoleTimelineInconsistency  HoleType = "timeline-inconsistency"
	HoleCharacterInconsistency HoleType = "character-inconsistency"
)

// Severity ranks how badly a plot hole breaks the story.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for sorting; critical sorts first.
func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// ValidSeverity reports whether s is one of the fixed severity values.
func ValidSeverity(s Severity) bool {
	return severityRank(s) < 4
}

// SuggestionType classifies a plot suggestion.
type SuggestionType string

const (
	SuggestionNewScene      SuggestionType = "new-scene"
	SuggestionTwist         SuggestionType = "twist"
	SuggestionSubplot       SuggestionType = "subplot"
	SuggestionForeshadowing SuggestionType = "foreshadowing"
	SuggestionCharacterArc  SuggestionType = "character-arc"
)

// Act is an ordered sub-unit of a PlotStructure.
type Act struct {
	Number       int      `json:"number"`
	Name         string   `json:"name"`
	PlotPoints   []string `json:"plot_points"`
	ChapterStart int      `json:"chapter_start,omitempty"`
	ChapterEnd   int      `json:"chapter_end,omitempty"`
}

// PlotStructure is a candidate act breakdown for a project's manuscript.
// A project may hold several; listings surface the most recent first.
type PlotStructure struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Title      string    `json:"title"`
	Acts       []Act     `json:"acts"`
	Climax     string    `json:"climax"`
	Resolution string    `json:"resolution"`
	CreatedAt  time.Time `json:"created_at"`
}

// PlotHole is a detected structural or logical inconsistency. Holes are
// written in batches that wholly replace the previous batch for the project.
type PlotHole struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"project_id"`
	Type               HoleType  `json:"type"`
	Severity           Severity  `json:"severity"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	AffectedChapters   []string  `json:"affected_chapters"`
	AffectedCharacters []string  `json:"affected_characters"`
	Confidence         float64   `json:"confidence"`
	DetectedAt         time.Time `json:"detected_at"`
}

// CharacterNode is a character vertex in a project's character graph.
type CharacterNode struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Role       string  `json:"role,omitempty"`
	Importance float64 `json:"importance,omitempty"`
}

// Relationship is a directed edge between two character nodes.
type Relationship struct {
	SourceID    string  `json:"source_id"`
	TargetID    string  `json:"target_id"`
	Type        string  `json:"type"`
	Strength    float64 `json:"strength"`
	Description string  `json:"description,omitempty"`
}

// CharacterGraph holds the nodes and relationship edges for one project.
// Exactly one graph per project; re-analysis replaces it wholesale.
type CharacterGraph struct {
	ProjectID string          `json:"project_id"`
	Nodes     []CharacterNode `json:"nodes"`
	Edges     []Relationship  `json:"edges"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PlotSuggestion is a generated proposal for a new scene, twist, or subplot.
type PlotSuggestion struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	Type              SuggestionType `json:"type"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	Placement         string         `json:"placement,omitempty"`
	Impact            string         `json:"impact,omitempty"`
	RelatedCharacters []string       `json:"related_characters,omitempty"`
	Prerequisites     []string       `json:"prerequisites,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// AnalysisResult is a cached analysis payload with logical expiry.
// Reads never return expired rows; only CleanupExpiredAnalysis deletes them.
type AnalysisResult struct {
	ProjectID    string    `json:"project_id"`
	AnalysisType string    `json:"analysis_type"`
	PayloadJSON  string    `json:"payload"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Job is a queued background task (entity indexing).
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
