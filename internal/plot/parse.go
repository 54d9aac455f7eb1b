package plot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kalambet/plotweave/internal/storage"
)

// extractJSON pulls a JSON value out of a model response. Models routinely
// wrap JSON in markdown code fences or prepend conversational filler, so:
//  1. Strip markdown code fences if present (```json ... ```)
//  2. Find the outermost { } or [ ] pair
//  3. Return that substring for unmarshaling
func extractJSON(resp string) (string, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	objStart := strings.Index(s, "{")
	arrStart := strings.Index(s, "[")
	start := objStart
	endByte := "}"
	if start == -1 || (arrStart != -1 && arrStart < objStart) {
		start = arrStart
		endByte = "]"
	}
	if start == -1 {
		return "", fmt.Errorf("no JSON value in response")
	}
	end := strings.LastIndex(s, endByte)
	if end <= start {
		return "", fmt.Errorf("unterminated JSON value in response")
	}
	return s[start : end+1], nil
}

type actPayload struct {
	Number       int      `json:"number"`
	Name         string   `json:"name"`
	PlotPoints   []string `json:"plot_points"`
	ChapterStart int      `json:"chapter_start"`
	ChapterEnd   int      `json:"chapter_end"`
}

type structurePayload struct {
	Title      string       `json:"title"`
	Acts       []actPayload `json:"acts"`
	Climax     string       `json:"climax"`
	Resolution string       `json:"resolution"`
}

// parseStructure converts a model response into a PlotStructure. A structure
// with no acts, or any act with no plot points, is a parse failure; the
// caller falls back to a template instead.
func parseStructure(resp, projectID string) (storage.PlotStructure, error) {
	raw, err := extractJSON(resp)
	if err != nil {
		return storage.PlotStructure{}, err
	}

	var payload structurePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return storage.PlotStructure{}, fmt.Errorf("unmarshaling structure: %w", err)
	}
	if len(payload.Acts) == 0 {
		return storage.PlotStructure{}, fmt.Errorf("structure has no acts")
	}

	acts := make([]storage.Act, len(payload.Acts))
	for i, a := range payload.Acts {
		if len(a.PlotPoints) == 0 {
			return storage.PlotStructure{}, fmt.Errorf("act %d has no plot points", a.Number)
		}
		acts[i] = storage.Act{
			Number:       a.Number,
			Name:         a.Name,
			PlotPoints:   a.PlotPoints,
			ChapterStart: a.ChapterStart,
			ChapterEnd:   a.ChapterEnd,
		}
	}

	return storage.PlotStructure{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Title:      payload.Title,
		Acts:       acts,
		Climax:     payload.Climax,
		Resolution: payload.Resolution,
	}, nil
}

type holePayload struct {
	Type               string   `json:"type"`
	Severity           string   `json:"severity"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AffectedChapters   []string `json:"affected_chapters"`
	AffectedCharacters []string `json:"affected_characters"`
	Confidence         float64  `json:"confidence"`
}

// parseHoles converts a model response into PlotHoles. Entries with an
// unknown type are skipped rather than failing the batch; the detector
// validates and clamps the rest.
func parseHoles(resp string) ([]storage.PlotHole, error) {
	raw, err := extractJSON(resp)
	if err != nil {
		return nil, err
	}

	var payload []holePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling holes: %w", err)
	}

	known := map[storage.HoleType]bool{
		storage.HoleUnresolvedSetup:        true,
		storage.HoleContradiction:          true,
		storage.HolePacingGap:              true,
		storage.HoleTimelineInconsistency:  true,
		storage.HoleCharacterInconsistency: true,
	}

	holes := make([]storage.PlotHole, 0, len(payload))
	for _, p := range payload {
		typ := storage.HoleType(p.Type)
		if !known[typ] {
			continue
		}
		holes = append(holes, storage.PlotHole{
			Type:               typ,
			Severity:           storage.Severity(p.Severity),
			Title:              p.Title,
			Description:        p.Description,
			AffectedChapters:   p.AffectedChapters,
			AffectedCharacters: p.AffectedCharacters,
			Confidence:         p.Confidence,
		})
	}
	return holes, nil
}

type suggestionPayload struct {
	Type              string   `json:"type"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Placement         string   `json:"placement"`
	Impact            string   `json:"impact"`
	RelatedCharacters []string `json:"related_characters"`
	Prerequisites     []string `json:"prerequisites"`
}

// parseSuggestions converts a model response into PlotSuggestions. An empty
// parsed batch counts as a parse failure so the template fallback kicks in.
func parseSuggestions(resp, projectID string) ([]storage.PlotSuggestion, error) {
	raw, err := extractJSON(resp)
	if err != nil {
		return nil, err
	}

	var payload []suggestionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling suggestions: %w", err)
	}

	known := map[storage.SuggestionType]bool{
		storage.SuggestionNewScene:      true,
		storage.SuggestionTwist:         true,
		storage.SuggestionSubplot:       true,
		storage.SuggestionForeshadowing: true,
		storage.SuggestionCharacterArc:  true,
	}

	suggestions := make([]storage.PlotSuggestion, 0, len(payload))
	for _, p := range payload {
		typ := storage.SuggestionType(p.Type)
		if !known[typ] {
			continue
		}
		suggestions = append(suggestions, storage.PlotSuggestion{
			ID:                uuid.NewString(),
			ProjectID:         projectID,
			Type:              typ,
			Title:             p.Title,
			Description:       p.Description,
			Placement:         p.Placement,
			Impact:            p.Impact,
			RelatedCharacters: p.RelatedCharacters,
			Prerequisites:     p.Prerequisites,
		})
	}
	if len(suggestions) == 0 {
		return nil, fmt.Errorf("no usable suggestions in response")
	}
	return suggestions, nil
}
