// Package detect finds structural problems in a manuscript: setups that
// never pay off, contradictory statements, timeline jumps that go backwards,
// pacing outliers, and characters whose relationships do not match the text.
// Heuristic findings are merged with an optional AI-produced analysis; the
// heuristics alone must produce useful output when generation is down.
package detect

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/plotweave/internal/storage"
)

// Chapter is a manuscript chapter snapshot handed in by the caller. The
// detector never loads chapters itself.
type Chapter struct {
	ID     string
	Number int
	Title  string
	Text   string
}

// Input bundles everything a detection run looks at.
type Input struct {
	Chapters []Chapter
	Graph    storage.CharacterGraph
	// AIHoles holds model-suggested holes already parsed upstream. They go
	// through the same reference validation and dedupe as heuristic findings.
	AIHoles []storage.PlotHole
}

// specificity orders hole types so overlapping detections resolve
// deterministically; a lower value wins.
var specificity = map[storage.HoleType]int{
	storage.HoleCharacterInconsistency: 0,
	storage.HoleTimelineInconsistency:  1,
	storage.HoleUnresolvedSetup:        2,
	storage.HolePacingGap:              3,
	storage.HoleContradiction:          4,
}

// Detect runs all heuristics over the input, merges in the AI findings,
// validates references, and returns a deduplicated hole list ready for
// replace-all persistence.
func Detect(projectID string, in Input) []storage.PlotHole {
	var holes []storage.PlotHole
	holes = append(holes, detectUnresolvedSetups(in.Chapters)...)
	holes = append(holes, detectTimelineInconsistencies(in.Chapters)...)
	holes = append(holes, detectPacingGaps(in.Chapters)...)
	holes = append(holes, detectContradictions(in.Chapters)...)
	holes = append(holes, detectCharacterInconsistencies(in.Chapters, in.Graph)...)
	holes = append(holes, in.AIHoles...)

	holes = validateReferences(holes, in)
	holes = dedupe(holes)

	now := time.Now().UTC()
	for i := range holes {
		if holes[i].ID == "" {
			holes[i].ID = uuid.NewString()
		}
		holes[i].ProjectID = projectID
		holes[i].Confidence = clamp01(holes[i].Confidence)
		if !storage.ValidSeverity(holes[i].Severity) {
			holes[i].Severity = storage.SeverityMedium
		}
		if holes[i].DetectedAt.IsZero() {
			holes[i].DetectedAt = now
		}
	}
	return holes
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// validateReferences drops holes that point at chapters or characters
// missing from the current snapshot. Dangling references are worse than a
// dropped finding.
func validateReferences(holes []storage.PlotHole, in Input) []storage.PlotHole {
	chapterIDs := make(map[string]bool, len(in.Chapters))
	for _, ch := range in.Chapters {
		chapterIDs[ch.ID] = true
	}
	characterNames := make(map[string]bool, len(in.Graph.Nodes))
	for _, n := range in.Graph.Nodes {
		characterNames[strings.ToLower(n.Name)] = true
		characterNames[n.ID] = true
	}

	kept := holes[:0]
	for _, h := range holes {
		valid := true
		for _, ref := range h.AffectedChapters {
			if !chapterIDs[ref] {
				valid = false
				break
			}
		}
		if valid {
			for _, ref := range h.AffectedCharacters {
				if !characterNames[strings.ToLower(ref)] && !characterNames[ref] {
					valid = false
					break
				}
			}
		}
		if valid {
			kept = append(kept, h)
		}
	}
	return kept
}

// dedupe collapses holes sharing an affected set. Same type: the higher
// confidence survives. Different types over the same set: the more specific
// type wins.
func dedupe(holes []storage.PlotHole) []storage.PlotHole {
	byAffected := make(map[string]storage.PlotHole)
	var order []string

	for _, h := range holes {
		key := affectedKey(h)
		prev, seen := byAffected[key]
		if !seen {
			byAffected[key] = h
			order = append(order, key)
			continue
		}
		if specificity[h.Type] < specificity[prev.Type] ||
			(h.Type == prev.Type && h.Confidence > prev.Confidence) {
			byAffected[key] = h
		}
	}

	result := make([]storage.PlotHole, 0, len(byAffected))
	for _, key := range order {
		result = append(result, byAffected[key])
	}
	return result
}

func affectedKey(h storage.PlotHole) string {
	chapters := append([]string(nil), h.AffectedChapters...)
	characters := append([]string(nil), h.AffectedCharacters...)
	sort.Strings(chapters)
	sort.Strings(characters)
	return fmt.Sprintf("ch:%s|cr:%s", strings.Join(chapters, ","), strings.Join(characters, ","))
}
