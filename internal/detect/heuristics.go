package detect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/plotweave/internal/storage"
)

// setupMarkers signal a narrative promise the reader expects paid off.
var setupMarkers = []string{
	"vowed to", "swore to", "promised to", "promised that",
	"one day", "someday", "would someday", "mysterious", "secret",
}

// payoffMarkers signal that an earlier promise is being resolved.
var payoffMarkers = []string{
	"revealed", "fulfilled", "kept the promise", "kept her promise",
	"kept his promise", "kept their promise", "finally", "at last",
	"turned out", "explained",
}

// detectUnresolvedSetups flags chapters that plant a setup marker with no
// payoff marker anywhere in the chapters that follow.
func detectUnresolvedSetups(chapters []Chapter) []storage.PlotHole {
	var holes []storage.PlotHole
	for i, ch := range chapters {
		text := strings.ToLower(ch.Text)
		marker := ""
		for _, m := range setupMarkers {
			if strings.Contains(text, m) {
				marker = m
				break
			}
		}
		if marker == "" {
			continue
		}

		resolved := false
		for _, later := range chapters[i+1:] {
			laterText := strings.ToLower(later.Text)
			for _, p := range payoffMarkers {
				if strings.Contains(laterText, p) {
					resolved = true
					break
				}
			}
			if resolved {
				break
			}
		}
		if resolved {
			continue
		}

		holes = append(holes, storage.PlotHole{
			Type:             storage.HoleUnresolvedSetup,
			Severity:         storage.SeverityMedium,
			Title:            fmt.Sprintf("Setup in %q never pays off", ch.Title),
			Description:      fmt.Sprintf("Chapter %d plants a setup (%q) with no later payoff.", ch.Number, marker),
			AffectedChapters: []string{ch.ID},
			Confidence:       0.6,
		})
	}
	return holes
}

// timeJump matches expressions like "three years later" or "2 days earlier".
var timeJump = regexp.MustCompile(`(?i)\b(\d+|one|two|three|four|five|six|seven|eight|nine|ten)\s+(day|week|month|year)s?\s+(later|earlier)\b`)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var unitDays = map[string]int{"day": 1, "week": 7, "month": 30, "year": 365}

// detectTimelineInconsistencies walks the chapters in order accumulating
// explicit time jumps. A chapter that drives the running timeline before the
// story's starting point is flagged.
func detectTimelineInconsistencies(chapters []Chapter) []storage.PlotHole {
	var holes []storage.PlotHole
	elapsed := 0
	for _, ch := range chapters {
		for _, m := range timeJump.FindAllStringSubmatch(ch.Text, -1) {
			n, ok := numberWords[strings.ToLower(m[1])]
			if !ok {
				n, _ = strconv.Atoi(m[1])
			}
			days := n * unitDays[strings.ToLower(m[2])]
			if strings.EqualFold(m[3], "earlier") {
				days = -days
			}
			elapsed += days
			if elapsed < 0 {
				holes = append(holes, storage.PlotHole{
					Type:             storage.HoleTimelineInconsistency,
					Severity:         storage.SeverityHigh,
					Title:            fmt.Sprintf("Timeline runs backwards in %q", ch.Title),
					Description:      fmt.Sprintf("The jump %q in chapter %d moves the story before its own beginning.", m[0], ch.Number),
					AffectedChapters: []string{ch.ID},
					Confidence:       0.7,
				})
				elapsed = 0
			}
		}
	}
	return holes
}

// detectPacingGaps flags chapters whose length is a strong outlier against
// the manuscript average.
func detectPacingGaps(chapters []Chapter) []storage.PlotHole {
	if len(chapters) < 3 {
		return nil
	}

	total := 0
	counts := make([]int, len(chapters))
	for i, ch := range chapters {
		counts[i] = len(strings.Fields(ch.Text))
		total += counts[i]
	}
	mean := float64(total) / float64(len(chapters))
	if mean == 0 {
		return nil
	}

	var holes []storage.PlotHole
	for i, ch := range chapters {
		ratio := float64(counts[i]) / mean
		if ratio >= 0.3 && ratio <= 3.0 {
			continue
		}
		desc := fmt.Sprintf("Chapter %d is %.0f%% of the average chapter length.", ch.Number, ratio*100)
		holes = append(holes, storage.PlotHole{
			Type:             storage.HolePacingGap,
			Severity:         storage.SeverityLow,
			Title:            fmt.Sprintf("Pacing outlier in %q", ch.Title),
			Description:      desc,
			AffectedChapters: []string{ch.ID},
			Confidence:       0.5,
		})
	}
	return holes
}

// claim matches absolute statements of habit: "always swims", "never lies".
var claim = regexp.MustCompile(`(?i)\b(always|never)\s+([a-z']+)`)

// detectContradictions flags a subject habit asserted both ways: one chapter
// says "always X", another says "never X".
func detectContradictions(chapters []Chapter) []storage.PlotHole {
	type assertion struct {
		chapter Chapter
		always  bool
	}
	byVerb := make(map[string][]assertion)
	for _, ch := range chapters {
		for _, m := range claim.FindAllStringSubmatch(ch.Text, -1) {
			verb := strings.ToLower(m[2])
			byVerb[verb] = append(byVerb[verb], assertion{chapter: ch, always: strings.EqualFold(m[1], "always")})
		}
	}

	var holes []storage.PlotHole
	seen := make(map[string]bool)
	for verb, asserts := range byVerb {
		var alwaysIn, neverIn *Chapter
		for i := range asserts {
			if asserts[i].always {
				alwaysIn = &asserts[i].chapter
			} else {
				neverIn = &asserts[i].chapter
			}
		}
		if alwaysIn == nil || neverIn == nil || alwaysIn.ID == neverIn.ID {
			continue
		}
		key := alwaysIn.ID + "|" + neverIn.ID
		if seen[key] {
			continue
		}
		seen[key] = true
		holes = append(holes, storage.PlotHole{
			Type:     storage.HoleContradiction,
			Severity: storage.SeverityMedium,
			Title:    fmt.Sprintf("Contradiction between %q and %q", alwaysIn.Title, neverIn.Title),
			Description: fmt.Sprintf("Chapter %d asserts \"always %s\" while chapter %d asserts \"never %s\".",
				alwaysIn.Number, verb, neverIn.Number, verb),
			AffectedChapters: []string{alwaysIn.ID, neverIn.ID},
			Confidence:       0.55,
		})
	}
	return holes
}

// detectCharacterInconsistencies flags graph characters who carry
// relationship edges but never appear in the manuscript text.
func detectCharacterInconsistencies(chapters []Chapter, g storage.CharacterGraph) []storage.PlotHole {
	if len(chapters) == 0 || len(g.Nodes) == 0 {
		return nil
	}

	var all strings.Builder
	for _, ch := range chapters {
		all.WriteString(strings.ToLower(ch.Text))
		all.WriteString("\n")
	}
	fullText := all.String()

	degree := make(map[string]int)
	for _, e := range g.Edges {
		degree[e.SourceID]++
		degree[e.TargetID]++
	}

	var holes []storage.PlotHole
	for _, n := range g.Nodes {
		if degree[n.ID] == 0 {
			continue
		}
		if n.Name != "" && strings.Contains(fullText, strings.ToLower(n.Name)) {
			continue
		}
		holes = append(holes, storage.PlotHole{
			Type:     storage.HoleCharacterInconsistency,
			Severity: storage.SeverityMedium,
			Title:    fmt.Sprintf("%s has relationships but no appearances", n.Name),
			Description: fmt.Sprintf("%s is connected to %d other character(s) in the relationship graph but is never mentioned in the manuscript.",
				n.Name, degree[n.ID]),
			AffectedCharacters: []string{n.Name},
			Confidence:         0.6,
		})
	}
	return holes
}
