package plot

import (
	"strings"

	"github.com/kalambet/plotweave/internal/generation"
)

// genreComplexity weights genres by how much structural machinery they
// typically demand. Unlisted genres score in the middle.
var genreComplexity = map[string]int{
	"epic-fantasy":    3,
	"fantasy":         2,
	"science-fiction": 3,
	"sci-fi":          3,
	"historical":      2,
	"mystery":         2,
	"thriller":        2,
	"literary":        2,
	"contemporary":    1,
	"romance":         1,
	"slice-of-life":   1,
}

// SelectTier maps a structure request to a model tier. Pure function of the
// request: same inputs always choose the same tier, so it is testable
// without network access.
func SelectTier(req StructureRequest) generation.Tier {
	score := premiseScore(req.Premise) + actScore(req.ActCount) + genreScore(req.Genre)
	switch {
	case score <= 4:
		return generation.TierFast
	case score <= 6:
		return generation.TierStandard
	default:
		return generation.TierAdvanced
	}
}

func premiseScore(premise string) int {
	switch n := len(premise); {
	case n < 200:
		return 1
	case n < 800:
		return 2
	default:
		return 3
	}
}

func actScore(acts int) int {
	switch {
	case acts <= 3:
		return 1
	case acts <= 5:
		return 2
	default:
		return 3
	}
}

// ManuscriptTier picks a model tier for whole-manuscript passes (hole
// detection, suggestions) from the manuscript's size. Pure function of the
// chapters, like SelectTier.
func ManuscriptTier(chapters []ChapterInput) generation.Tier {
	total := 0
	for _, ch := range chapters {
		total += len(ch.Text)
	}
	switch {
	case len(chapters) <= 5 && total < 20000:
		return generation.TierFast
	case len(chapters) <= 20 && total < 150000:
		return generation.TierStandard
	default:
		return generation.TierAdvanced
	}
}

func genreScore(genre string) int {
	if w, ok := genreComplexity[strings.ToLower(strings.TrimSpace(genre))]; ok {
		return w
	}
	return 2
}
