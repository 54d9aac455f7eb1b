package plot

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// premiseQueryLimit caps how much of the premise feeds the context query;
// similarity search needs a topic, not the whole synopsis.
const premiseQueryLimit = 200

// truncate cuts s to at most limit bytes without splitting a UTF-8 rune,
// walking the cut back to the nearest rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// contextQuery builds the retrieval query for a structure request.
func contextQuery(req StructureRequest) string {
	premise := truncate(req.Premise, premiseQueryLimit)
	return strings.TrimSpace(req.Genre + " " + premise)
}

func writeContextBlock(b *strings.Builder, contextBlock string) {
	if contextBlock == "" {
		return
	}
	b.WriteString("Known story context:\n")
	b.WriteString(contextBlock)
	b.WriteString("\n\n")
}

func structurePrompt(req StructureRequest, contextBlock string) string {
	var b strings.Builder
	b.WriteString("You are a story-structure editor. Produce a plot structure as JSON only, no prose.\n\n")
	writeContextBlock(&b, contextBlock)
	fmt.Fprintf(&b, "Premise: %s\n", req.Premise)
	if req.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", req.Genre)
	}
	acts := req.ActCount
	if acts <= 0 {
		acts = 3
	}
	fmt.Fprintf(&b, "Number of acts: %d\n\n", acts)
	b.WriteString(`Respond with a JSON object:
{"title": string, "acts": [{"number": int, "name": string, "plot_points": [string], "chapter_start": int, "chapter_end": int}], "climax": string, "resolution": string}
Every act must contain at least one plot point.`)
	return b.String()
}

func holesPrompt(manuscript string, contextBlock string) string {
	var b strings.Builder
	b.WriteString("You are a developmental editor hunting for plot holes. Respond with JSON only.\n\n")
	writeContextBlock(&b, contextBlock)
	b.WriteString("Manuscript chapters:\n")
	b.WriteString(manuscript)
	b.WriteString("\n\n")
	b.WriteString(`Respond with a JSON array of issues:
[{"type": "unresolved-setup"|"contradiction"|"pacing-gap"|"timeline-inconsistency"|"character-inconsistency", "severity": "low"|"medium"|"high"|"critical", "title": string, "description": string, "affected_chapters": [string], "affected_characters": [string], "confidence": number}]
Use chapter ids and character names exactly as given. confidence is 0 to 1.`)
	return b.String()
}

func suggestionsPrompt(manuscript string, contextBlock string) string {
	var b strings.Builder
	b.WriteString("You are a story consultant proposing plot developments. Respond with JSON only.\n\n")
	writeContextBlock(&b, contextBlock)
	b.WriteString("Manuscript chapters:\n")
	b.WriteString(manuscript)
	b.WriteString("\n\n")
	b.WriteString(`Respond with a JSON array of suggestions:
[{"type": "new-scene"|"twist"|"subplot"|"foreshadowing"|"character-arc", "title": string, "description": string, "placement": string, "impact": string, "related_characters": [string], "prerequisites": [string]}]`)
	return b.String()
}

// manuscriptDigest renders chapters as a compact prompt block, truncating
// each chapter body so long manuscripts do not blow the prompt budget.
func manuscriptDigest(chapters []ChapterInput) string {
	const perChapter = 600
	var b strings.Builder
	for _, ch := range chapters {
		text := ch.Text
		if len(text) > perChapter {
			text = truncate(text, perChapter) + "..."
		}
		fmt.Fprintf(&b, "[%s] Chapter %d: %s\n%s\n\n", ch.ID, ch.Number, ch.Title, text)
	}
	return strings.TrimRight(b.String(), "\n")
}
