package plot

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kalambet/plotweave/internal/storage"
)

// actNames labels template acts; beyond five acts they cycle with numbering.
var actNames = []string{"Setup", "Rising Action", "Climax Approach", "Falling Action", "Resolution"}

// templateStructure builds a serviceable three-act (or requested-count)
// structure without any model. It keeps the user moving when generation is
// down or unparseable.
func templateStructure(req StructureRequest) storage.PlotStructure {
	acts := req.ActCount
	if acts <= 0 {
		acts = 3
	}

	title := "Plot outline"
	if req.Genre != "" {
		title = fmt.Sprintf("Plot outline (%s)", req.Genre)
	}

	structure := storage.PlotStructure{
		ID:         uuid.NewString(),
		ProjectID:  req.ProjectID,
		Title:      title,
		Climax:     "The protagonist confronts the central conflict at its most dangerous point.",
		Resolution: "The consequences of the climax settle and the new status quo is established.",
	}

	chaptersPerAct := 4
	for i := 0; i < acts; i++ {
		name := actNames[i%len(actNames)]
		if acts > len(actNames) {
			name = fmt.Sprintf("%s %d", name, i/len(actNames)+1)
		}
		structure.Acts = append(structure.Acts, storage.Act{
			Number: i + 1,
			Name:   name,
			PlotPoints: []string{
				fmt.Sprintf("Introduce the central tension of act %d", i+1),
				fmt.Sprintf("Complicate the protagonist's goal in act %d", i+1),
				fmt.Sprintf("End act %d on a turn that forces the next act", i+1),
			},
			ChapterStart: i*chaptersPerAct + 1,
			ChapterEnd:   (i + 1) * chaptersPerAct,
		})
	}
	return structure
}

// templateSuggestions offers generic but actionable prompts when generation
// cannot produce project-specific ones.
func templateSuggestions(projectID string) []storage.PlotSuggestion {
	mk := func(typ storage.SuggestionType, title, description, placement, impact string) storage.PlotSuggestion {
		return storage.PlotSuggestion{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			Type:        typ,
			Title:       title,
			Description: description,
			Placement:   placement,
			Impact:      impact,
		}
	}
	return []storage.PlotSuggestion{
		mk(storage.SuggestionForeshadowing, "Plant the ending early",
			"Seed a small, easily missed detail in an early chapter that the climax depends on.",
			"act 1", "medium"),
		mk(storage.SuggestionTwist, "Invert a trusted relationship",
			"Reveal that an ally's motive was never what the protagonist assumed.",
			"act 2", "high"),
		mk(storage.SuggestionCharacterArc, "Give the antagonist a costly win",
			"Let the antagonist succeed at real cost to the protagonist midway through the story.",
			"act 2", "medium"),
	}
}
