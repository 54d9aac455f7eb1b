package graph

import (
	"testing"

	"github.com/kalambet/plotweave/internal/storage"
)

func findEdge(g storage.CharacterGraph, source, target string) *storage.Relationship {
	for i, e := range g.Edges {
		if (e.SourceID == source && e.TargetID == target) || (e.SourceID == target && e.TargetID == source) {
			return &g.Edges[i]
		}
	}
	return nil
}

func TestBuildNodesFromRecords(t *testing.T) {
	g := Build("proj-1", []CharacterRecord{
		{ID: "c-1", Name: "Mira", Role: "protagonist"},
		{ID: "c-2", Name: "Teo", Role: "ally"},
		{ID: "c-1", Name: "Mira the Mapmaker"}, // duplicate identity, must not double
	}, nil)

	if g.ProjectID != "proj-1" {
		t.Errorf("project id = %q", g.ProjectID)
	}
	if len(g.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2 (deduped by record id)", len(g.Nodes))
	}
	if g.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt set")
	}
}

func TestBuildExplicitEdges(t *testing.T) {
	g := Build("proj-1", []CharacterRecord{
		{ID: "c-1", Name: "Mira", Relationships: []RelationshipRecord{
			{TargetID: "c-2", Type: "sibling", Description: "younger brother"},
		}},
		{ID: "c-2", Name: "Teo"},
	}, nil)

	if len(g.Edges) != 1 {
		t.Fatalf("got %d edges, want 1", len(g.Edges))
	}
	e := g.Edges[0]
	if e.Type != "sibling" || e.SourceID != "c-1" || e.TargetID != "c-2" {
		t.Errorf("unexpected edge: %+v", e)
	}
	if e.Strength != 1.0 {
		t.Errorf("explicit edge strength = %f, want 1.0", e.Strength)
	}
}

func TestBuildFiltersDanglingEdges(t *testing.T) {
	g := Build("proj-1", []CharacterRecord{
		{ID: "c-1", Name: "Mira", Relationships: []RelationshipRecord{
			{TargetID: "c-gone", Type: "mentor"},
		}},
	}, nil)

	if len(g.Edges) != 0 {
		t.Errorf("dangling edge survived: %+v", g.Edges)
	}

	// The invariant the rest of the system relies on: every edge endpoint
	// is in the node set.
	nodes := make(map[string]bool)
	for _, n := range g.Nodes {
		nodes[n.ID] = true
	}
	for _, e := range g.Edges {
		if !nodes[e.SourceID] || !nodes[e.TargetID] {
			t.Errorf("edge %+v references missing node", e)
		}
	}
}

func TestBuildCoOccurrenceEdges(t *testing.T) {
	chapters := []Chapter{
		{ID: "ch-1", Number: 1, Text: "Mira and Teo crossed the ford together."},
		{ID: "ch-2", Number: 2, Text: "Teo argued with Mira about the map."},
		{ID: "ch-3", Number: 3, Text: "The Warden watched from the tower."},
	}
	g := Build("proj-1", []CharacterRecord{
		{ID: "c-1", Name: "Mira"},
		{ID: "c-2", Name: "Teo"},
		{ID: "c-3", Name: "Warden"},
	}, chapters)

	e := findEdge(g, "c-1", "c-2")
	if e == nil {
		t.Fatalf("no co-occurrence edge between Mira and Teo: %+v", g.Edges)
	}
	if e.Type != coOccurrenceType {
		t.Errorf("type = %q", e.Type)
	}
	// Two shared chapters out of the /5 scale.
	if e.Strength != 0.4 {
		t.Errorf("strength = %f, want 0.4", e.Strength)
	}

	if e := findEdge(g, "c-1", "c-3"); e != nil {
		t.Errorf("unexpected edge to the Warden, who never shares a chapter: %+v", e)
	}
}

func TestBuildMatchesAliases(t *testing.T) {
	chapters := []Chapter{
		{ID: "ch-1", Number: 1, Text: "The Mapmaker nodded to Teo and moved on."},
	}
	g := Build("proj-1", []CharacterRecord{
		{ID: "c-1", Name: "Mira", Aliases: []string{"the Mapmaker"}},
		{ID: "c-2", Name: "Teo"},
	}, chapters)

	if e := findEdge(g, "c-1", "c-2"); e == nil {
		t.Errorf("alias mention did not produce an edge: %+v", g.Edges)
	}
}

func TestBuildExplicitEdgeSuppressesCoOccurrence(t *testing.T) {
	chapters := []Chapter{
		{ID: "ch-1", Number: 1, Text: "Mira and Teo met at the ford."},
	}
	g := Build("proj-1", []CharacterRecord{
		{ID: "c-1", Name: "Mira", Relationships: []RelationshipRecord{{TargetID: "c-2", Type: "sibling"}}},
		{ID: "c-2", Name: "Teo"},
	}, chapters)

	if len(g.Edges) != 1 {
		t.Fatalf("got %d edges, want 1 (explicit edge should suppress the co-occurrence duplicate)", len(g.Edges))
	}
	if g.Edges[0].Type != "sibling" {
		t.Errorf("kept %q, want the explicit sibling edge", g.Edges[0].Type)
	}
}

func TestBuildImportanceFromDegree(t *testing.T) {
	chapters := []Chapter{
		{ID: "ch-1", Number: 1, Text: "Mira set out at dawn with Teo."},
		{ID: "ch-2", Number: 2, Text: "Mira spoke with the Warden."},
	}
	g := Build("proj-1", []CharacterRecord{
		{ID: "c-1", Name: "Mira"},
		{ID: "c-2", Name: "Teo"},
		{ID: "c-3", Name: "Warden"},
	}, chapters)

	importance := make(map[string]float64)
	for _, n := range g.Nodes {
		importance[n.Name] = n.Importance
	}
	if importance["Mira"] != 1.0 {
		t.Errorf("Mira importance = %f, want 1.0 (highest degree)", importance["Mira"])
	}
	if importance["Warden"] >= importance["Mira"] {
		t.Errorf("Warden importance %f should be below Mira's %f", importance["Warden"], importance["Mira"])
	}
}

func TestBuildEmptyInput(t *testing.T) {
	g := Build("proj-1", nil, nil)
	if len(g.Nodes) != 0 || len(g.Edges) != 0 {
		t.Errorf("expected empty graph, got %+v", g)
	}
}
