// Package graph derives a project's character-relationship graph from
// character records and manuscript text. Explicit relationship records are
// authoritative; mention co-occurrence fills in the connections writers
// never wrote down.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"github.com/kalambet/plotweave/internal/storage"
)

// CharacterRecord is a character snapshot handed in by the caller.
// Aliases let one identity match several surface names in the text.
type CharacterRecord struct {
	ID            string
	Name          string
	Aliases       []string
	Role          string
	Relationships []RelationshipRecord
}

// RelationshipRecord is an explicit relationship the writer recorded.
type RelationshipRecord struct {
	TargetID    string
	Type        string
	Description string
}

// Chapter carries the text scanned for character mentions.
type Chapter struct {
	ID     string
	Number int
	Text   string
}

const coOccurrenceType = "interacts-with"

// Build assembles the graph: one node per character record (deduped by
// record ID), explicit edges first, then co-occurrence edges for pairs
// mentioned in the same chapters. Edges with endpoints outside the node set
// are filtered out before the graph ever reaches storage.
func Build(projectID string, characters []CharacterRecord, chapters []Chapter) storage.CharacterGraph {
	nodes := make([]storage.CharacterNode, 0, len(characters))
	records := make(map[string]CharacterRecord, len(characters))
	for _, c := range characters {
		if c.ID == "" {
			continue
		}
		if _, dup := records[c.ID]; dup {
			continue
		}
		records[c.ID] = c
		nodes = append(nodes, storage.CharacterNode{ID: c.ID, Name: c.Name, Role: c.Role})
	}

	edges := explicitEdges(records, characters)
	edges = append(edges, coOccurrenceEdges(records, characters, chapters, edges)...)
	edges = filterDangling(edges, records)

	assignImportance(nodes, edges)

	return storage.CharacterGraph{
		ProjectID: projectID,
		Nodes:     nodes,
		Edges:     edges,
		UpdatedAt: time.Now().UTC(),
	}
}

func explicitEdges(records map[string]CharacterRecord, characters []CharacterRecord) []storage.Relationship {
	var edges []storage.Relationship
	for _, c := range characters {
		if _, ok := records[c.ID]; !ok {
			continue
		}
		for _, rel := range c.Relationships {
			edges = append(edges, storage.Relationship{
				SourceID:    c.ID,
				TargetID:    rel.TargetID,
				Type:        rel.Type,
				Strength:    1.0,
				Description: rel.Description,
			})
		}
	}
	return edges
}

// coOccurrenceEdges scans each chapter for character mentions with an
// Aho-Corasick dictionary over names and aliases, then connects every pair
// mentioned in the same chapter. Strength grows with the number of shared
// chapters, capped at 1. Pairs already covered by an explicit edge are
// skipped.
func coOccurrenceEdges(records map[string]CharacterRecord, characters []CharacterRecord, chapters []Chapter, existing []storage.Relationship) []storage.Relationship {
	if len(chapters) == 0 || len(records) < 2 {
		return nil
	}

	var patterns []string
	var patternOwner []string
	for _, c := range characters {
		if _, ok := records[c.ID]; !ok {
			continue
		}
		for _, name := range append([]string{c.Name}, c.Aliases...) {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			patterns = append(patterns, strings.ToLower(name))
			patternOwner = append(patternOwner, c.ID)
		}
	}
	if len(patterns) == 0 {
		return nil
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  true,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	ac := builder.Build(patterns)

	covered := make(map[string]bool, len(existing))
	for _, e := range existing {
		covered[pairKey(e.SourceID, e.TargetID)] = true
	}

	shared := make(map[string]int)
	for _, ch := range chapters {
		mentioned := make(map[string]bool)
		for _, m := range ac.FindAll(strings.ToLower(ch.Text)) {
			mentioned[patternOwner[m.Pattern()]] = true
		}
		ids := make([]string, 0, len(mentioned))
		for id := range mentioned {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				key := pairKey(ids[i], ids[j])
				if !covered[key] {
					shared[key]++
				}
			}
		}
	}

	keys := make([]string, 0, len(shared))
	for key := range shared {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	edges := make([]storage.Relationship, 0, len(keys))
	for _, key := range keys {
		source, target, _ := strings.Cut(key, "|")
		count := shared[key]
		strength := float64(count) / 5.0
		if strength > 1.0 {
			strength = 1.0
		}
		edges = append(edges, storage.Relationship{
			SourceID:    source,
			TargetID:    target,
			Type:        coOccurrenceType,
			Strength:    strength,
			Description: fmt.Sprintf("appear together in %d chapter(s)", count),
		})
	}
	return edges
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func filterDangling(edges []storage.Relationship, records map[string]CharacterRecord) []storage.Relationship {
	kept := edges[:0]
	for _, e := range edges {
		if _, ok := records[e.SourceID]; !ok {
			continue
		}
		if _, ok := records[e.TargetID]; !ok {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// assignImportance scores each node by its degree relative to the busiest
// node in the graph.
func assignImportance(nodes []storage.CharacterNode, edges []storage.Relationship) {
	degree := make(map[string]int, len(nodes))
	maxDegree := 0
	for _, e := range edges {
		degree[e.SourceID]++
		degree[e.TargetID]++
		if degree[e.SourceID] > maxDegree {
			maxDegree = degree[e.SourceID]
		}
		if degree[e.TargetID] > maxDegree {
			maxDegree = degree[e.TargetID]
		}
	}
	if maxDegree == 0 {
		return
	}
	for i := range nodes {
		nodes[i].Importance = float64(degree[nodes[i].ID]) / float64(maxDegree)
	}
}
