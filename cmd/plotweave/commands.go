package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/plotweave/internal/config"
	"github.com/kalambet/plotweave/internal/ingest"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <project-id>",
	Short: "Run full plot analysis on a manuscript",
	Long: `Run full plot analysis on a manuscript.

Splits the manuscript into chapters, sends them to the server, and prints
the detected plot holes, character graph summary, and suggestions.

Examples:
  plotweave analyze my-novel --file draft.md
  plotweave analyze my-novel --file draft.pdf --characters cast.json --refresh`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID := args[0]
		file, _ := cmd.Flags().GetString("file")
		charactersPath, _ := cmd.Flags().GetString("characters")
		refresh, _ := cmd.Flags().GetBool("refresh")

		if file == "" {
			return fmt.Errorf("--file is required")
		}

		chapters, err := chaptersFromFile(file)
		if err != nil {
			return err
		}

		req := map[string]any{
			"chapters": chapterPayloads(chapters),
		}
		if charactersPath != "" {
			data, err := os.ReadFile(charactersPath)
			if err != nil {
				return fmt.Errorf("reading characters file: %w", err)
			}
			var characters []map[string]any
			if err := json.Unmarshal(data, &characters); err != nil {
				return fmt.Errorf("invalid characters JSON: %w", err)
			}
			req["characters"] = characters
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/projects/" + url.PathEscape(projectID) + "/analysis"
		if refresh {
			path += "?refresh=1"
		}

		printStep("Analyzing %d chapters...", len(chapters))
		resp, err := client.post(cmd.Context(), path, req)
		if err != nil {
			return err
		}

		var result struct {
			Structure *struct {
				Title string `json:"title"`
			} `json:"structure"`
			Holes []holeView `json:"holes"`
			Graph struct {
				Nodes []json.RawMessage `json:"nodes"`
				Edges []json.RawMessage `json:"edges"`
			} `json:"graph"`
			Suggestions []suggestionView `json:"suggestions"`
			State       string           `json:"state"`
			FromCache   bool             `json:"from_cache"`
			Persisted   bool             `json:"persisted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.FromCache {
			printStep("Served from cache (use --refresh to re-run)")
		}
		printStatus("State", "%s", result.State)
		if result.Structure != nil {
			printStatus("Structure", "%s", result.Structure.Title)
		}
		printStatus("Characters", "%d nodes, %d relationships", len(result.Graph.Nodes), len(result.Graph.Edges))

		if len(result.Holes) == 0 {
			printSuccess("No plot holes detected")
		} else {
			printWarning("%d plot hole(s) detected", len(result.Holes))
			printHoles(result.Holes)
		}

		if len(result.Suggestions) > 0 {
			fmt.Println()
			printStep("%d suggestion(s):", len(result.Suggestions))
			printSuggestions(result.Suggestions)
		}

		if !result.Persisted {
			printWarning("results were not persisted; check server logs")
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().String("file", "", "manuscript file (.txt, .md, .html, or .pdf)")
	analyzeCmd.Flags().String("characters", "", "JSON file with the character roster")
	analyzeCmd.Flags().Bool("refresh", false, "bypass the analysis cache")
}

// --- structure ---

var structureCmd = &cobra.Command{
	Use:   "structure <project-id>",
	Short: "Generate a plot structure from a premise",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID := args[0]
		premise, _ := cmd.Flags().GetString("premise")
		genre, _ := cmd.Flags().GetString("genre")
		acts, _ := cmd.Flags().GetInt("acts")

		if strings.TrimSpace(premise) == "" {
			return fmt.Errorf("--premise is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"premise": premise}
		if genre != "" {
			req["genre"] = genre
		}
		if acts > 0 {
			req["act_count"] = acts
		}

		resp, err := client.post(cmd.Context(), "/projects/"+url.PathEscape(projectID)+"/structure", req)
		if err != nil {
			return err
		}

		var result struct {
			Structure struct {
				Title string `json:"title"`
				Acts  []struct {
					Number     int      `json:"number"`
					Name       string   `json:"name"`
					PlotPoints []string `json:"plot_points"`
				} `json:"acts"`
				Climax     string `json:"climax"`
				Resolution string `json:"resolution"`
			} `json:"structure"`
			State     string `json:"state"`
			Persisted bool   `json:"persisted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.State == "fallback" {
			printWarning("generation degraded; returned a template structure")
		}

		fmt.Printf("%s\n\n", colorize(colorBold, result.Structure.Title))
		for _, act := range result.Structure.Acts {
			fmt.Printf("%s\n", colorize(colorCyan, fmt.Sprintf("Act %d: %s", act.Number, act.Name)))
			for _, p := range act.PlotPoints {
				fmt.Printf("  - %s\n", p)
			}
		}
		if result.Structure.Climax != "" {
			fmt.Printf("\n%s %s\n", colorize(colorBold, "Climax:"), result.Structure.Climax)
		}
		if result.Structure.Resolution != "" {
			fmt.Printf("%s %s\n", colorize(colorBold, "Resolution:"), result.Structure.Resolution)
		}
		return nil
	},
}

func init() {
	structureCmd.Flags().String("premise", "", "one-paragraph story premise")
	structureCmd.Flags().String("genre", "", "story genre")
	structureCmd.Flags().Int("acts", 0, "number of acts (default: let the model decide)")
}

// --- holes ---

type holeView struct {
	Type             string   `json:"type"`
	Severity         string   `json:"severity"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	AffectedChapters []string `json:"affected_chapters"`
	Confidence       float64  `json:"confidence"`
}

var holesCmd = &cobra.Command{
	Use:   "holes <project-id>",
	Short: "List detected plot holes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/holes")
		if err != nil {
			return err
		}

		var holes []holeView
		if err := decodeJSON(resp, &holes); err != nil {
			return err
		}

		if len(holes) == 0 {
			fmt.Println("No plot holes on record. Run analyze first.")
			return nil
		}
		printHoles(holes)
		return nil
	},
}

func printHoles(holes []holeView) {
	for _, h := range holes {
		sev := colorize(severityColor(h.Severity), strings.ToUpper(h.Severity))
		fmt.Printf("\n[%s] %s (%s, confidence %.2f)\n", sev, colorize(colorBold, h.Title), h.Type, h.Confidence)
		fmt.Printf("  %s\n", h.Description)
		if len(h.AffectedChapters) > 0 {
			fmt.Printf("  Chapters: %s\n", strings.Join(h.AffectedChapters, ", "))
		}
	}
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return colorRed
	case "high":
		return colorYellow
	default:
		return colorCyan
	}
}

// --- graph ---

var graphCmd = &cobra.Command{
	Use:   "graph <project-id>",
	Short: "Show the character relationship graph as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/graph")
		if err != nil {
			return err
		}

		var graph any
		if err := decodeJSON(resp, &graph); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(graph)
	},
}

// --- suggestions ---

type suggestionView struct {
	Type              string   `json:"type"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Placement         string   `json:"placement"`
	RelatedCharacters []string `json:"related_characters"`
}

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions <project-id>",
	Short: "List plot development suggestions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/suggestions")
		if err != nil {
			return err
		}

		var suggestions []suggestionView
		if err := decodeJSON(resp, &suggestions); err != nil {
			return err
		}

		if len(suggestions) == 0 {
			fmt.Println("No suggestions on record. Run analyze first.")
			return nil
		}
		printSuggestions(suggestions)
		return nil
	},
}

func printSuggestions(suggestions []suggestionView) {
	for _, s := range suggestions {
		fmt.Printf("\n%s (%s)\n", colorize(colorBold, s.Title), s.Type)
		fmt.Printf("  %s\n", s.Description)
		if s.Placement != "" {
			fmt.Printf("  Placement: %s\n", s.Placement)
		}
		if len(s.RelatedCharacters) > 0 {
			fmt.Printf("  Characters: %s\n", strings.Join(s.RelatedCharacters, ", "))
		}
	}
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <project-id>",
	Short: "Index project content for context retrieval",
	Long: `Index project content for context retrieval.

Manuscript files are split into chapters and each chapter is queued for
embedding. Freeform text and fetched pages are indexed as single entities.

Examples:
  plotweave ingest my-novel --file draft.md
  plotweave ingest my-novel --url https://example.com/worldbuilding-notes --type worldbuilding
  plotweave ingest my-novel --text "The city floats above the canyon" --id world-city --type worldbuilding`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID := args[0]
		file, _ := cmd.Flags().GetString("file")
		text, _ := cmd.Flags().GetString("text")
		pageURL, _ := cmd.Flags().GetString("url")
		id, _ := cmd.Flags().GetString("id")
		sourceType, _ := cmd.Flags().GetString("type")

		if file == "" && text == "" && pageURL == "" {
			return fmt.Errorf("one of --file, --url, or --text is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if pageURL != "" {
			fetched, err := textFromURL(cmd.Context(), pageURL)
			if err != nil {
				return err
			}
			if id == "" {
				id = pageURL
			}
			if sourceType == "" {
				sourceType = "worldbuilding"
			}
			if err := indexEntity(cmd.Context(), client, projectID, id, sourceType, fetched); err != nil {
				return err
			}
			printSuccess("Queued %s", id)
			return nil
		}

		if text != "" {
			if id == "" {
				return fmt.Errorf("--id is required with --text")
			}
			if sourceType == "" {
				sourceType = "metadata"
			}
			if err := indexEntity(cmd.Context(), client, projectID, id, sourceType, text); err != nil {
				return err
			}
			printSuccess("Queued %s", id)
			return nil
		}

		chapters, err := chaptersFromFile(file)
		if err != nil {
			return err
		}

		queued, failed := indexChapters(cmd.Context(), client, projectID, chapters)
		if failed > 0 {
			printWarning("Queued %d chapter(s), %d failed", queued, failed)
			return fmt.Errorf("%d chapter(s) failed to queue", failed)
		}
		printSuccess("Queued %d chapter(s)", queued)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("file", "", "manuscript file (.txt, .md, .html, or .pdf)")
	ingestCmd.Flags().String("url", "", "URL to fetch and index")
	ingestCmd.Flags().String("text", "", "freeform text to index")
	ingestCmd.Flags().String("id", "", "entity id (required with --text, defaults to the URL with --url)")
	ingestCmd.Flags().String("type", "", "entity type: chapter, character, worldbuilding, or metadata")
}

// textFromURL fetches a page and extracts its visible text.
func textFromURL(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("building fetch request: %w", err)
	}

	fetchClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := fetchClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}

	text, err := ingest.ExtractHTMLText(resp.Body)
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", pageURL, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no text content at %s", pageURL)
	}
	return text, nil
}

// chaptersFromFile reads a manuscript and splits it into chapters. PDF and
// HTML files are converted to plain text first.
func chaptersFromFile(path string) ([]ingest.ManuscriptChapter, error) {
	var text string

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening manuscript: %w", err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		text, err = ingest.ReadPDF(f, info.Size())
		if err != nil {
			return nil, fmt.Errorf("reading PDF: %w", err)
		}
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening manuscript: %w", err)
		}
		defer f.Close()
		var extractErr error
		text, extractErr = ingest.ExtractHTMLText(f)
		if extractErr != nil {
			return nil, fmt.Errorf("extracting HTML text: %w", extractErr)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading manuscript: %w", err)
		}
		text = string(data)
	}

	chapters := ingest.SplitManuscript(text)
	if len(chapters) == 0 {
		return nil, fmt.Errorf("no content found in %s", path)
	}
	return chapters, nil
}

func chapterPayloads(chapters []ingest.ManuscriptChapter) []map[string]any {
	out := make([]map[string]any, len(chapters))
	for i, c := range chapters {
		out[i] = map[string]any{
			"id":     fmt.Sprintf("ch-%d", c.Number),
			"number": c.Number,
			"title":  c.Title,
			"text":   c.Text,
		}
	}
	return out
}

func indexEntity(ctx context.Context, client *apiClient, projectID, sourceID, sourceType, text string) error {
	req := map[string]any{
		"source_id":   sourceID,
		"source_type": sourceType,
		"text":        text,
	}
	resp, err := client.post(ctx, "/projects/"+url.PathEscape(projectID)+"/entities", req)
	if err != nil {
		return err
	}
	var result map[string]string
	return decodeJSON(resp, &result)
}

// indexChapters queues each chapter for embedding. Failures are reported
// but do not stop the remaining chapters.
func indexChapters(ctx context.Context, client *apiClient, projectID string, chapters []ingest.ManuscriptChapter) (queued, failed int) {
	for _, c := range chapters {
		sourceID := fmt.Sprintf("ch-%d", c.Number)
		text := c.Text
		if c.Title != "" {
			text = c.Title + "\n\n" + text
		}
		if err := indexEntity(ctx, client, projectID, sourceID, "chapter", text); err != nil {
			printError("Failed to queue %s: %v", sourceID, err)
			failed++
			continue
		}
		queued++
	}
	return queued, failed
}

// --- project ---

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage project data",
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete all stored data for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL data for project %s. Use --confirm to proceed.", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/projects/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted project %s", args[0])
		return nil
	},
}

func init() {
	projectDeleteCmd.Flags().Bool("confirm", false, "confirm project deletion")
	projectCmd.AddCommand(projectDeleteCmd)
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired analysis cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/admin/cleanup", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d expired cache entr(ies)", result["removed"])
		return nil
	},
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push project snapshots to the configured remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/admin/sync", nil)
		if err != nil {
			return err
		}

		var result struct {
			Synced     int  `json:"synced"`
			Configured bool `json:"configured"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Configured {
			printWarning("No sync remote configured; nothing pushed")
			return nil
		}
		printSuccess("Synced %d project(s)", result.Synced)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret in the platform secret store",
	Long: fmt.Sprintf(`Store a secret in the platform secret store.

Valid secret keys: %s`, strings.Join(config.SecretKeys(), ", ")),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetSecret(key, value); err != nil {
			return err
		}

		printSuccess("Stored secret %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
