package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/plotweave/internal/plot"
	"github.com/kalambet/plotweave/internal/storage"
)

// MCPAnalyzer is the slice of the plot service exposed over MCP.
type MCPAnalyzer interface {
	AnalyzeProject(ctx context.Context, projectID string, snap plot.ProjectSnapshot, refresh bool) (plot.Analysis, error)
	CreatePlotStructure(ctx context.Context, req plot.StructureRequest) plot.Result[storage.PlotStructure]
	SuggestPlots(ctx context.Context, projectID string, snap plot.ProjectSnapshot) plot.Result[[]storage.PlotSuggestion]
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Plot  MCPAnalyzer
}

// NewMCPServer creates an MCP server with all plotweave tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"plotweave",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("plotweave — plot analysis for novel manuscripts: structures, plot holes, character graphs, suggestions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("analyze_project",
			mcp.WithDescription("Run the full plot analysis for a project: character graph, plot holes, and suggestions. Cached results are reused unless refresh is set."),
			mcp.WithString("project_id", mcp.Description("Project identifier"), mcp.Required()),
			mcp.WithString("chapters", mcp.Description("JSON array of {id, number, title, text} chapter objects"), mcp.Required()),
			mcp.WithString("characters", mcp.Description("JSON array of {id, name, aliases, role, relationships} character objects")),
			mcp.WithBoolean("refresh", mcp.Description("Bypass the analysis cache")),
		),
		mcpAnalyzeProject(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_structure",
			mcp.WithDescription("Generate a plot structure (acts, plot points, climax, resolution) from a premise."),
			mcp.WithString("project_id", mcp.Description("Project identifier"), mcp.Required()),
			mcp.WithString("premise", mcp.Description("Story premise"), mcp.Required()),
			mcp.WithString("genre", mcp.Description("Genre, e.g. epic-fantasy, mystery, contemporary")),
			mcp.WithNumber("act_count", mcp.Description("Number of acts (default 3)")),
		),
		mcpGenerateStructure(deps),
	)

	s.AddTool(
		mcp.NewTool("list_plot_holes",
			mcp.WithDescription("List the stored plot holes for a project, most severe first."),
			mcp.WithString("project_id", mcp.Description("Project identifier"), mcp.Required()),
		),
		mcpListPlotHoles(deps),
	)

	s.AddTool(
		mcp.NewTool("suggest_plots",
			mcp.WithDescription("Generate plot suggestions (scenes, twists, subplots) for a manuscript."),
			mcp.WithString("project_id", mcp.Description("Project identifier"), mcp.Required()),
			mcp.WithString("chapters", mcp.Description("JSON array of {id, number, title, text} chapter objects"), mcp.Required()),
		),
		mcpSuggestPlots(deps),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"project://{id}/graph",
			"Character Graph",
			mcp.WithTemplateDescription("Stored character graph for a project as JSON"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceGraph(deps),
	)

	return s
}

func mcpAnalyzeProject(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		chaptersJSON, err := req.RequireString("chapters")
		if err != nil {
			return mcpError("chapters is required"), nil
		}

		var snap plot.ProjectSnapshot
		if err := json.Unmarshal([]byte(chaptersJSON), &snap.Chapters); err != nil {
			return mcpError(fmt.Sprintf("invalid chapters JSON: %v", err)), nil
		}
		if charactersJSON := req.GetString("characters", ""); charactersJSON != "" {
			if err := json.Unmarshal([]byte(charactersJSON), &snap.Characters); err != nil {
				return mcpError(fmt.Sprintf("invalid characters JSON: %v", err)), nil
			}
		}

		analysis, err := deps.Plot.AnalyzeProject(ctx, projectID, snap, req.GetBool("refresh", false))
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}

		b, err := json.Marshal(analysis)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal analysis: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGenerateStructure(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		premise, err := req.RequireString("premise")
		if err != nil {
			return mcpError("premise is required"), nil
		}

		res := deps.Plot.CreatePlotStructure(ctx, plot.StructureRequest{
			ProjectID: projectID,
			Premise:   premise,
			Genre:     req.GetString("genre", ""),
			ActCount:  req.GetInt("act_count", 0),
		})
		if res.Tag == plot.TagFailure {
			return mcpError(fmt.Sprintf("structure generation failed: %v", res.Err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"structure": res.Value,
			"state":     res.State(),
			"persisted": res.Persisted,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal structure: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListPlotHoles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}

		holes, err := deps.Store.GetPlotHolesByProject(projectID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list plot holes: %v", err)), nil
		}
		if len(holes) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(holes)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal plot holes: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSuggestPlots(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, err := req.RequireString("project_id")
		if err != nil {
			return mcpError("project_id is required"), nil
		}
		chaptersJSON, err := req.RequireString("chapters")
		if err != nil {
			return mcpError("chapters is required"), nil
		}

		var snap plot.ProjectSnapshot
		if err := json.Unmarshal([]byte(chaptersJSON), &snap.Chapters); err != nil {
			return mcpError(fmt.Sprintf("invalid chapters JSON: %v", err)), nil
		}

		res := deps.Plot.SuggestPlots(ctx, projectID, snap)
		if res.Tag == plot.TagFailure {
			return mcpError(fmt.Sprintf("suggestion generation failed: %v", res.Err)), nil
		}

		b, err := json.Marshal(res.Value)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal suggestions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceGraph(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		projectID := graphResourceProjectID(req.Params.URI)
		if projectID == "" {
			return nil, fmt.Errorf("invalid graph resource uri %q", req.Params.URI)
		}

		g, err := deps.Store.GetCharacterGraphByProject(projectID)
		if err != nil {
			return nil, fmt.Errorf("failed to get character graph: %w", err)
		}

		b, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal character graph: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// graphResourceProjectID extracts the project id from project://{id}/graph.
func graphResourceProjectID(uri string) string {
	rest, ok := strings.CutPrefix(uri, "project://")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "/graph")
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
