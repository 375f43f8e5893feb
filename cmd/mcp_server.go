package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/PeculiarLoop/m365-audit-kit/internal/message"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/orchestrator"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/outputters"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
	"github.com/PeculiarLoop/m365-audit-kit/version"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Launch the m365audit MCP server on stdio",
	Long: `Launch an MCP server on stdio exposing the investigate and quick_audit tools.
Reports are written to --output like the CLI commands; tool results carry a summary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol
		message.SetSilent(true)
		return server.ServeStdio(newMCPServer(&toolHandlers{
			newPipeline: func(s settings) (*pipeline, error) { return newPipeline(s, slog.Default()) },
			settings:    loadSettings,
			now:         time.Now,
		}))
	},
}

// toolHandlers serves the MCP tools; the pipeline factory is swapped in tests
type toolHandlers struct {
	newPipeline func(settings) (*pipeline, error)
	settings    func() settings
	now         func() time.Time
}

func newMCPServer(h *toolHandlers) *server.MCPServer {
	s := server.NewMCPServer(
		"m365-audit-kit",
		version.FullVersion(),
		server.WithLogging(),
	)

	s.AddTool(mcp.NewTool("investigate",
		mcp.WithDescription("Investigate Microsoft 365 tenant activity over a time window and write an audit report. "+
			"Fails only when every source failed."),
		mcp.WithString("start", mcp.Description("Window start, RFC 3339 or YYYY-MM-DD; exclusive with days_back")),
		mcp.WithString("end", mcp.Description("Window end, default now")),
		mcp.WithNumber("days_back", mcp.Description("Window start as days before now, default 1")),
		mcp.WithString("actors", mcp.Description("Actors to keep, comma separated; globs such as *@contoso.com allowed")),
		mcp.WithString("operations", mcp.Description("Operations to keep, comma separated")),
		mcp.WithString("sources", mcp.Description("Sources to query, comma separated, or 'all'. Default: "+joinSources(types.EventSources))),
		mcp.WithString("formats", mcp.Description("Report formats, comma separated (json, csv, md, html, all). Default: all")),
		mcp.WithString("output", mcp.Description("Report output directory")),
		mcp.WithBoolean("anonymize", mcp.Description("Replace identities with per-run tokens")),
	), h.investigate)

	s.AddTool(mcp.NewTool("quick_audit",
		mcp.WithDescription("Take a best-effort posture snapshot of a Microsoft 365 tenant for a profile. "+
			"Source failures become warnings."),
		mcp.WithString("profile", mcp.Required(), mcp.Enum(orchestrator.ProfileNames...),
			mcp.Description("Profile: "+strings.Join(orchestrator.ProfileNames, ", "))),
		mcp.WithNumber("days_back", mcp.Description("Look-back for time-bounded sources, default 30")),
		mcp.WithString("formats", mcp.Description("Report formats, comma separated (json, csv, md, html, all). Default: all")),
		mcp.WithString("output", mcp.Description("Report output directory")),
		mcp.WithBoolean("anonymize", mcp.Description("Replace identities with per-run tokens")),
	), h.quickAudit)

	return s
}

// toolSummary is the JSON body of a successful tool result
type toolSummary struct {
	ReportID   string               `json:"reportId"`
	Kind       types.ReportKind     `json:"kind"`
	Records    int                  `json:"records"`
	RiskFlags  int                  `json:"riskFlags"`
	Sources    []types.SourceStatus `json:"sources"`
	Warnings   []string             `json:"warnings,omitempty"`
	Paths      []string             `json:"paths"`
	WriteError string               `json:"writeError,omitempty"`
}

func (h *toolHandlers) investigate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := toolArguments(request)

	opts := investigateOptions{
		Start:      stringArg(args, "start"),
		End:        stringArg(args, "end"),
		DaysBack:   intArg(args, "days_back", 0),
		Actors:     listArg(args, "actors"),
		Operations: listArg(args, "operations"),
		Sources:    listArg(args, "sources"),
		Anonymize:  boolArg(args, "anonymize"),
	}
	if len(opts.Sources) == 0 {
		opts.Sources = sourceNames(types.EventSources)
	}
	req, err := buildInvestigationRequest(opts, h.now())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p, formats, err := h.prepare(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, paths, err := p.investigate(ctx, req, formats)
	return toolResult(report, paths, err)
}

func (h *toolHandlers) quickAudit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := toolArguments(request)

	profile, err := orchestrator.ParseProfile(stringArg(args, "profile"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, formats, err := h.prepare(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, paths, err := p.quickAudit(ctx, profile, intArg(args, "days_back", 30), boolArg(args, "anonymize"), formats)
	return toolResult(report, paths, err)
}

func (h *toolHandlers) prepare(args map[string]any) (*pipeline, []outputters.Format, error) {
	names := listArg(args, "formats")
	if len(names) == 0 {
		names = []string{"all"}
	}
	formats, err := outputters.ParseFormats(names)
	if err != nil {
		return nil, nil, err
	}

	s := h.settings()
	if out := stringArg(args, "output"); out != "" {
		s.Output = out
	}
	p, err := h.newPipeline(s)
	if err != nil {
		return nil, nil, err
	}
	return p, formats, nil
}

// toolResult reports run failures as tool errors; a report whose export partly failed is
// still returned, with the write error attached.
func toolResult(report *types.AuditReport, paths []string, err error) (*mcp.CallToolResult, error) {
	if report == nil {
		if err == nil {
			err = fmt.Errorf("no report produced")
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	summary := toolSummary{
		ReportID:  report.ID,
		Kind:      report.Kind,
		Records:   len(report.Records),
		RiskFlags: report.FlagCount(),
		Sources:   report.Sources,
		Warnings:  report.Warnings,
		Paths:     paths,
	}
	if err != nil {
		summary.WriteError = err.Error()
	}
	body, mErr := json.MarshalIndent(summary, "", "  ")
	if mErr != nil {
		return nil, mErr
	}
	return mcp.NewToolResultText(string(body)), nil
}

func toolArguments(request mcp.CallToolRequest) map[string]any {
	args, _ := any(request.Params.Arguments).(map[string]any)
	return args
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}

func boolArg(args map[string]any, name string) bool {
	switch v := args[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// intArg reads a JSON number; MCP clients send numbers as float64
func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// listArg accepts a comma separated string or a JSON array of strings
func listArg(args map[string]any, name string) []string {
	var raw []string
	switch v := args[name].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = v
	}

	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sourceNames(ids []types.SourceID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func joinSources(ids []types.SourceID) string {
	return strings.Join(sourceNames(ids), ", ")
}
