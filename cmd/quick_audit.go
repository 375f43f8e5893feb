package cmd

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PeculiarLoop/m365-audit-kit/internal/message"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/orchestrator"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/outputters"
)

var quickAuditOpts struct {
	DaysBack  int
	Formats   []string
	Anonymize bool
}

var quickAuditCmd = &cobra.Command{
	Use:       "quick-audit <profile>",
	Short:     "Take a best-effort posture snapshot for a profile",
	Long:      "Run a fixed set of sources for a profile (" + strings.Join(orchestrator.ProfileNames, ", ") + ").\nSource failures become warnings; a report is always written.",
	Example:   `  m365audit quick-audit Mail --format md,html`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: orchestrator.ProfileNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := orchestrator.ParseProfile(args[0])
		if err != nil {
			return err
		}
		formats, err := outputters.ParseFormats(quickAuditOpts.Formats)
		if err != nil {
			return err
		}

		p, err := newPipeline(loadSettings(), slog.Default())
		if err != nil {
			return err
		}

		message.Banner()
		message.Info("Running quick audit profile %s", profile)
		report, paths, err := p.quickAudit(cmd.Context(), profile, quickAuditOpts.DaysBack, quickAuditOpts.Anonymize, formats)
		if report == nil {
			return err
		}
		outputters.PrintSummary(report, paths)
		return err
	},
}

func init() {
	flags := quickAuditCmd.Flags()
	flags.IntVarP(&quickAuditOpts.DaysBack, "days-back", "d", 30, "look-back used by time-bounded sources")
	flags.StringSliceVarP(&quickAuditOpts.Formats, "format", "f", []string{"all"}, "report formats (json, csv, md, html, all)")
	flags.BoolVar(&quickAuditOpts.Anonymize, "anonymize", false, "replace identities with per-run tokens")

	rootCmd.AddCommand(quickAuditCmd)
}
