package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/utils"
)

var queryCmd = &cobra.Command{
	Use:   "query <report.json> <jq expression>",
	Short: "Run a jq expression over an exported JSON report",
	Example: `  m365audit query output/report.json '[.records[].event | select(. != null and (.riskFlags | length) > 0) | .id]'
  m365audit query output/report.json '.sources[] | select(.status != "complete")'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.OutOrStdout(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
}

func runQuery(w io.Writer, reportPath, expr string) error {
	out, err := utils.PerformJqQueryOnFile(reportPath, expr)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", reportPath, err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
