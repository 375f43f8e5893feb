package cmd

import (
	"github.com/spf13/cobra"

	"github.com/PeculiarLoop/m365-audit-kit/internal/message"
	"github.com/PeculiarLoop/m365-audit-kit/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of m365audit",
	Run: func(cmd *cobra.Command, args []string) {
		message.Info("%s", version.FullVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
