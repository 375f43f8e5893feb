package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PeculiarLoop/m365-audit-kit/pkg/orchestrator"
	"github.com/PeculiarLoop/m365-audit-kit/pkg/types"
)

var listSourcesCmd = &cobra.Command{
	Use:   "list-sources",
	Short: "Display the sources and quick-audit profiles in a tree structure",
	RunE: func(cmd *cobra.Command, args []string) error {
		return displaySourceTree(cmd.OutOrStdout(), viper.GetBool(keyNoColor))
	},
}

func displaySourceTree(w io.Writer, noColor bool) error {
	bold := color.New(color.Bold)
	if noColor {
		bold.DisableColor()
	}

	fmt.Fprintf(w, "\n%s\n", bold.Sprint("investigate"))
	for _, id := range types.AllSources {
		kind := "configuration snapshot"
		if types.IsEventSource(id) {
			kind = "events, time bounded"
		}
		fmt.Fprintf(w, "├─ %s - %s\n", id, kind)
	}

	fmt.Fprintf(w, "\n%s\n", bold.Sprint("quick-audit"))
	for _, profile := range orchestrator.ProfileNames {
		ids, err := orchestrator.ProfileSources(profile)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "├─ %s\n", profile)
		for _, id := range ids {
			fmt.Fprintf(w, "  ├─ %s\n", id)
		}
	}
	fmt.Fprintln(w)
	return nil
}

func init() {
	rootCmd.AddCommand(listSourcesCmd)
}
