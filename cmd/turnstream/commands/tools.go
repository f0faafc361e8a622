package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/turnstream/internal/tool"
)

var toolsVerbose bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools sessions can invoke",
	Long: `List the tools registered from the current configuration.

Examples:
  turnstream tools             # id, fatal policy and description
  turnstream tools --verbose   # include the parameter schema`,
	RunE: runTools,
}

func init() {
	toolsCmd.Flags().BoolVarP(&toolsVerbose, "verbose", "v", false, "Include parameter schemas")
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := tool.DefaultRegistry(cfg.Tools)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tFATAL\tDESCRIPTION")
	for _, t := range reg.List() {
		fmt.Fprintf(w, "%s\t%t\t%s\n", t.ID(), cfg.Tools.Fatal[t.ID()], preview(t.Description(), 72))
		if toolsVerbose {
			fmt.Fprintf(w, "\t\t%s\n", t.Parameters())
		}
	}
	return w.Flush()
}
