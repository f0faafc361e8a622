package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/turnstream/internal/logging"
	"github.com/opencode-ai/turnstream/internal/storage"
	"github.com/opencode-ai/turnstream/pkg/types"
)

var turnsJSON bool

var turnsCmd = &cobra.Command{
	Use:   "turns",
	Short: "Read persisted turn records",
	Long: `Read turn records from the configured store.

Examples:
  turnstream turns list cli        # turns recorded under scope "cli"
  turnstream turns get 01J...      # one record with its full content`,
}

var turnsListCmd = &cobra.Command{
	Use:   "list <scope>",
	Short: "List the turns of a conversation scope, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store storage.Store) error {
			turns, err := store.ListTurns(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if turnsJSON {
				return writeIndented(cmd.OutOrStdout(), turns)
			}
			return printTurns(cmd.OutOrStdout(), turns)
		})
	},
}

var turnsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one turn record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store storage.Store) error {
			rec, err := store.GetTurn(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("turn %s: %w", args[0], err)
			}
			if turnsJSON {
				return writeIndented(cmd.OutOrStdout(), rec)
			}
			return printTurn(cmd.OutOrStdout(), rec)
		})
	},
}

func init() {
	turnsCmd.PersistentFlags().BoolVar(&turnsJSON, "json", false, "Print records as JSON")
	turnsCmd.AddCommand(turnsListCmd)
	turnsCmd.AddCommand(turnsGetCmd)
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logs, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logs.Close()

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func printTurns(w io.Writer, turns []types.TurnRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tUPDATED\tCONTENT")
	for _, t := range turns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, statusLabel(t), t.UpdatedAt.Local().Format(time.DateTime), preview(t.Content, 48))
	}
	return tw.Flush()
}

func printTurn(w io.Writer, t types.TurnRecord) error {
	_, err := fmt.Fprintf(w, "ID:      %s\nScope:   %s\nStatus:  %s\nCreated: %s\nUpdated: %s\n\n%s\n",
		t.ID, t.ConversationScope, statusLabel(t),
		t.CreatedAt.Local().Format(time.DateTime), t.UpdatedAt.Local().Format(time.DateTime),
		t.Content)
	return err
}

func statusLabel(t types.TurnRecord) string {
	if t.Detail == "" {
		return string(t.Status)
	}
	return fmt.Sprintf("%s (%s)", t.Status, t.Detail)
}

// preview returns the first line of s, cut to n runes.
func preview(s string, n int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i] + "..."
			break
		}
	}
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
