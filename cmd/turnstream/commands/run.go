package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/turnstream/internal/session"
	"github.com/opencode-ai/turnstream/pkg/types"
)

var (
	runScope   string
	runFormat  string
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Stream a single turn to the terminal",
	Long: `Run one session in-process and stream its content to stdout.

The turn is persisted to the configured store like any served session.
Interrupting the command cancels the turn; it is stored as canceled.

Examples:
  turnstream run "Summarize https://example.com"
  turnstream run --scope conv-42 "Apply the patch"
  turnstream run --format json "hello"   # one protocol event per line`,
	RunE: runTurn,
}

func init() {
	runCmd.Flags().StringVarP(&runScope, "scope", "s", "cli", "Conversation scope the turn is recorded under")
	runCmd.Flags().StringVar(&runFormat, "format", "default", "Output format (default|json)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Session timeout, overrides the config file")
}

func runTurn(cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message required. Usage: turnstream run \"your message\"")
	}
	render, err := renderer(runFormat)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runTimeout > 0 {
		cfg.Session.Timeout = types.Duration(runTimeout)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.manager.Start(ctx, session.CreateRequest{ConversationScope: runScope, UserInput: message})
	if err != nil {
		return err
	}
	sub, err := a.hub.Subscribe(context.Background(), id)
	if err != nil {
		return err
	}
	defer sub.Close()

	go func() {
		<-ctx.Done()
		_ = a.manager.Cancel(id)
	}()

	var events []types.Event
	for ev := range sub.Events() {
		if err := render(cmd.OutOrStdout(), cmd.ErrOrStderr(), ev); err != nil {
			return err
		}
		events = append(events, ev)
	}
	if err := sub.Err(); err != nil {
		return err
	}

	// A turn that ended before Subscribe arrives as snapshot + finalized.
	snap := types.Replay(events)
	switch {
	case !snap.Finalized():
		return errors.New("event stream ended before the turn finalized")
	case snap.Final == types.StatusCanceled:
		return errors.New("turn canceled")
	case snap.Final == types.StatusError:
		return fmt.Errorf("turn failed (%s)", snap.FinalDetail)
	}
	return nil
}

type renderFunc func(stdout, stderr io.Writer, ev types.Event) error

func renderer(format string) (renderFunc, error) {
	switch format {
	case "default", "":
		return renderText, nil
	case "json":
		return renderJSON, nil
	default:
		return nil, fmt.Errorf("unknown format %q (want default or json)", format)
	}
}

// renderText prints content as it streams. Tool activity and errors go to
// stderr so stdout carries exactly the turn content.
func renderText(stdout, stderr io.Writer, ev types.Event) error {
	var err error
	switch d := ev.Data.(type) {
	case types.SnapshotData:
		_, err = io.WriteString(stdout, d.Content)
	case types.DeltaData:
		_, err = io.WriteString(stdout, d.Text)
	case types.ToolStartData:
		_, err = fmt.Fprintf(stderr, "\n→ %s\n", d.ToolName)
	case types.ToolResultData:
		_, err = io.WriteString(stdout, d.Fold)
	case types.ErrorData:
		_, err = fmt.Fprintf(stderr, "\nerror: %s\n", d.Message)
	case types.FinalizedData:
		_, err = io.WriteString(stdout, "\n")
	}
	return err
}

func renderJSON(stdout, _ io.Writer, ev types.Event) error {
	return json.NewEncoder(stdout).Encode(ev)
}
