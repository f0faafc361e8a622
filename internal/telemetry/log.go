package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// LogObserver writes notifications as structured zerolog events.
type LogObserver struct {
	log zerolog.Logger
}

// NewLogObserver creates an observer writing to log.
func NewLogObserver(log zerolog.Logger) *LogObserver {
	return &LogObserver{log: log.With().Str("component", "session").Logger()}
}

func (o *LogObserver) SessionStarted(_ context.Context, sessionID, scope string) {
	o.log.Info().Str("sessionID", sessionID).Str("scope", scope).Msg("session started")
}

func (o *LogObserver) StateChanged(_ context.Context, sessionID string, from, to types.SessionState) {
	o.log.Debug().Str("sessionID", sessionID).Str("from", string(from)).Str("to", string(to)).Msg("state changed")
}

func (o *LogObserver) ToolCompleted(_ context.Context, sessionID, tool string, outcome types.ToolOutcome, elapsed time.Duration) {
	ev := o.log.Info()
	if !outcome.OK {
		ev = o.log.Warn().Str("reason", outcome.Reason).Bool("timedOut", outcome.TimedOut)
	}
	ev.Str("sessionID", sessionID).Str("tool", tool).Bool("ok", outcome.OK).Dur("elapsed", elapsed).Msg("tool completed")
}

func (o *LogObserver) Persisted(_ context.Context, sessionID string, final bool, attempts int, err error) {
	kind := "checkpoint"
	if final {
		kind = "finalize"
	}
	if err != nil {
		ev := o.log.Warn()
		if final {
			ev = o.log.Error()
		}
		ev.Err(err).Str("sessionID", sessionID).Str("write", kind).Int("attempts", attempts).Msg("persist failed")
		return
	}
	o.log.Debug().Str("sessionID", sessionID).Str("write", kind).Int("attempts", attempts).Msg("persisted")
}

func (o *LogObserver) Violation(_ context.Context, sessionID string, err error) {
	o.log.Error().Err(err).Str("sessionID", sessionID).Msg("protocol violation")
}

func (o *LogObserver) SessionFinalized(_ context.Context, sessionID string, status types.FinalStatus, detail string, elapsed time.Duration) {
	ev := o.log.Info()
	if status == types.StatusError {
		ev = o.log.Warn()
	}
	ev.Str("sessionID", sessionID).Str("status", string(status)).Str("detail", detail).Dur("elapsed", elapsed).Msg("session finalized")
}

func (o *LogObserver) SubscriberDropped(_ context.Context, sessionID string, reason string) {
	o.log.Warn().Str("sessionID", sessionID).Str("reason", reason).Msg("subscriber dropped")
}
