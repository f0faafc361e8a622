// Package persist writes session state to the durable store: best-effort
// checkpoints while a session runs and one must-succeed-or-be-flagged final write.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/turnstream/internal/storage"
	"github.com/opencode-ai/turnstream/internal/telemetry"
	"github.com/opencode-ai/turnstream/pkg/types"
)

// ErrAlreadyFinalized is returned for any write after a session's final write.
var ErrAlreadyFinalized = errors.New("session already finalized")

const (
	DefaultAttempts        = 3
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultWriteTimeout    = 5 * time.Second
	DefaultFinalizeTimeout = 30 * time.Second
)

// Options configures a Synchronizer. Zero fields take the defaults above.
type Options struct {
	Attempts        int
	InitialInterval time.Duration
	// WriteTimeout bounds a single store write.
	WriteTimeout time.Duration
	// FinalizeTimeout bounds the whole final write including retries.
	FinalizeTimeout time.Duration
	Observer        telemetry.Observer
	// Now is used for record timestamps.
	Now func() time.Time
}

// OptionsFromConfig maps the config file section to Options.
func OptionsFromConfig(cfg types.PersistConfig, obs telemetry.Observer) Options {
	return Options{
		Attempts:        cfg.Attempts,
		InitialInterval: cfg.InitialInterval.Std(),
		WriteTimeout:    cfg.WriteTimeout.Std(),
		FinalizeTimeout: cfg.FinalizeTimeout.Std(),
		Observer:        obs,
	}
}

// Result describes the outcome of a final write.
type Result struct {
	Record   types.TurnRecord
	Attempts int
	Err      error
}

// Persisted reports whether the store holds the final record.
func (r Result) Persisted() bool { return r.Err == nil }

// Synchronizer is shared by all sessions. Writes are keyed by session id, so
// sessions never contend on each other's rows.
type Synchronizer struct {
	store storage.Store
	opts  Options
	obs   telemetry.Observer

	mu        sync.Mutex
	finalized map[string]struct{}
}

// New creates a Synchronizer writing to store.
func New(store storage.Store, opts Options) *Synchronizer {
	if opts.Attempts < 1 {
		opts.Attempts = DefaultAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Synchronizer{
		store:     store,
		opts:      opts,
		obs:       telemetry.OrNop(opts.Observer),
		finalized: make(map[string]struct{}),
	}
}

// Checkpoint makes a single bounded attempt to write rec. A missing status is
// written as in_progress. Failures are reported to the observer and returned,
// but callers are expected to carry on.
func (s *Synchronizer) Checkpoint(ctx context.Context, rec types.TurnRecord) error {
	if s.isFinalized(rec.ID) {
		return ErrAlreadyFinalized
	}
	if rec.Status == "" {
		rec.Status = types.TurnInProgress
	}
	rec.UpdatedAt = s.opts.Now()

	err := s.write(ctx, rec)
	s.obs.Persisted(ctx, rec.ID, false, 1, err)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", rec.ID, err)
	}
	return nil
}

// Finalize performs the final write for rec.ID, retrying with exponential
// backoff. It runs on a context detached from ctx's cancellation, so canceling
// the session never skips the final write. Only the first call per session
// writes; later calls return ErrAlreadyFinalized in Result.Err.
func (s *Synchronizer) Finalize(ctx context.Context, rec types.TurnRecord) Result {
	if !rec.Status.Terminal() {
		return Result{Record: rec, Err: fmt.Errorf("finalize %s: status %q is not final", rec.ID, rec.Status)}
	}

	s.mu.Lock()
	if _, done := s.finalized[rec.ID]; done {
		s.mu.Unlock()
		return Result{Record: rec, Err: ErrAlreadyFinalized}
	}
	s.finalized[rec.ID] = struct{}{}
	s.mu.Unlock()

	rec.UpdatedAt = s.opts.Now()

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FinalizeTimeout)
	defer cancel()

	attempts := 0
	op := func() error {
		attempts++
		return s.write(fctx, rec)
	}
	err := backoff.Retry(op, s.newBackoff(fctx))
	s.obs.Persisted(ctx, rec.ID, true, attempts, err)
	if err != nil {
		err = fmt.Errorf("finalize %s after %d attempts: %w", rec.ID, attempts, err)
	}
	return Result{Record: rec, Attempts: attempts, Err: err}
}

// Forget drops the finalized marker for id once the session is discarded.
func (s *Synchronizer) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.finalized, id)
}

func (s *Synchronizer) isFinalized(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.finalized[id]
	return ok
}

func (s *Synchronizer) write(ctx context.Context, rec types.TurnRecord) error {
	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return s.store.UpsertTurn(wctx, rec)
}

// newBackoff allows Attempts tries in total.
func (s *Synchronizer) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxInterval = 10 * s.opts.InitialInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.Attempts-1)), ctx)
}
