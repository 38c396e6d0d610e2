// Package engine implements the WorkFlowZen dashboard engine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/workflowzen/wfzen/logkeys"
	"github.com/workflowzen/wfzen/records"
	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// DefaultIdleThreshold is how long the current step may go unchanged
// before a reminder is due.
const DefaultIdleThreshold = time.Hour * 4

// StatsSource provides record statistics per kind.
type StatsSource interface {
	Stats(ctx context.Context, kind storage.Kind) (*records.Stats, error)
}

// AppState reads and writes JSON app state values.
type AppState interface {
	workflow.StateReader
	workflow.StateWriter
}

// Reminder says the current step has been idle.
type Reminder struct {
	Step       workflow.Step
	LastChange time.Time
	Idle       time.Duration
}

// Engine computes workflow progress and manages the pinned step.
type Engine struct {
	stats StatsSource
	state AppState

	// pinMu serializes the read-modify-write of the step state.
	pinMu sync.Mutex

	logger        log.Logger
	now           func() time.Time
	idleThreshold time.Duration
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the engine clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIdleThreshold sets the duration after which the current step is idle.
func WithIdleThreshold(d time.Duration) Option {
	return func(e *Engine) {
		e.idleThreshold = d
	}
}

// New creates a new engine with default configurations.
func New(stats StatsSource, state AppState, opts ...Option) *Engine {
	e := &Engine{
		stats:         stats,
		state:         state,
		logger:        log.NopLogger,
		now:           func() time.Time { return time.Now().UTC() },
		idleThreshold: DefaultIdleThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

// State loads the step state.
func (e *Engine) State(ctx context.Context) (*workflow.StepState, error) {
	return workflow.LoadState(ctx, e.state)
}

// Counts returns the record count of every kind associated with a step.
func (e *Engine) Counts(ctx context.Context) (map[storage.Kind]int, error) {
	counts := make(map[storage.Kind]int)
	for _, step := range workflow.Steps {
		if step.Kind == "" {
			continue
		}
		stats, err := e.stats.Stats(ctx, step.Kind)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", step.Kind, err)
		}
		counts[step.Kind] = stats.Total
	}
	return counts, nil
}

// Progress computes the workflow progress from the current records and pin.
func (e *Engine) Progress(ctx context.Context) (workflow.Progress, error) {
	counts, err := e.Counts(ctx)
	if err != nil {
		return workflow.Progress{}, err
	}
	state, err := e.State(ctx)
	if err != nil {
		return workflow.Progress{}, err
	}
	return workflow.ComputeProgress(counts, state.Pinned), nil
}

// PinStep makes id the current step and records it in the history.
func (e *Engine) PinStep(ctx context.Context, id workflow.StepID) (*workflow.StepState, error) {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.StepID, int(id))
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", workflow.ErrInvalidStep, id)
	}

	e.pinMu.Lock()
	defer e.pinMu.Unlock()

	state, err := e.State(ctx)
	if err != nil {
		return nil, logAndError(err, logger, "loading step state")
	}
	if err = state.Pin(id, e.now()); err != nil {
		return nil, err
	}
	if err = workflow.SaveState(ctx, e.state, state); err != nil {
		return nil, logAndError(err, logger, "saving step state")
	}
	logger.Debug(
		logkeys.Message, "pinned step",
		logkeys.GenericCount, len(state.History),
	)
	return state, nil
}

// CheckIdle returns a reminder if the current step has been idle for
// longer than the idle threshold. It returns nil if no reminder is due.
// The step state is not modified.
func (e *Engine) CheckIdle(ctx context.Context) (*Reminder, error) {
	state, err := e.State(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if !state.IsIdle(now, e.idleThreshold) {
		return nil, nil
	}
	progress, err := e.Progress(ctx)
	if err != nil {
		return nil, err
	}
	step, ok := progress.CurrentStep()
	if !ok {
		// every step completed and nothing pinned
		return nil, nil
	}
	last := state.LastChange()
	return &Reminder{Step: step, LastChange: last, Idle: now.Sub(last)}, nil
}
