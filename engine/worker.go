package engine

import (
	"context"
	"time"

	"github.com/workflowzen/wfzen/logkeys"

	"github.com/micromdm/nanolib/log"
)

const DefaultDuration = time.Minute

// IdleChecker checks whether a reminder is due.
type IdleChecker interface {
	CheckIdle(ctx context.Context) (*Reminder, error)
}

// Notifier delivers reminders.
type Notifier interface {
	Notify(ctx context.Context, r *Reminder) error
}

// LogNotifier delivers reminders to a logger.
type LogNotifier struct {
	logger log.Logger
}

// NewLogNotifier creates a new notifier logging to logger.
func NewLogNotifier(logger log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs r.
func (n *LogNotifier) Notify(_ context.Context, r *Reminder) error {
	n.logger.Info(
		logkeys.Message, "current step is idle",
		logkeys.StepID, int(r.Step.ID),
		logkeys.StepName, r.Step.Name,
		"idle", r.Idle.Round(time.Minute).String(),
	)
	return nil
}

// Worker checks for an idle current step on an interval and delivers
// reminders. Reminders are not deduplicated: an idle step is reported
// on every tick until it changes.
type Worker struct {
	checker  IdleChecker
	notifier Notifier
	logger   log.Logger

	// duration is the interval at which the worker will wake up to
	// check for an idle step.
	duration time.Duration
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerDuration configures the check interval for the worker.
func WithWorkerDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.duration = d
	}
}

func NewWorker(checker IdleChecker, notifier Notifier, opts ...WorkerOption) *Worker {
	w := &Worker{
		checker:  checker,
		notifier: notifier,
		logger:   log.NopLogger,
		duration: DefaultDuration,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce checks for an idle step once and delivers a reminder if due.
func (w *Worker) RunOnce(ctx context.Context) error {
	r, err := w.checker.CheckIdle(ctx)
	if err != nil {
		return logAndError(err, w.logger, "checking idle step")
	}
	if r == nil {
		return nil
	}
	if err = w.notifier.Notify(ctx, r); err != nil {
		return logAndError(err, w.logger, "delivering reminder")
	}
	w.logger.Debug(
		logkeys.Message, "delivered reminder",
		logkeys.StepID, int(r.Step.ID),
	)
	return nil
}

// Run runs the worker on an interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(logkeys.Message, "starting worker", "duration", w.duration)

	ticker := time.NewTicker(w.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
