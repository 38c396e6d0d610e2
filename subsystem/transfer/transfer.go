// Package transfer simulates transferring approved records to an
// accounting system.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/workflowzen/wfzen/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrInvalidBatch = errors.New("invalid batch")
	ErrRejected     = errors.New("transfer rejected by destination")
)

// Batch describes the records to transfer.
type Batch struct {
	RecordCount int      `json:"recordCount"`
	TotalAmount float64  `json:"totalAmount"`
	Destination string   `json:"destination"`
	Documents   []string `json:"documents,omitempty"`
}

// Validate checks for missing values.
func (b *Batch) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil batch", ErrInvalidBatch)
	}
	if b.RecordCount < 1 {
		return fmt.Errorf("%w: no records", ErrInvalidBatch)
	}
	if b.TotalAmount < 0 {
		return fmt.Errorf("%w: negative total", ErrInvalidBatch)
	}
	if b.Destination == "" {
		return fmt.Errorf("%w: missing destination", ErrInvalidBatch)
	}
	return nil
}

// Status is the terminal status of a transfer.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the outcome of a transfer.
type Result struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Stage is a phase of a transfer.
type Stage string

const (
	StageConnecting Stage = "connecting"
	StageUploading  Stage = "uploading"
	StageVerifying  Stage = "verifying"
)

// Stages are the transfer phases in order.
var Stages = []Stage{StageConnecting, StageUploading, StageVerifying}

// Simulator simulates accounting transfers with timers.
type Simulator struct {
	logger      log.Logger
	stageDelay  time.Duration
	failureRate float64
	rand        func() float64
	progress    func(Stage)
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the simulator logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// WithStageDelay sets how long each stage takes.
func WithStageDelay(d time.Duration) Option {
	return func(s *Simulator) {
		s.stageDelay = d
	}
}

// WithFailureRate makes a fraction (0-1) of transfers fail at verification.
func WithFailureRate(rate float64) Option {
	return func(s *Simulator) {
		s.failureRate = rate
	}
}

// WithRand sets the random source used for injected failures.
func WithRand(f func() float64) Option {
	return func(s *Simulator) {
		s.rand = f
	}
}

// WithProgress calls f as each stage starts.
func WithProgress(f func(Stage)) Option {
	return func(s *Simulator) {
		s.progress = f
	}
}

// DefaultStageDelay is the default duration of each stage.
const DefaultStageDelay = time.Second

// NewSimulator creates a new transfer simulator.
func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{
		logger:     log.NopLogger,
		stageDelay: DefaultStageDelay,
		rand:       rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func failed(err error) Result {
	return Result{Status: StatusFailed, Error: err.Error()}
}

// Transfer runs b through every stage. It always returns a terminal Result:
// invalid batches, cancellation and injected failures are reported as
// StatusFailed.
func (s *Simulator) Transfer(ctx context.Context, b *Batch) Result {
	logger := ctxlog.Logger(ctx, s.logger)
	if err := b.Validate(); err != nil {
		logger.Info(logkeys.Message, "transfer", logkeys.Error, err)
		return failed(err)
	}
	logger = logger.With(
		"destination", b.Destination,
		logkeys.GenericCount, b.RecordCount,
	)

	timer := time.NewTimer(s.stageDelay)
	defer timer.Stop()
	for i, stage := range Stages {
		if s.progress != nil {
			s.progress(stage)
		}
		logger.Debug(logkeys.Message, "transfer stage", "stage", string(stage))
		if i > 0 {
			timer.Reset(s.stageDelay)
		}
		select {
		case <-ctx.Done():
			err := fmt.Errorf("%s: %w", stage, ctx.Err())
			logger.Info(logkeys.Message, "transfer", logkeys.Error, err)
			return failed(err)
		case <-timer.C:
		}
	}

	if s.failureRate > 0 && s.rand() < s.failureRate {
		err := fmt.Errorf("%s: %w", StageVerifying, ErrRejected)
		logger.Info(logkeys.Message, "transfer", logkeys.Error, err)
		return failed(err)
	}
	logger.Debug(logkeys.Message, "transfer completed")
	return Result{Status: StatusCompleted}
}
