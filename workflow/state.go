package workflow

import (
	"context"
	"fmt"
	"time"
)

// App state keys holding the StepState.
const (
	KeyCurrentStepID        = "currentStepId"
	KeyCurrentStepHistory   = "currentStepHistory"
	KeyCurrentStepChangedAt = "currentStepChangedAt"
)

// MaxHistory is the number of pins kept in the history.
const MaxHistory = 20

// HistoryEntry records a single pin.
type HistoryEntry struct {
	StepID    StepID    `json:"stepId"`
	ChangedAt time.Time `json:"changedAt"`
}

// StepState is the user-controlled part of the workflow: the pinned
// current step and the history of pins.
type StepState struct {
	Pinned    StepID         // 0 if no step is pinned
	ChangedAt time.Time      // zero if never pinned
	History   []HistoryEntry // newest first
}

// Pin makes id the current step as of now and records it in the history.
func (s *StepState) Pin(id StepID, now time.Time) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStep, id)
	}
	s.Pinned = id
	s.ChangedAt = now
	history := make([]HistoryEntry, 0, len(s.History)+1)
	history = append(history, HistoryEntry{StepID: id, ChangedAt: now})
	history = append(history, s.History...)
	if len(history) > MaxHistory {
		history = history[:MaxHistory]
	}
	s.History = history
	return nil
}

// LastChange returns the later of ChangedAt and the newest history entry.
func (s *StepState) LastChange() time.Time {
	last := s.ChangedAt
	if len(s.History) > 0 && s.History[0].ChangedAt.After(last) {
		last = s.History[0].ChangedAt
	}
	return last
}

// IsIdle reports whether more than threshold has passed since the last change.
// A state that was never changed is not idle.
func (s *StepState) IsIdle(now time.Time, threshold time.Duration) bool {
	last := s.LastChange()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > threshold
}

// StateReader reads JSON app state values.
type StateReader interface {
	GetAppState(ctx context.Context, key string, v any) (found bool, err error)
}

// StateWriter writes JSON app state values.
type StateWriter interface {
	SetAppStates(ctx context.Context, values map[string]any) error
}

// LoadState reads the StepState from app state.
// Missing values are left at their zero values.
func LoadState(ctx context.Context, r StateReader) (*StepState, error) {
	s := new(StepState)
	if _, err := r.GetAppState(ctx, KeyCurrentStepID, &s.Pinned); err != nil {
		return nil, err
	}
	if !s.Pinned.Valid() {
		s.Pinned = 0
	}
	if _, err := r.GetAppState(ctx, KeyCurrentStepChangedAt, &s.ChangedAt); err != nil {
		return nil, err
	}
	if _, err := r.GetAppState(ctx, KeyCurrentStepHistory, &s.History); err != nil {
		return nil, err
	}
	return s, nil
}

// SaveState writes every StepState value to app state.
func SaveState(ctx context.Context, w StateWriter, s *StepState) error {
	history := s.History
	if history == nil {
		history = []HistoryEntry{}
	}
	return w.SetAppStates(ctx, map[string]any{
		KeyCurrentStepID:        s.Pinned,
		KeyCurrentStepChangedAt: s.ChangedAt,
		KeyCurrentStepHistory:   history,
	})
}
