package view

import (
	"context"
	"fmt"

	"github.com/workflowzen/wfzen/records"
	"github.com/workflowzen/wfzen/storage"
)

// Set holds one View per record kind.
type Set struct {
	views map[storage.Kind]*View
}

// NewSet creates a View for every kind.
func NewSet(svc Service, opts ...Option) *Set {
	s := &Set{views: make(map[storage.Kind]*View, len(storage.Kinds))}
	for _, kind := range storage.Kinds {
		s.views[kind] = New(svc, kind, opts...)
	}
	return s
}

// View returns the view of kind or nil if kind is invalid.
func (s *Set) View(kind storage.Kind) *View {
	return s.views[kind]
}

// Stats returns the statistics of kind.
func (s *Set) Stats(ctx context.Context, kind storage.Kind) (*records.Stats, error) {
	v := s.views[kind]
	if v == nil {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidKind, kind)
	}
	return v.Stats(ctx)
}

// RefreshAll reloads every view.
func (s *Set) RefreshAll(ctx context.Context) error {
	for _, kind := range storage.Kinds {
		if err := s.views[kind].Refresh(ctx); err != nil {
			return err
		}
	}
	return nil
}
