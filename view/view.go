// Package view provides cached, observable access to the records of one kind.
//
// A View loads its kind on first use and reloads after every mutation so
// that subscribers always see what the storage service holds.
package view

import (
	"context"
	"fmt"
	"sync"

	"github.com/workflowzen/wfzen/logkeys"
	"github.com/workflowzen/wfzen/records"
	"github.com/workflowzen/wfzen/storage"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Service is the subset of the storage service used by views.
type Service interface {
	Save(ctx context.Context, kind storage.Kind, payload any, id string) (string, error)
	GetAll(ctx context.Context, kind storage.Kind) ([]*storage.Record, error)
	GetByID(ctx context.Context, kind storage.Kind, id string) (*storage.Record, error)
	Update(ctx context.Context, kind storage.Kind, id string, payload any) (*storage.Record, error)
	Delete(ctx context.Context, kind storage.Kind, id string) error
	Search(ctx context.Context, kind storage.Kind, filters map[string]any) ([]*storage.Record, error)
	GetStats(ctx context.Context, kind storage.Kind) (*records.Stats, error)
	ClearAll(ctx context.Context, kinds ...storage.Kind) error
}

// State is the load state of a View.
type State int

const (
	Idle State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Snapshot is the observable state of a View.
// Records and Stats are shared between subscribers and must not be modified.
type Snapshot struct {
	Kind    storage.Kind
	State   State
	Records []*storage.Record
	Stats   *records.Stats
	Err     error

	seq uint64
}

// View is the cached, observable access to one record kind.
type View struct {
	kind   storage.Kind
	svc    Service
	logger log.Logger

	// opMu serializes loads and mutations. It is never held while
	// subscribers run.
	opMu sync.Mutex

	mu        sync.RWMutex
	snap      Snapshot
	loaded    bool
	subs      map[int]func(Snapshot)
	nextSub   int
	published uint64
}

// Option configures a View.
type Option func(*View)

// WithLogger sets the view logger.
func WithLogger(logger log.Logger) Option {
	return func(v *View) {
		v.logger = logger
	}
}

// New creates a new idle View of kind.
func New(svc Service, kind storage.Kind, opts ...Option) *View {
	v := &View{
		kind:   kind,
		svc:    svc,
		logger: log.NopLogger,
		snap:   Snapshot{Kind: kind, State: Idle},
		subs:   make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Kind returns the record kind of the view.
func (v *View) Kind() storage.Kind {
	return v.kind
}

// Snapshot returns the current state of the view without loading.
func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snap
}

// Subscribe calls fn with every snapshot published from now on.
// Snapshots are delivered in order on the goroutine that changed the view,
// after the view has released its locks, so fn may call back into the view.
// A snapshot superseded by one already delivered is dropped.
// The returned func removes the subscription.
func (v *View) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	v.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
		})
	}
}

// set applies f to the snapshot and returns the result for publishing.
func (v *View) set(f func(*Snapshot)) Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	f(&v.snap)
	v.snap.seq++
	return v.snap
}

// publish delivers snaps to the subscribers. opMu must not be held.
func (v *View) publish(snaps ...Snapshot) {
	for _, snap := range snaps {
		v.mu.Lock()
		if snap.seq <= v.published {
			v.mu.Unlock()
			continue
		}
		v.published = snap.seq
		subs := make([]func(Snapshot), 0, len(v.subs))
		for _, fn := range v.subs {
			subs = append(subs, fn)
		}
		v.mu.Unlock()
		for _, fn := range subs {
			fn(snap)
		}
	}
}

// fail logs and records err. The returned snapshot carries err.
func (v *View) fail(ctx context.Context, op string, err error) Snapshot {
	ctxlog.Logger(ctx, v.logger).Info(
		logkeys.Operation, op,
		logkeys.Kind, v.kind,
		logkeys.Error, err,
	)
	return v.set(func(s *Snapshot) { s.Err = err })
}

// load reloads records and stats and returns the snapshots to publish.
// opMu must be held.
func (v *View) load(ctx context.Context) ([]Snapshot, error) {
	snaps := []Snapshot{v.set(func(s *Snapshot) { s.State = Loading })}

	all, err := v.svc.GetAll(ctx, v.kind)
	var stats *records.Stats
	if err == nil {
		stats, err = v.svc.GetStats(ctx, v.kind)
	}
	if err != nil {
		ctxlog.Logger(ctx, v.logger).Info(
			logkeys.Operation, "load",
			logkeys.Kind, v.kind,
			logkeys.Error, err,
		)
		return append(snaps, v.set(func(s *Snapshot) {
			// a failed initial load leaves the view idle so the next read retries
			s.State = Idle
			if v.loaded {
				s.State = Ready
			}
			s.Err = err
		})), err
	}

	snap := v.set(func(s *Snapshot) {
		v.loaded = true
		s.State = Ready
		s.Records = all
		s.Stats = stats
		s.Err = nil
	})
	ctxlog.Logger(ctx, v.logger).Debug(
		logkeys.Message, "loaded view",
		logkeys.Kind, v.kind,
		logkeys.GenericCount, len(snap.Records),
	)
	return append(snaps, snap), nil
}

// ensureLoaded performs the initial load if it has not succeeded yet.
func (v *View) ensureLoaded(ctx context.Context) error {
	v.opMu.Lock()
	v.mu.RLock()
	loaded := v.loaded
	v.mu.RUnlock()
	if loaded {
		v.opMu.Unlock()
		return nil
	}
	snaps, err := v.load(ctx)
	v.opMu.Unlock()
	v.publish(snaps...)
	return err
}

// Load performs the initial load if needed and returns the snapshot.
func (v *View) Load(ctx context.Context) (Snapshot, error) {
	err := v.ensureLoaded(ctx)
	return v.Snapshot(), err
}

// Refresh reloads the view unconditionally.
func (v *View) Refresh(ctx context.Context) error {
	v.opMu.Lock()
	snaps, err := v.load(ctx)
	v.opMu.Unlock()
	v.publish(snaps...)
	return err
}

// mutate runs f then reloads the view. Subscribers see the reloaded
// snapshot before mutate returns.
func (v *View) mutate(ctx context.Context, op string, f func() error) error {
	v.opMu.Lock()
	var snaps []Snapshot
	err := f()
	if err != nil {
		snaps = append(snaps, v.fail(ctx, op, err))
	} else {
		snaps, err = v.load(ctx)
	}
	v.opMu.Unlock()
	v.publish(snaps...)
	return err
}

// Save saves payload as a record and returns its ID.
func (v *View) Save(ctx context.Context, payload any, id string) (string, error) {
	var newID string
	err := v.mutate(ctx, "save", func() (err error) {
		newID, err = v.svc.Save(ctx, v.kind, payload, id)
		return
	})
	return newID, err
}

// Update replaces the payload of the record with id.
func (v *View) Update(ctx context.Context, id string, payload any) (*storage.Record, error) {
	var r *storage.Record
	err := v.mutate(ctx, "update", func() (err error) {
		r, err = v.svc.Update(ctx, v.kind, id, payload)
		return
	})
	return r, err
}

// Remove deletes the record with id.
func (v *View) Remove(ctx context.Context, id string) error {
	return v.mutate(ctx, "delete", func() error {
		return v.svc.Delete(ctx, v.kind, id)
	})
}

// Clear deletes every record of the view's kind.
func (v *View) Clear(ctx context.Context) error {
	return v.mutate(ctx, "clear", func() error {
		return v.svc.ClearAll(ctx, v.kind)
	})
}

// GetByID returns the record with id or nil if it does not exist.
func (v *View) GetByID(ctx context.Context, id string) (*storage.Record, error) {
	if err := v.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r, err := v.svc.GetByID(ctx, v.kind, id)
	if err != nil {
		v.publish(v.fail(ctx, "get", err))
		return nil, err
	}
	return r, nil
}

// Search returns the records matching every filter.
func (v *View) Search(ctx context.Context, filters map[string]any) ([]*storage.Record, error) {
	if err := v.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	found, err := v.svc.Search(ctx, v.kind, filters)
	if err != nil {
		v.publish(v.fail(ctx, "search", err))
		return nil, err
	}
	return found, nil
}

// Stats returns the cached statistics, loading the view first if needed.
func (v *View) Stats(ctx context.Context) (*records.Stats, error) {
	snap, err := v.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Stats, nil
}
