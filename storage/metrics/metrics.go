// Package metrics wraps a storage backend with Prometheus instrumentation.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/workflowzen/wfzen/storage"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "wfzen"
	subsystem = "storage"
)

// Metrics holds the registered storage collectors.
// One Metrics may wrap any number of backends over its lifetime.
type Metrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the storage collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Number of storage operations, labeled by operation, store and result.",
		}, []string{"op", "store", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Time spent in storage operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op", "store"}),
	}
	for _, c := range []prometheus.Collector{m.ops, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Wrap instruments next with m.
func (m *Metrics) Wrap(next storage.Storage) *Storage {
	return &Storage{m: m, next: next}
}

// Storage is a storage.Storage that records the count, outcome and
// latency of every call to the wrapped backend.
type Storage struct {
	m    *Metrics
	next storage.Storage
}

// New wraps next and registers its collectors with reg.
func New(next storage.Storage, reg prometheus.Registerer) (*Storage, error) {
	m, err := NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	return m.Wrap(next), nil
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (s *Storage) observe(op, store string, start time.Time, err error) {
	s.m.ops.WithLabelValues(op, store, result(err)).Inc()
	s.m.duration.WithLabelValues(op, store).Observe(time.Since(start).Seconds())
}

// Migrate migrates the wrapped backend if it supports migration.
func (s *Storage) Migrate(ctx context.Context) (err error) {
	m, ok := s.next.(storage.Migrator)
	if !ok {
		return nil
	}
	defer func(start time.Time) { s.observe("migrate", "meta", start, err) }(time.Now())
	return m.Migrate(ctx)
}

// Close closes the wrapped backend if it can be closed.
func (s *Storage) Close() error {
	if c, ok := s.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Storage) StoreRecord(ctx context.Context, r *storage.Record) (err error) {
	var store string
	if r != nil {
		store = string(r.Kind)
	}
	defer func(start time.Time) { s.observe("store", store, start, err) }(time.Now())
	return s.next.StoreRecord(ctx, r)
}

func (s *Storage) StoreRecords(ctx context.Context, kind storage.Kind, records []*storage.Record) (err error) {
	defer func(start time.Time) { s.observe("store_bulk", string(kind), start, err) }(time.Now())
	return s.next.StoreRecords(ctx, kind, records)
}

func (s *Storage) RetrieveRecord(ctx context.Context, kind storage.Kind, id string) (r *storage.Record, err error) {
	defer func(start time.Time) { s.observe("retrieve", string(kind), start, err) }(time.Now())
	return s.next.RetrieveRecord(ctx, kind, id)
}

func (s *Storage) RetrieveRecords(ctx context.Context, kind storage.Kind) (records []*storage.Record, err error) {
	defer func(start time.Time) { s.observe("retrieve_all", string(kind), start, err) }(time.Now())
	return s.next.RetrieveRecords(ctx, kind)
}

func (s *Storage) DeleteRecord(ctx context.Context, kind storage.Kind, id string) (err error) {
	defer func(start time.Time) { s.observe("delete", string(kind), start, err) }(time.Now())
	return s.next.DeleteRecord(ctx, kind, id)
}

func (s *Storage) ClearRecords(ctx context.Context, kind storage.Kind) (err error) {
	defer func(start time.Time) { s.observe("clear", string(kind), start, err) }(time.Now())
	return s.next.ClearRecords(ctx, kind)
}

func (s *Storage) StoreAppState(ctx context.Context, key string, value json.RawMessage) (err error) {
	defer func(start time.Time) { s.observe("store", storage.AppStateStore, start, err) }(time.Now())
	return s.next.StoreAppState(ctx, key, value)
}

func (s *Storage) StoreAppStates(ctx context.Context, entries []storage.AppState) (err error) {
	defer func(start time.Time) { s.observe("store_bulk", storage.AppStateStore, start, err) }(time.Now())
	return s.next.StoreAppStates(ctx, entries)
}

func (s *Storage) RetrieveAppState(ctx context.Context, key string) (v json.RawMessage, err error) {
	defer func(start time.Time) { s.observe("retrieve", storage.AppStateStore, start, err) }(time.Now())
	return s.next.RetrieveAppState(ctx, key)
}

func (s *Storage) RetrieveAppStates(ctx context.Context) (entries []storage.AppState, err error) {
	defer func(start time.Time) { s.observe("retrieve_all", storage.AppStateStore, start, err) }(time.Now())
	return s.next.RetrieveAppStates(ctx)
}

func (s *Storage) ClearAppState(ctx context.Context) (err error) {
	defer func(start time.Time) { s.observe("clear", storage.AppStateStore, start, err) }(time.Now())
	return s.next.ClearAppState(ctx)
}
