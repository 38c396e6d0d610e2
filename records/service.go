// Package records implements the WorkFlowZen storage service: typed record
// CRUD, search, statistics, backup and app state on top of a storage backend.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/workflowzen/wfzen/logkeys"
	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/utils/uuid"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"golang.org/x/sync/singleflight"
)

// Opener opens a storage backend.
type Opener func(ctx context.Context) (storage.Storage, error)

// Validator checks a payload for kind before it is saved.
type Validator func(kind storage.Kind, payload json.RawMessage) error

// Stats summarizes the records of a kind.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

// UnknownStatus groups records with an empty status in Stats.
const UnknownStatus = "unknown"

// Service is the storage service.
// The backend is opened once on first use and shared by every operation.
type Service struct {
	open     Opener
	logger   log.Logger
	validate Validator
	ider     uuid.IDer
	now      func() time.Time

	mu    sync.RWMutex
	store storage.Storage
	group singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithValidator validates payloads on Save and Update.
func WithValidator(v Validator) Option {
	return func(s *Service) {
		s.validate = v
	}
}

// WithIDer sets the generator of record IDs.
func WithIDer(ider uuid.IDer) Option {
	return func(s *Service) {
		s.ider = ider
	}
}

// WithNow sets the clock used for record timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a new storage service that opens its backend using open.
func New(open Opener, opts ...Option) *Service {
	s := &Service{
		open:   open,
		logger: log.NopLogger,
		ider:   uuid.NewTimestampIDs(nil),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init opens and migrates the backend if it is not yet open.
// It is safe to call concurrently and repeatedly.
func (s *Service) Init(ctx context.Context) error {
	_, err := s.backend(ctx)
	return err
}

func (s *Service) backend(ctx context.Context) (storage.Storage, error) {
	s.mu.RLock()
	st := s.store
	s.mu.RUnlock()
	if st != nil {
		return st, nil
	}
	v, err, _ := s.group.Do("init", func() (interface{}, error) {
		s.mu.RLock()
		st := s.store
		s.mu.RUnlock()
		if st != nil {
			return st, nil
		}
		st, err := s.open(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
		}
		if m, ok := st.(storage.Migrator); ok {
			if err = m.Migrate(ctx); err != nil {
				if c, ok := st.(io.Closer); ok {
					c.Close()
				}
				return nil, fmt.Errorf("%w: migrate: %w", storage.ErrStorageUnavailable, err)
			}
		}
		s.mu.Lock()
		s.store = st
		s.mu.Unlock()
		ctxlog.Logger(ctx, s.logger).Debug(logkeys.Message, "storage opened")
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(storage.Storage), nil
}

// Close closes the backend if it is open. A later operation reopens it.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.store
	s.store = nil
	if c, ok := st.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidPayload, err)
		}
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", storage.ErrInvalidPayload)
	}
	return raw, nil
}

// payloadStatus returns payload.status if it is a non-empty string, else fallback.
func payloadStatus(payload json.RawMessage, fallback string) string {
	var p struct {
		Status any `json:"status"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fallback
	}
	if status, ok := p.Status.(string); ok && status != "" {
		return status
	}
	return fallback
}

func (s *Service) checkPayload(kind storage.Kind, payload any) (json.RawMessage, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if s.validate != nil {
		if err = s.validate(kind, raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func checkKind(kind storage.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", storage.ErrInvalidKind, kind)
	}
	return nil
}

// Save stores payload as a new record of kind and returns its ID.
// If id is empty a new ID is generated. An existing record with the
// same ID is fully replaced.
func (s *Service) Save(ctx context.Context, kind storage.Kind, payload any, id string) (string, error) {
	if err := checkKind(kind); err != nil {
		return "", opErr("save", string(kind), err)
	}
	raw, err := s.checkPayload(kind, payload)
	if err != nil {
		return "", opErr("save", string(kind), err)
	}
	st, err := s.backend(ctx)
	if err != nil {
		return "", opErr("save", string(kind), err)
	}
	if id == "" {
		id = s.ider.ID()
	}
	now := s.now()
	r := &storage.Record{
		ID:        id,
		Kind:      kind,
		Payload:   raw,
		Status:    payloadStatus(raw, storage.DefaultStatus),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = st.StoreRecord(ctx, r); err != nil {
		return "", opErr("save", string(kind), err)
	}
	ctxlog.Logger(ctx, s.logger).Debug(
		logkeys.Message, "saved record",
		logkeys.Kind, kind,
		logkeys.RecordID, id,
	)
	return id, nil
}

// sortRecords orders records newest first by creation time, then by ID descending.
func sortRecords(records []*storage.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// GetAll returns every record of kind, newest first.
func (s *Service) GetAll(ctx context.Context, kind storage.Kind) ([]*storage.Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, opErr("load", string(kind), err)
	}
	st, err := s.backend(ctx)
	if err != nil {
		return nil, opErr("load", string(kind), err)
	}
	records, err := st.RetrieveRecords(ctx, kind)
	if err != nil {
		return nil, opErr("load", string(kind), err)
	}
	sortRecords(records)
	return records, nil
}

// GetByID returns the record of kind with id.
// A nil record and nil error are returned if it does not exist.
func (s *Service) GetByID(ctx context.Context, kind storage.Kind, id string) (*storage.Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, opErr("get", string(kind), err)
	}
	st, err := s.backend(ctx)
	if err != nil {
		return nil, opErr("get", string(kind), err)
	}
	r, err := st.RetrieveRecord(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, opErr("get", string(kind), err)
	}
	return r, nil
}

// Update replaces the payload of the existing record of kind with id.
// The status is recomputed from payload and keeps its prior value if
// payload has none. storage.ErrNotFound is returned if the record does
// not exist.
func (s *Service) Update(ctx context.Context, kind storage.Kind, id string, payload any) (*storage.Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, opErr("update", string(kind), err)
	}
	raw, err := s.checkPayload(kind, payload)
	if err != nil {
		return nil, opErr("update", string(kind), err)
	}
	st, err := s.backend(ctx)
	if err != nil {
		return nil, opErr("update", string(kind), err)
	}
	r, err := st.RetrieveRecord(ctx, kind, id)
	if err != nil {
		return nil, opErr("update", string(kind), err)
	}
	now := s.now()
	if !now.After(r.UpdatedAt) {
		// updatedAt strictly increases even with a coarse or frozen clock
		now = r.UpdatedAt.Add(time.Nanosecond)
	}
	r.Payload = raw
	r.Status = payloadStatus(raw, r.Status)
	r.UpdatedAt = now
	if err = st.StoreRecord(ctx, r); err != nil {
		return nil, opErr("update", string(kind), err)
	}
	ctxlog.Logger(ctx, s.logger).Debug(
		logkeys.Message, "updated record",
		logkeys.Kind, kind,
		logkeys.RecordID, id,
	)
	return r, nil
}

// Delete deletes the record of kind with id.
// Deleting a record that does not exist is not an error.
func (s *Service) Delete(ctx context.Context, kind storage.Kind, id string) error {
	if err := checkKind(kind); err != nil {
		return opErr("delete", string(kind), err)
	}
	st, err := s.backend(ctx)
	if err != nil {
		return opErr("delete", string(kind), err)
	}
	if err = st.DeleteRecord(ctx, kind, id); err != nil {
		return opErr("delete", string(kind), err)
	}
	ctxlog.Logger(ctx, s.logger).Debug(
		logkeys.Message, "deleted record",
		logkeys.Kind, kind,
		logkeys.RecordID, id,
	)
	return nil
}

// Search returns the records of kind matching every filter, newest first.
//
// The StatusFilter key matches the record status exactly. Every other
// key is a dot separated path into the payload; numeric segments index
// arrays. Strings match case-insensitively by substring, everything
// else by equality of the JSON values.
func (s *Service) Search(ctx context.Context, kind storage.Kind, filters map[string]any) ([]*storage.Record, error) {
	compiled, err := compileFilters(filters)
	if err != nil {
		return nil, opErr("search", string(kind), err)
	}
	all, err := s.GetAll(ctx, kind)
	if err != nil {
		var oe *OperationError
		if errors.As(err, &oe) {
			oe.Op = "search"
		}
		return nil, err
	}
	var matched []*storage.Record
	for _, r := range all {
		if matchAll(r, compiled) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// GetStats counts the records of kind in total and by status.
func (s *Service) GetStats(ctx context.Context, kind storage.Kind) (*Stats, error) {
	if err := checkKind(kind); err != nil {
		return nil, opErr("count", string(kind), err)
	}
	st, err := s.backend(ctx)
	if err != nil {
		return nil, opErr("count", string(kind), err)
	}
	records, err := st.RetrieveRecords(ctx, kind)
	if err != nil {
		return nil, opErr("count", string(kind), err)
	}
	stats := &Stats{Total: len(records), ByStatus: make(map[string]int)}
	for _, r := range records {
		status := r.Status
		if status == "" {
			status = UnknownStatus
		}
		stats.ByStatus[status]++
	}
	return stats, nil
}

// ClearAll deletes every record of kinds.
// If no kinds are given every store, including the app state, is cleared.
func (s *Service) ClearAll(ctx context.Context, kinds ...storage.Kind) error {
	all := len(kinds) == 0
	if all {
		kinds = storage.Kinds
	}
	for _, kind := range kinds {
		if err := checkKind(kind); err != nil {
			return opErr("clear", string(kind), err)
		}
	}
	st, err := s.backend(ctx)
	if err != nil {
		return opErr("clear", "all", err)
	}
	for _, kind := range kinds {
		if err = st.ClearRecords(ctx, kind); err != nil {
			return opErr("clear", string(kind), err)
		}
	}
	if all {
		if err = st.ClearAppState(ctx); err != nil {
			return opErr("clear", storage.AppStateStore, err)
		}
	}
	ctxlog.Logger(ctx, s.logger).Debug(
		logkeys.Message, "cleared stores",
		logkeys.GenericCount, len(kinds),
	)
	return nil
}

// GetAppState unmarshals the app state value for key into v.
// found is false if the key has never been set.
func (s *Service) GetAppState(ctx context.Context, key string, v any) (found bool, err error) {
	st, err := s.backend(ctx)
	if err != nil {
		return false, opErr("load", storage.AppStateStore, err)
	}
	raw, err := st.RetrieveAppState(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, opErr("load", storage.AppStateStore, err)
	}
	if err = json.Unmarshal(raw, v); err != nil {
		ctxlog.Logger(ctx, s.logger).Info(
			logkeys.Message, "decoding app state",
			logkeys.StateKey, key,
			logkeys.Error, err,
		)
		return true, opErr("load", storage.AppStateStore, fmt.Errorf("unmarshal %s: %w", key, err))
	}
	return true, nil
}

// SetAppState marshals v and stores it as the app state value for key.
func (s *Service) SetAppState(ctx context.Context, key string, v any) error {
	return s.SetAppStates(ctx, map[string]any{key: v})
}

// SetAppStates stores every value in values under its key.
func (s *Service) SetAppStates(ctx context.Context, values map[string]any) error {
	entries := make([]storage.AppState, 0, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return opErr("save", storage.AppStateStore, fmt.Errorf("marshal %s: %w", k, err))
		}
		entries = append(entries, storage.AppState{Key: k, Value: raw})
	}
	st, err := s.backend(ctx)
	if err != nil {
		return opErr("save", storage.AppStateStore, err)
	}
	if len(entries) != 1 {
		return opErr("save", storage.AppStateStore, st.StoreAppStates(ctx, entries))
	}
	if err = st.StoreAppState(ctx, entries[0].Key, entries[0].Value); err != nil {
		return opErr("save", storage.AppStateStore, err)
	}
	ctxlog.Logger(ctx, s.logger).Debug(
		logkeys.Message, "stored app state",
		logkeys.StateKey, entries[0].Key,
	)
	return nil
}
