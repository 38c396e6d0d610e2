// Package kv implements a storage backend using JSON with key-value storage.
// Every store (each record kind and the app state) is its own bucket.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/workflowzen/wfzen/storage"

	"github.com/micromdm/nanolib/storage/kv"
	"github.com/micromdm/nanolib/storage/kv/kvtxn"
)

const (
	metaBucket     = "meta"
	keyMetaSchema  = "schema"
	keyMetaVersion = "version"
)

// KV is a storage backend using JSON with key-value storage.
type KV struct {
	mu      sync.RWMutex
	buckets map[string]*kvtxn.KVTxn
	meta    kv.Bucket
}

// New creates a new storage backend.
// newBucket is called once per store name and once for the "meta" bucket.
// Store buckets are wrapped for multi-key transactions.
func New(newBucket func(name string) kv.Bucket) *KV {
	s := &KV{
		buckets: make(map[string]*kvtxn.KVTxn),
		meta:    newBucket(metaBucket),
	}
	for _, name := range storage.StoreNames() {
		s.buckets[name] = kvtxn.New(newBucket(name))
	}
	return s
}

// getAll returns every key and value in b.
func getAll(ctx context.Context, b kv.Bucket) (map[string][]byte, error) {
	all := make(map[string][]byte)
	for _, k := range kv.AllKeys(ctx, b) {
		v, err := b.Get(ctx, k)
		if errors.Is(err, kv.ErrKeyNotFound) {
			// deleted while traversing
			continue
		} else if err != nil {
			return all, fmt.Errorf("getting key %s: %w", k, err)
		}
		all[k] = v
	}
	return all, nil
}

// clearBucket deletes every key in b within a single transaction.
func clearBucket(ctx context.Context, b kv.BucketTxnBeginner) error {
	return kv.PerformBucketTxn(ctx, b, func(ctx context.Context, txn kv.Bucket) error {
		return kv.DeleteSlice(ctx, txn, kv.AllKeys(ctx, txn))
	})
}

func (s *KV) bucket(kind storage.Kind) (*kvtxn.KVTxn, error) {
	b, ok := s.buckets[string(kind)]
	if !ok || kind == storage.AppStateStore {
		return nil, fmt.Errorf("%w: %q", storage.ErrInvalidKind, kind)
	}
	return b, nil
}

// Migrate records the schema version in the meta bucket.
func (s *KV) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.meta.Get(ctx, keyMetaVersion)
	if err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if err == nil {
		have, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("parsing schema version: %w", err)
		}
		if err = storage.CheckSchemaVersion(have); err != nil {
			return err
		}
		if have == storage.SchemaVersion {
			return nil
		}
	}
	return kv.SetMap(ctx, s.meta, map[string][]byte{
		keyMetaSchema:  []byte(storage.SchemaName),
		keyMetaVersion: []byte(strconv.Itoa(storage.SchemaVersion)),
	})
}

func setRecord(ctx context.Context, b kv.Bucket, r *storage.Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.Set(ctx, r.ID, raw)
}

// StoreRecord marshals r into JSON and stores it by ID in the bucket for its kind.
func (s *KV) StoreRecord(ctx context.Context, r *storage.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	b, err := s.bucket(r.Kind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setRecord(ctx, b, r)
}

// StoreRecords stores each record in the bucket for kind.
// Records are validated before any are written.
func (s *KV) StoreRecords(ctx context.Context, kind storage.Kind, records []*storage.Record) error {
	b, err := s.bucket(kind)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err = r.Validate(); err != nil {
			return err
		}
		if r.Kind != kind {
			return fmt.Errorf("%w: record %s has kind %s, not %s", storage.ErrInvalidRecord, r.ID, r.Kind, kind)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return kv.PerformBucketTxn(ctx, b, func(ctx context.Context, txn kv.Bucket) error {
		for _, r := range records {
			if err := setRecord(ctx, txn, r); err != nil {
				return fmt.Errorf("storing record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// RetrieveRecord unmarshals the JSON stored using id.
func (s *KV) RetrieveRecord(ctx context.Context, kind storage.Kind, id string) (*storage.Record, error) {
	b, err := s.bucket(kind)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := b.Get(ctx, id)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s %s", storage.ErrNotFound, kind, id)
	} else if err != nil {
		return nil, err
	}
	r := new(storage.Record)
	return r, json.Unmarshal(raw, r)
}

// RetrieveRecords unmarshals every record in the bucket for kind.
func (s *KV) RetrieveRecords(ctx context.Context, kind storage.Kind) ([]*storage.Record, error) {
	b, err := s.bucket(kind)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := getAll(ctx, b)
	if err != nil {
		return nil, err
	}
	records := make([]*storage.Record, 0, len(all))
	for id, raw := range all {
		r := new(storage.Record)
		if err = json.Unmarshal(raw, r); err != nil {
			return records, fmt.Errorf("unmarshal record %s: %w", id, err)
		}
		records = append(records, r)
	}
	return records, nil
}

// DeleteRecord deletes the JSON stored using id.
func (s *KV) DeleteRecord(ctx context.Context, kind storage.Kind, id string) error {
	b, err := s.bucket(kind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return b.Delete(ctx, id)
}

// ClearRecords deletes every key in the bucket for kind.
func (s *KV) ClearRecords(ctx context.Context, kind storage.Kind) error {
	b, err := s.bucket(kind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return clearBucket(ctx, b)
}

// StoreAppState stores value using key.
func (s *KV) StoreAppState(ctx context.Context, key string, value json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("%w: empty app state key", storage.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[storage.AppStateStore].Set(ctx, key, value)
}

// StoreAppStates stores every entry.
func (s *KV) StoreAppStates(ctx context.Context, entries []storage.AppState) error {
	m := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.Key == "" {
			return fmt.Errorf("%w: empty app state key", storage.ErrInvalidRecord)
		}
		m[e.Key] = e.Value
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return kv.PerformBucketTxn(ctx, s.buckets[storage.AppStateStore], func(ctx context.Context, txn kv.Bucket) error {
		return kv.SetMap(ctx, txn, m)
	})
}

// RetrieveAppState returns the value stored using key.
func (s *KV) RetrieveAppState(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.buckets[storage.AppStateStore].Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: app state %s", storage.ErrNotFound, key)
	}
	return v, err
}

// RetrieveAppStates returns every app state entry.
func (s *KV) RetrieveAppStates(ctx context.Context) ([]storage.AppState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := getAll(ctx, s.buckets[storage.AppStateStore])
	if err != nil {
		return nil, err
	}
	entries := make([]storage.AppState, 0, len(all))
	for k, v := range all {
		entries = append(entries, storage.AppState{Key: k, Value: v})
	}
	return entries, nil
}

// ClearAppState deletes every app state entry.
func (s *KV) ClearAppState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clearBucket(ctx, s.buckets[storage.AppStateStore])
}
