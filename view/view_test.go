package view

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/workflowzen/wfzen/records"
	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/storage/inmem"
)

func newService() *records.Service {
	st := inmem.New()
	return records.New(func(context.Context) (storage.Storage, error) { return st, nil })
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []State
	for _, s := range r.snaps {
		states = append(states, s.State)
	}
	return states
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func TestViewLifecycle(t *testing.T) {
	ctx := context.Background()
	v := New(newService(), storage.KindConsultation)
	rec := new(recorder)
	unsubscribe := v.Subscribe(rec.record)

	if have, want := v.Snapshot().State, Idle; have != want {
		t.Fatalf("initial state: have %v, want %v", have, want)
	}

	// first read triggers the initial load
	if _, err := v.Search(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if have, want := rec.states(), []State{Loading, Ready}; !reflect.DeepEqual(have, want) {
		t.Errorf("states after first read: have %v, want %v", have, want)
	}

	// reads after the initial load do not reload
	if _, err := v.GetByID(ctx, "missing"); err != nil {
		t.Fatal(err)
	}
	if have := len(rec.states()); have != 2 {
		t.Errorf("read reloaded the view: %d snapshots", have)
	}

	id, err := v.Save(ctx, map[string]string{"clientName": "Acme", "status": "pending"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := rec.states(), []State{Loading, Ready, Loading, Ready}; !reflect.DeepEqual(have, want) {
		t.Errorf("states after save: have %v, want %v", have, want)
	}

	// the fresh snapshot is published before Save returns
	snap := rec.last()
	if len(snap.Records) != 1 || snap.Records[0].ID != id {
		t.Fatalf("snapshot records: have %v", snap.Records)
	}
	if snap.Stats == nil || snap.Stats.Total != 1 || snap.Stats.ByStatus["pending"] != 1 {
		t.Errorf("snapshot stats: have %+v", snap.Stats)
	}

	if _, err = v.Update(ctx, id, map[string]string{"clientName": "Acme", "status": "done"}); err != nil {
		t.Fatal(err)
	}
	if have, want := rec.last().Records[0].Status, "done"; have != want {
		t.Errorf("status after update: have %q, want %q", have, want)
	}

	if err = v.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	if have := len(rec.last().Records); have != 0 {
		t.Errorf("records after remove: have %d", have)
	}

	unsubscribe()
	n := len(rec.states())
	if err = v.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if have := len(rec.states()); have != n {
		t.Error("unsubscribed func still called")
	}
}

func TestSubscriberReadsView(t *testing.T) {
	ctx := context.Background()
	v := New(newService(), storage.KindDocument)

	var totals []int
	v.Subscribe(func(s Snapshot) {
		if s.State != Ready {
			return
		}
		// reading back from a subscriber must not block on the view
		stats, err := v.Stats(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		if _, err = v.Search(ctx, map[string]any{"title": "a"}); err != nil {
			t.Error(err)
		}
		totals = append(totals, stats.Total)
	})

	done := make(chan error, 1)
	go func() {
		_, err := v.Save(ctx, map[string]string{"title": "a"}, "")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("save blocked on subscriber")
	}
	if have, want := totals, []int{1}; !reflect.DeepEqual(have, want) {
		t.Errorf("totals seen by subscriber: have %v, want %v", have, want)
	}
}

func TestViewClear(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	docs := New(svc, storage.KindDocument)
	consults := New(svc, storage.KindConsultation)

	if _, err := docs.Save(ctx, map[string]string{"title": "a"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := consults.Save(ctx, map[string]string{"clientName": "b"}, ""); err != nil {
		t.Fatal(err)
	}
	if err := docs.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if have := len(docs.Snapshot().Records); have != 0 {
		t.Errorf("documents after clear: %d", have)
	}
	if err := consults.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if have := len(consults.Snapshot().Records); have != 1 {
		t.Errorf("consultations after clearing documents: %d", have)
	}
}

type failingService struct {
	Service
	err error
}

func (f *failingService) Update(context.Context, storage.Kind, string, any) (*storage.Record, error) {
	return nil, f.err
}

func TestViewMutationFailure(t *testing.T) {
	ctx := context.Background()
	errBoom := errors.New("boom")
	v := New(&failingService{Service: newService(), err: errBoom}, storage.KindPurchaseOrder)
	rec := new(recorder)
	v.Subscribe(rec.record)

	if _, err := v.Load(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := v.Update(ctx, "po-1", map[string]string{})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected error returned, have %v", err)
	}
	snap := rec.last()
	if !errors.Is(snap.Err, errBoom) {
		t.Errorf("expected error published, have %v", snap.Err)
	}
	if have, want := snap.State, Ready; have != want {
		t.Errorf("state: have %v, want %v", have, want)
	}

	// a later successful mutation clears the error
	if _, err = v.Save(ctx, map[string]string{"poNumber": "PO-1"}, ""); err != nil {
		t.Fatal(err)
	}
	if err = v.Snapshot().Err; err != nil {
		t.Errorf("error not cleared: %v", err)
	}
}

func TestViewLoadFailureRetries(t *testing.T) {
	ctx := context.Background()
	fail := true
	st := inmem.New()
	svc := records.New(func(context.Context) (storage.Storage, error) {
		if fail {
			return nil, errors.New("offline")
		}
		return st, nil
	})
	v := New(svc, storage.KindDocument)

	if _, err := v.Stats(ctx); !errors.Is(err, storage.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, have %v", err)
	}
	if have, want := v.Snapshot().State, Idle; have != want {
		t.Errorf("state after failed load: have %v, want %v", have, want)
	}

	fail = false
	stats, err := v.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 {
		t.Errorf("total: have %d, want 0", stats.Total)
	}
	if have, want := v.Snapshot().State, Ready; have != want {
		t.Errorf("state: have %v, want %v", have, want)
	}
}

func TestSetStats(t *testing.T) {
	ctx := context.Background()
	set := NewSet(newService())

	if _, err := set.View(storage.KindInvoiceReceipt).Save(ctx, map[string]string{"invoiceNumber": "1"}, ""); err != nil {
		t.Fatal(err)
	}
	stats, err := set.Stats(ctx, storage.KindInvoiceReceipt)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Errorf("total: have %d, want 1", stats.Total)
	}
	if _, err = set.Stats(ctx, storage.Kind("memo")); !errors.Is(err, storage.ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, have %v", err)
	}
	if set.View(storage.Kind("memo")) != nil {
		t.Error("expected nil view for invalid kind")
	}
}
