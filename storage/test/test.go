// Package test provides a behavioural test suite shared by storage backends.
package test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/workflowzen/wfzen/storage"
)

func newRecord(kind storage.Kind, id, payload string, created time.Time) *storage.Record {
	return &storage.Record{
		ID:        id,
		Kind:      kind,
		Payload:   json.RawMessage(payload),
		Status:    storage.DefaultStatus,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// equalRecords compares records field by field (times by instant, payload by JSON value).
func equalRecords(t *testing.T, want, have *storage.Record) {
	t.Helper()
	if have == nil {
		t.Fatal("nil record")
	}
	if have.ID != want.ID || have.Kind != want.Kind || have.Status != want.Status {
		t.Errorf("record mismatch: have %s/%s/%s, want %s/%s/%s", have.Kind, have.ID, have.Status, want.Kind, want.ID, want.Status)
	}
	if !have.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("createdAt: have %v, want %v", have.CreatedAt, want.CreatedAt)
	}
	if !have.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("updatedAt: have %v, want %v", have.UpdatedAt, want.UpdatedAt)
	}
	if !jsonEqual(t, want.Payload, have.Payload) {
		t.Errorf("payload: have %s, want %s", have.Payload, want.Payload)
	}
}

func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()
	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatal(err)
	}
	ra, _ := json.Marshal(va)
	rb, _ := json.Marshal(vb)
	return string(ra) == string(rb)
}

func ids(records []*storage.Record) []string {
	var r []string
	for _, rec := range records {
		r = append(r, rec.ID)
	}
	sort.Strings(r)
	return r
}

// TestStorage runs the shared backend suite against a fresh storage from newStorage.
func TestStorage(t *testing.T, newStorage func() storage.Storage) {
	s := newStorage()
	ctx := context.Background()

	if m, ok := s.(storage.Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			t.Fatal(err)
		}
		// migrating twice is a no-op
		if err := m.Migrate(ctx); err != nil {
			t.Fatal(err)
		}
	}

	for _, kind := range storage.Kinds {
		if err := s.ClearRecords(ctx, kind); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.ClearAppState(ctx); err != nil {
		t.Fatal(err)
	}

	t.Run("records", func(t *testing.T) {
		testRecords(t, ctx, s)
	})

	t.Run("kindIsolation", func(t *testing.T) {
		testKindIsolation(t, ctx, s)
	})

	t.Run("bulk", func(t *testing.T) {
		testBulk(t, ctx, s)
	})

	t.Run("appState", func(t *testing.T) {
		testAppState(t, ctx, s)
	})

	t.Run("invalidIDs", func(t *testing.T) {
		testInvalidIDs(t, ctx, s)
	})
}

func testInvalidIDs(t *testing.T, ctx context.Context, s storage.Storage) {
	created := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"a/b", `a\b`, "..", "a\tb"} {
		r := newRecord(storage.KindDocument, id, `{"title":"x"}`, created)
		if err := s.StoreRecord(ctx, r); !errors.Is(err, storage.ErrInvalidRecord) {
			t.Errorf("store %q: expected ErrInvalidRecord, have %v", id, err)
		}
		err := s.StoreRecords(ctx, storage.KindDocument, []*storage.Record{r})
		if !errors.Is(err, storage.ErrInvalidRecord) {
			t.Errorf("bulk store %q: expected ErrInvalidRecord, have %v", id, err)
		}
	}
	all, err := s.RetrieveRecords(ctx, storage.KindDocument)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("expected no records stored, have %v", ids(all))
	}
}

func testRecords(t *testing.T, ctx context.Context, s storage.Storage) {
	created := time.Date(2024, 3, 1, 9, 30, 0, 123456789, time.UTC)
	r := newRecord(storage.KindConsultation, "1709285400123-abc123xyz", `{"clientName":"Acme","status":"pending"}`, created)
	r.Status = "pending"

	if err := s.StoreRecord(ctx, r); err != nil {
		t.Fatal(err)
	}

	r2, err := s.RetrieveRecord(ctx, storage.KindConsultation, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	equalRecords(t, r, r2)

	// full replace
	r3 := newRecord(storage.KindConsultation, r.ID, `{"clientName":"Globex"}`, created.Add(time.Hour))
	if err = s.StoreRecord(ctx, r3); err != nil {
		t.Fatal(err)
	}
	r2, err = s.RetrieveRecord(ctx, storage.KindConsultation, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	equalRecords(t, r3, r2)

	// second record
	other := newRecord(storage.KindConsultation, "2-b", `{"clientName":"Initech"}`, created)
	if err = s.StoreRecord(ctx, other); err != nil {
		t.Fatal(err)
	}

	all, err := s.RetrieveRecords(ctx, storage.KindConsultation)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := ids(all), []string{r.ID, other.ID}; len(have) != 2 || have[0] != "1709285400123-abc123xyz" || have[1] != "2-b" {
		t.Errorf("ids: have %v, want %v", have, want)
	}

	// invalid records
	if err = s.StoreRecord(ctx, &storage.Record{Kind: storage.KindConsultation}); err == nil {
		t.Error("expected error for missing id")
	}
	if err = s.StoreRecord(ctx, nil); err == nil {
		t.Error("expected error for nil record")
	}

	// delete is idempotent
	if err = s.DeleteRecord(ctx, storage.KindConsultation, r.ID); err != nil {
		t.Fatal(err)
	}
	if err = s.DeleteRecord(ctx, storage.KindConsultation, r.ID); err != nil {
		t.Fatal(err)
	}

	_, err = s.RetrieveRecord(ctx, storage.KindConsultation, r.ID)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, have %v", err)
	}

	if err = s.ClearRecords(ctx, storage.KindConsultation); err != nil {
		t.Fatal(err)
	}
	all, err = s.RetrieveRecords(ctx, storage.KindConsultation)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("expected no records after clear, have %d", len(all))
	}
}

func testKindIsolation(t *testing.T, ctx context.Context, s storage.Storage) {
	created := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	po := newRecord(storage.KindPurchaseOrder, "same-id", `{"poNumber":"PO-1"}`, created)
	inv := newRecord(storage.KindInvoiceReceipt, "same-id", `{"invoiceNumber":"INV-1"}`, created)

	for _, r := range []*storage.Record{po, inv} {
		if err := s.StoreRecord(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	have, err := s.RetrieveRecord(ctx, storage.KindPurchaseOrder, "same-id")
	if err != nil {
		t.Fatal(err)
	}
	equalRecords(t, po, have)

	if err = s.DeleteRecord(ctx, storage.KindPurchaseOrder, "same-id"); err != nil {
		t.Fatal(err)
	}

	// the invoice with the same id must survive
	have, err = s.RetrieveRecord(ctx, storage.KindInvoiceReceipt, "same-id")
	if err != nil {
		t.Fatal(err)
	}
	equalRecords(t, inv, have)

	if err = s.ClearRecords(ctx, storage.KindInvoiceReceipt); err != nil {
		t.Fatal(err)
	}
}

func testBulk(t *testing.T, ctx context.Context, s storage.Storage) {
	created := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	var records []*storage.Record
	for _, id := range []string{"a", "b", "c"} {
		records = append(records, newRecord(storage.KindDocument, id, `{"title":"`+id+`"}`, created))
	}

	if err := s.StoreRecords(ctx, storage.KindDocument, records); err != nil {
		t.Fatal(err)
	}

	all, err := s.RetrieveRecords(ctx, storage.KindDocument)
	if err != nil {
		t.Fatal(err)
	}
	if have := ids(all); len(have) != 3 || have[0] != "a" || have[2] != "c" {
		t.Errorf("unexpected ids: %v", have)
	}

	// mismatched kind is rejected
	bad := []*storage.Record{newRecord(storage.KindInvoiceReceipt, "d", `{}`, created)}
	if err = s.StoreRecords(ctx, storage.KindDocument, bad); err == nil {
		t.Error("expected error for mismatched kind")
	}

	if err = s.ClearRecords(ctx, storage.KindDocument); err != nil {
		t.Fatal(err)
	}
}

func testAppState(t *testing.T, ctx context.Context, s storage.Storage) {
	_, err := s.RetrieveAppState(ctx, "currentStepId")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, have %v", err)
	}

	if err = s.StoreAppState(ctx, "currentStepId", json.RawMessage(`3`)); err != nil {
		t.Fatal(err)
	}
	// overwrite, not append
	if err = s.StoreAppState(ctx, "currentStepId", json.RawMessage(`5`)); err != nil {
		t.Fatal(err)
	}

	v, err := s.RetrieveAppState(ctx, "currentStepId")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(v), `5`; have != want {
		t.Errorf("have %s, want %s", have, want)
	}

	err = s.StoreAppStates(ctx, []storage.AppState{
		{Key: "currentStepHistory", Value: json.RawMessage(`[{"stepId":5,"changedAt":"2024-03-01T00:00:00Z"}]`)},
		{Key: "currentStepChangedAt", Value: json.RawMessage(`"2024-03-01T00:00:00Z"`)},
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.RetrieveAppStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(entries), 3; have != want {
		t.Errorf("entries: have %d, want %d", have, want)
	}

	if err = s.ClearAppState(ctx); err != nil {
		t.Fatal(err)
	}
	entries, err = s.RetrieveAppStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries after clear, have %d", len(entries))
	}
}
