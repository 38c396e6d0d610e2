package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/workflowzen/wfzen/engine"
	"github.com/workflowzen/wfzen/forms"
	"github.com/workflowzen/wfzen/records"
	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/view"

	"github.com/micromdm/nanolib/log"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	st, err := parseStorage(context.Background(), "inmem", "")
	if err != nil {
		t.Fatal(err)
	}
	svc := records.New(
		func(context.Context) (storage.Storage, error) { return st, nil },
		records.WithValidator(forms.Validate),
	)
	views := view.NewSet(svc)
	out := new(bytes.Buffer)
	return &app{
		logger: log.NopLogger,
		svc:    svc,
		views:  views,
		engine: engine.New(views, svc),
		out:    out,
		in:     strings.NewReader(""),
	}, out
}

func TestParseFilters(t *testing.T) {
	have, err := parseFilters([]string{"vendor=Acme", "total=120.5", "tags.0=\"urgent\"", "paid=true"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"vendor": "Acme", "total": 120.5, "tags.0": "urgent", "paid": true}
	if !reflect.DeepEqual(have, want) {
		t.Errorf("have %v, want %v", have, want)
	}
	if _, err = parseFilters([]string{"vendor"}); err == nil {
		t.Error("expected error for filter without value")
	}
}

func TestFindCommand(t *testing.T) {
	for _, c := range commands {
		if found, ok := findCommand(c.name); !ok || found.name != c.name {
			t.Errorf("command %s not found", c.name)
		}
	}
	if _, ok := findCommand("serve"); ok {
		t.Error("found unknown command")
	}
}

func TestSaveGet(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)

	if err := runSave(ctx, a, []string{"consultation", `{"clientName":"Acme"}`, "c-1"}); err != nil {
		t.Fatal(err)
	}
	if have, want := out.String(), "c-1\n"; have != want {
		t.Errorf("id: have %q, want %q", have, want)
	}

	out.Reset()
	if err := runGet(ctx, a, []string{"consultation", "c-1"}); err != nil {
		t.Fatal(err)
	}
	var r storage.Record
	if err := json.Unmarshal(out.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if r.ID != "c-1" || r.Kind != storage.KindConsultation || r.Status != storage.DefaultStatus {
		t.Errorf("unexpected record: %+v", r)
	}

	if err := runGet(ctx, a, []string{"consultation", "c-2"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, have %v", err)
	}
	if err := runSave(ctx, a, []string{"consultation", `{"notes":"x"}`}); !errors.Is(err, storage.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, have %v", err)
	}
	if err := runSave(ctx, a, []string{"consultation"}); !errors.Is(err, errUsage) {
		t.Errorf("expected usage error, have %v", err)
	}
}

func TestApprovedBatch(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	for _, payload := range []string{
		`{"payee":"Acme","amount":100,"invoiceNumber":"INV-1","status":"approved"}`,
		`{"payee":"Acme","amount":50.5,"status":"approved"}`,
		`{"payee":"Globex","amount":999,"status":"pending"}`,
	} {
		if err := runSave(ctx, a, []string{"payment-request", payload}); err != nil {
			t.Fatal(err)
		}
	}

	b, err := a.approvedBatch(ctx, "ledger")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := b.RecordCount, 2; have != want {
		t.Errorf("records: have %d, want %d", have, want)
	}
	if have, want := b.TotalAmount, 150.5; have != want {
		t.Errorf("total: have %v, want %v", have, want)
	}
	if have, want := b.Documents, []string{"INV-1"}; !reflect.DeepEqual(have, want) {
		t.Errorf("documents: have %v, want %v", have, want)
	}
}

func TestServiceStatsUncached(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)
	if _, err := a.views.Stats(ctx, storage.KindDocument); err != nil {
		t.Fatal(err)
	}
	// written behind the views' back, as another process would
	if _, err := a.svc.Save(ctx, storage.KindDocument, map[string]any{"title": "x"}, ""); err != nil {
		t.Fatal(err)
	}
	stats, err := serviceStats{a.svc}.Stats(ctx, storage.KindDocument)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.Total, 1; have != want {
		t.Errorf("total: have %d, want %d", have, want)
	}
}
