package records

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/workflowzen/wfzen/storage"
)

func seedBackupData(t *testing.T, s *Service) {
	t.Helper()
	ctx := context.Background()
	for i, kind := range storage.Kinds {
		for j := 0; j <= i%3; j++ {
			if _, err := s.Save(ctx, kind, map[string]any{"n": j, "kind": string(kind)}, ""); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := s.SetAppState(ctx, "currentStepId", 4); err != nil {
		t.Fatal(err)
	}
}

func recordsByID(t *testing.T, s *Service) map[string]*storage.Record {
	t.Helper()
	all := make(map[string]*storage.Record)
	for _, kind := range storage.Kinds {
		found, err := s.GetAll(context.Background(), kind)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range found {
			all[string(kind)+"/"+r.ID] = r
		}
	}
	return all
}

// sameRecords compares records by value with timestamps compared as instants.
func sameRecords(t *testing.T, have, want map[string]*storage.Record) {
	t.Helper()
	if len(have) != len(want) {
		t.Fatalf("records: have %d, want %d", len(have), len(want))
	}
	for key, w := range want {
		h, ok := have[key]
		if !ok {
			t.Errorf("missing record %s", key)
			continue
		}
		if h.Status != w.Status || !h.CreatedAt.Equal(w.CreatedAt) || !h.UpdatedAt.Equal(w.UpdatedAt) {
			t.Errorf("record %s: have %+v, want %+v", key, h, w)
		}
		if !reflect.DeepEqual(decode(t, h.Payload), decode(t, w.Payload)) {
			t.Errorf("record %s payload: have %s, want %s", key, h.Payload, w.Payload)
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, _ := newTestService(t)
	seedBackupData(t, src)

	b, err := src.ExportAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b.Meta == nil || b.Meta.SchemaName != storage.SchemaName || b.Meta.Version != storage.SchemaVersion {
		t.Fatalf("unexpected meta: %+v", b.Meta)
	}
	if have, want := len(b.Stores), len(storage.StoreNames()); have != want {
		t.Errorf("stores: have %d, want %d", have, want)
	}

	// go through JSON as a backup file would
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseBackup(data)
	if err != nil {
		t.Fatal(err)
	}

	dst, _ := newTestService(t)
	if _, err = dst.Save(ctx, storage.KindDocument, map[string]any{"title": "replaced"}, "stale"); err != nil {
		t.Fatal(err)
	}
	if err = dst.ImportAll(ctx, parsed); err != nil {
		t.Fatal(err)
	}

	sameRecords(t, recordsByID(t, dst), recordsByID(t, src))
	if r, err := dst.GetByID(ctx, storage.KindDocument, "stale"); err != nil || r != nil {
		t.Errorf("stale record survived import: %v, %v", r, err)
	}
	var step int
	if found, err := dst.GetAppState(ctx, "currentStepId", &step); err != nil || !found || step != 4 {
		t.Errorf("app state: have %d (found %v), %v", step, found, err)
	}
}

func TestExportEmpty(t *testing.T) {
	s, _ := newTestService(t)
	b, err := s.ExportAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for name, raw := range b.Stores {
		if string(raw) != "[]" {
			t.Errorf("store %s: have %s, want []", name, raw)
		}
	}
}

func TestImportMissingStores(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	seedBackupData(t, s)

	b := &Backup{
		Meta:   &BackupMeta{SchemaName: storage.SchemaName, Version: storage.SchemaVersion},
		Stores: map[string]json.RawMessage{},
	}
	if err := s.ImportAll(ctx, b); err != nil {
		t.Fatal(err)
	}
	if have := recordsByID(t, s); len(have) != 0 {
		t.Errorf("expected empty stores, have %d records", len(have))
	}
}

func TestImportInvalid(t *testing.T) {
	ctx := context.Background()
	meta := func() *BackupMeta {
		return &BackupMeta{SchemaName: storage.SchemaName, Version: storage.SchemaVersion}
	}
	wrongKind := `[{"id":"1","kind":"document","payload":{},"status":"active","createdAt":"2024-03-01T09:00:00Z","updatedAt":"2024-03-01T09:00:00Z"}]`

	for _, tc := range []struct {
		name   string
		backup *Backup
	}{
		{"nil backup", nil},
		{"missing meta", &Backup{Stores: map[string]json.RawMessage{}}},
		{"wrong schema", &Backup{
			Meta:   &BackupMeta{SchemaName: "other", Version: storage.SchemaVersion},
			Stores: map[string]json.RawMessage{},
		}},
		{"newer version", &Backup{
			Meta:   &BackupMeta{SchemaName: storage.SchemaName, Version: storage.SchemaVersion + 1},
			Stores: map[string]json.RawMessage{},
		}},
		{"missing stores", &Backup{Meta: meta()}},
		{"unknown store", &Backup{
			Meta:   meta(),
			Stores: map[string]json.RawMessage{"invoices": json.RawMessage(`[]`)},
		}},
		{"wrong kind", &Backup{
			Meta:   meta(),
			Stores: map[string]json.RawMessage{string(storage.KindConsultation): json.RawMessage(wrongKind)},
		}},
		{"bad store JSON", &Backup{
			Meta:   meta(),
			Stores: map[string]json.RawMessage{string(storage.KindConsultation): json.RawMessage(`{}`)},
		}},
		{"empty app state key", &Backup{
			Meta:   meta(),
			Stores: map[string]json.RawMessage{storage.AppStateStore: json.RawMessage(`[{"key":"","value":1}]`)},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestService(t)
			seedBackupData(t, s)
			before := recordsByID(t, s)

			err := s.ImportAll(ctx, tc.backup)
			if !errors.Is(err, storage.ErrInvalidBackup) {
				t.Fatalf("expected ErrInvalidBackup, have %v", err)
			}
			sameRecords(t, recordsByID(t, s), before)
		})
	}
}

func TestParseBackupInvalid(t *testing.T) {
	if _, err := ParseBackup([]byte(`{"meta":`)); !errors.Is(err, storage.ErrInvalidBackup) {
		t.Errorf("expected ErrInvalidBackup, have %v", err)
	}
}
