package storage

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		have, err := ParseKind(string(k))
		if err != nil {
			t.Errorf("kind %s: %v", k, err)
		}
		if have != k {
			t.Errorf("have %q, want %q", have, k)
		}
	}

	if _, err := ParseKind("receipt"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, have %v", err)
	}
}

func TestStoreNames(t *testing.T) {
	names := StoreNames()
	if have, want := len(names), 8; have != want {
		t.Fatalf("store count: have %d, want %d", have, want)
	}
	if have, want := names[len(names)-1], AppStateStore; have != want {
		t.Errorf("last store: have %q, want %q", have, want)
	}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name   string
		record *Record
		err    error
	}{
		{"valid record", &Record{ID: "1-a", Kind: KindDocument}, nil},
		{"missing id", &Record{Kind: KindDocument}, ErrInvalidRecord},
		{"bad kind", &Record{ID: "1-a", Kind: "memo"}, ErrInvalidKind},
		{"nil record", nil, ErrInvalidRecord},
		{"id with slash", &Record{ID: "a/b", Kind: KindDocument}, ErrInvalidRecord},
		{"id with backslash", &Record{ID: `a\b`, Kind: KindDocument}, ErrInvalidRecord},
		{"dot id", &Record{ID: ".", Kind: KindDocument}, ErrInvalidRecord},
		{"dot dot id", &Record{ID: "..", Kind: KindDocument}, ErrInvalidRecord},
		{"id with newline", &Record{ID: "a\nb", Kind: KindDocument}, ErrInvalidRecord},
		{"dotted id", &Record{ID: "inv.2024..1", Kind: KindDocument}, nil},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.record.Validate()
			if test.err == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			} else if !errors.Is(err, test.err) {
				t.Errorf("have %v, want %v", err, test.err)
			}
		})
	}

	if err := CheckSchemaVersion(SchemaVersion + 1); !errors.Is(err, ErrSchemaVersion) {
		t.Errorf("expected ErrSchemaVersion, have %v", err)
	}
	if err := CheckSchemaVersion(SchemaVersion); err != nil {
		t.Error(err)
	}
}
