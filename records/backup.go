package records

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/workflowzen/wfzen/logkeys"
	"github.com/workflowzen/wfzen/storage"

	"github.com/micromdm/nanolib/log/ctxlog"
	"golang.org/x/sync/errgroup"
)

// BackupMeta identifies the schema a Backup was taken from.
type BackupMeta struct {
	SchemaName string    `json:"schemaName"`
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
}

// Backup is a snapshot of every store.
// Each kind store is a JSON array of records and the app state store
// is a JSON array of key/value entries.
type Backup struct {
	Meta   *BackupMeta                `json:"meta"`
	Stores map[string]json.RawMessage `json:"stores"`
}

// ParseBackup decodes a Backup from JSON.
func ParseBackup(data []byte) (*Backup, error) {
	b := new(Backup)
	if err := json.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidBackup, err)
	}
	return b, nil
}

// ExportAll snapshots every store. Stores are read concurrently.
func (s *Service) ExportAll(ctx context.Context) (*Backup, error) {
	st, err := s.backend(ctx)
	if err != nil {
		return nil, opErr("export", "all", err)
	}

	var mu sync.Mutex
	stores := make(map[string]json.RawMessage, len(storage.Kinds)+1)
	set := func(name string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return opErr("export", name, err)
		}
		mu.Lock()
		stores[name] = raw
		mu.Unlock()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range storage.Kinds {
		g.Go(func() error {
			records, err := st.RetrieveRecords(gctx, kind)
			if err != nil {
				return opErr("export", string(kind), err)
			}
			if records == nil {
				records = []*storage.Record{}
			}
			sortRecords(records)
			return set(string(kind), records)
		})
	}
	g.Go(func() error {
		entries, err := st.RetrieveAppStates(gctx)
		if err != nil {
			return opErr("export", storage.AppStateStore, err)
		}
		if entries == nil {
			entries = []storage.AppState{}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
		return set(storage.AppStateStore, entries)
	})
	if err = g.Wait(); err != nil {
		return nil, err
	}

	return &Backup{
		Meta: &BackupMeta{
			SchemaName: storage.SchemaName,
			Version:    storage.SchemaVersion,
			ExportedAt: s.now(),
		},
		Stores: stores,
	}, nil
}

// decodedBackup is a Backup whose stores have been decoded and validated.
type decodedBackup struct {
	records  map[storage.Kind][]*storage.Record
	appState []storage.AppState
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{storage.ErrInvalidBackup}, a...)...)
}

// decode validates b as a whole without touching any store.
func (b *Backup) decode() (*decodedBackup, error) {
	if b == nil || b.Meta == nil {
		return nil, invalid("missing meta")
	}
	if b.Meta.SchemaName != storage.SchemaName {
		return nil, invalid("schema name %q", b.Meta.SchemaName)
	}
	if b.Meta.Version < 1 || b.Meta.Version > storage.SchemaVersion {
		return nil, invalid("unsupported version %d", b.Meta.Version)
	}
	if b.Stores == nil {
		return nil, invalid("missing stores")
	}

	d := &decodedBackup{records: make(map[storage.Kind][]*storage.Record)}
	for name, raw := range b.Stores {
		if name == storage.AppStateStore {
			if err := json.Unmarshal(raw, &d.appState); err != nil {
				return nil, invalid("store %s: %v", name, err)
			}
			for _, e := range d.appState {
				if e.Key == "" {
					return nil, invalid("store %s: empty key", name)
				}
			}
			continue
		}
		kind, err := storage.ParseKind(name)
		if err != nil {
			return nil, invalid("unknown store %q", name)
		}
		var records []*storage.Record
		if err = json.Unmarshal(raw, &records); err != nil {
			return nil, invalid("store %s: %v", name, err)
		}
		for i, r := range records {
			if err = r.Validate(); err != nil {
				return nil, invalid("store %s record %d: %v", name, i, err)
			}
			if r.Kind != kind {
				return nil, invalid("store %s record %s has kind %s", name, r.ID, r.Kind)
			}
		}
		d.records[kind] = records
	}
	return d, nil
}

// ImportAll replaces the contents of every store with the contents of b.
// The whole backup is validated before any store is cleared; an invalid
// backup returns storage.ErrInvalidBackup and leaves existing data untouched.
// Stores missing from b end up empty.
func (s *Service) ImportAll(ctx context.Context, b *Backup) error {
	d, err := b.decode()
	if err != nil {
		return opErr("import", "all", err)
	}
	st, err := s.backend(ctx)
	if err != nil {
		return opErr("import", "all", err)
	}
	if err = s.ClearAll(ctx); err != nil {
		return err
	}
	var n int
	for _, kind := range storage.Kinds {
		records := d.records[kind]
		if len(records) == 0 {
			continue
		}
		if err = st.StoreRecords(ctx, kind, records); err != nil {
			return opErr("import", string(kind), err)
		}
		ctxlog.Logger(ctx, s.logger).Debug(
			logkeys.Message, "imported store",
			logkeys.StoreName, kind,
			logkeys.GenericCount, len(records),
		)
		n += len(records)
	}
	if len(d.appState) > 0 {
		if err = st.StoreAppStates(ctx, d.appState); err != nil {
			return opErr("import", storage.AppStateStore, err)
		}
	}
	ctxlog.Logger(ctx, s.logger).Info(
		logkeys.Message, "imported backup",
		logkeys.GenericCount, n,
	)
	return nil
}
