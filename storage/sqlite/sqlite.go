// Package sqlite implements a storage backend using an SQLite database file.
// Each store is its own table.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/workflowzen/wfzen/storage"

	_ "modernc.org/sqlite"
)

// Schema contains the SQLite schema for the storage.
//
//go:embed schema.sql
var Schema string

// pragmas applied when the database is opened.
var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
}

// SQLiteStorage implements a storage.Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// New opens (creating if necessary) the SQLite database at path.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	// modernc.org/sqlite driver name is "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single connection: writers are serialized in-process
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func tableName(kind storage.Kind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKind, kind)
	}
	return "wfz_" + strings.ReplaceAll(string(kind), "-", "_"), nil
}

// Migrate applies Schema and records the schema version.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM wfz_meta WHERE k = 'version';`).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if err == nil {
		have, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing schema version: %w", err)
		}
		if err = storage.CheckSchemaVersion(have); err != nil {
			return err
		}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO wfz_meta (k, v) VALUES ('schema', ?), ('version', ?)
ON CONFLICT (k) DO UPDATE SET v = excluded.v;`,
		storage.SchemaName,
		strconv.Itoa(storage.SchemaVersion),
	)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func storeRecord(ctx context.Context, db execer, table string, r *storage.Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = db.ExecContext(
		ctx,
		`INSERT INTO `+table+` (id, body) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP;`,
		r.ID,
		body,
	)
	return err
}

// StoreRecord upserts r into the table for its kind.
func (s *SQLiteStorage) StoreRecord(ctx context.Context, r *storage.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	table, err := tableName(r.Kind)
	if err != nil {
		return err
	}
	return storeRecord(ctx, s.db, table, r)
}

// StoreRecords upserts records into the table for kind in one transaction.
func (s *SQLiteStorage) StoreRecords(ctx context.Context, kind storage.Kind, records []*storage.Record) error {
	table, err := tableName(kind)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	for _, r := range records {
		if err = storeRecord(ctx, tx, table, r); err != nil {
			tx.Rollback()
			return fmt.Errorf("storing record %s: %w", r.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}

// RetrieveRecord returns the record with id from the table for kind.
func (s *SQLiteStorage) RetrieveRecord(ctx context.Context, kind storage.Kind, id string) (*storage.Record, error) {
	table, err := tableName(kind)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = s.db.QueryRowContext(ctx, `SELECT body FROM `+table+` WHERE id = ?;`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", storage.ErrNotFound, kind, id)
	} else if err != nil {
		return nil, err
	}
	r := new(storage.Record)
	return r, json.Unmarshal(body, r)
}

// RetrieveRecords returns every record in the table for kind.
func (s *SQLiteStorage) RetrieveRecords(ctx context.Context, kind storage.Kind) ([]*storage.Record, error) {
	table, err := tableName(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM `+table+`;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []*storage.Record
	for rows.Next() {
		var id string
		var body []byte
		if err = rows.Scan(&id, &body); err != nil {
			return records, err
		}
		r := new(storage.Record)
		if err = json.Unmarshal(body, r); err != nil {
			return records, fmt.Errorf("unmarshal record %s: %w", id, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteRecord deletes the record with id from the table for kind.
func (s *SQLiteStorage) DeleteRecord(ctx context.Context, kind storage.Kind, id string) error {
	table, err := tableName(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?;`, id)
	return err
}

// ClearRecords deletes every row in the table for kind.
func (s *SQLiteStorage) ClearRecords(ctx context.Context, kind storage.Kind) error {
	table, err := tableName(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM `+table+`;`)
	return err
}

func storeAppState(ctx context.Context, db execer, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty app state key", storage.ErrInvalidRecord)
	}
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO wfz_app_state (state_key, state_value) VALUES (?, ?)
ON CONFLICT (state_key) DO UPDATE SET state_value = excluded.state_value, updated_at = CURRENT_TIMESTAMP;`,
		key,
		value,
	)
	return err
}

// StoreAppState upserts the value for key.
func (s *SQLiteStorage) StoreAppState(ctx context.Context, key string, value json.RawMessage) error {
	return storeAppState(ctx, s.db, key, value)
}

// StoreAppStates upserts every entry in one transaction.
func (s *SQLiteStorage) StoreAppStates(ctx context.Context, entries []storage.AppState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	for _, e := range entries {
		if err = storeAppState(ctx, tx, e.Key, e.Value); err != nil {
			tx.Rollback()
			return fmt.Errorf("storing app state %s: %w", e.Key, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}

// RetrieveAppState returns the value for key.
func (s *SQLiteStorage) RetrieveAppState(ctx context.Context, key string) (json.RawMessage, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT state_value FROM wfz_app_state WHERE state_key = ?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: app state %s", storage.ErrNotFound, key)
	}
	return v, err
}

// RetrieveAppStates returns every app state entry.
func (s *SQLiteStorage) RetrieveAppStates(ctx context.Context) ([]storage.AppState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state_key, state_value FROM wfz_app_state;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []storage.AppState
	for rows.Next() {
		var e storage.AppState
		var v []byte
		if err = rows.Scan(&e.Key, &v); err != nil {
			return entries, err
		}
		e.Value = v
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearAppState deletes every app state entry.
func (s *SQLiteStorage) ClearAppState(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wfz_app_state;`)
	return err
}
