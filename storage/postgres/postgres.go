// Package postgres implements a storage backend using PostgreSQL via pgx.
// Each store is its own table.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/workflowzen/wfzen/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema contains the PostgreSQL schema for the storage.
//
//go:embed schema.sql
var Schema string

// PGStorage implements a storage.Storage using PostgreSQL.
type PGStorage struct {
	pool *pgxpool.Pool
}

type config struct {
	dsn  string
	pool *pgxpool.Pool
}

// Option allows configuring a PGStorage.
type Option func(*config)

// WithDSN sets the PostgreSQL connection string.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithPool sets an existing pgx pool. If set, WithDSN is ignored.
func WithPool(pool *pgxpool.Pool) Option {
	return func(c *config) {
		c.pool = pool
	}
}

// New creates and returns a new PGStorage.
func New(ctx context.Context, opts ...Option) (*PGStorage, error) {
	cfg := new(config)
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.pool == nil {
		if cfg.dsn == "" {
			return nil, errors.New("postgres: empty connection string")
		}
		pcfg, err := pgxpool.ParseConfig(cfg.dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse config: %w", err)
		}
		if cfg.pool, err = pgxpool.NewWithConfig(ctx, pcfg); err != nil {
			return nil, fmt.Errorf("postgres: create pool: %w", err)
		}
	}
	if err := cfg.pool.Ping(ctx); err != nil {
		cfg.pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PGStorage{pool: cfg.pool}, nil
}

// Close closes the pool.
func (s *PGStorage) Close() error {
	s.pool.Close()
	return nil
}

func tableName(kind storage.Kind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKind, kind)
	}
	return "wfz_" + strings.ReplaceAll(string(kind), "-", "_"), nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Migrate applies Schema and records the schema version.
func (s *PGStorage) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	var v string
	err := s.pool.QueryRow(ctx, `SELECT v FROM wfz_meta WHERE k = 'version'`).Scan(&v)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
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
	_, err = s.pool.Exec(
		ctx,
		`INSERT INTO wfz_meta (k, v) VALUES ('schema', $1), ('version', $2)
ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`,
		storage.SchemaName,
		strconv.Itoa(storage.SchemaVersion),
	)
	return err
}

func storeRecord(ctx context.Context, db execer, table string, r *storage.Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = db.Exec(
		ctx,
		`INSERT INTO `+table+` (id, body) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		r.ID,
		body,
	)
	return err
}

// StoreRecord upserts r into the table for its kind.
func (s *PGStorage) StoreRecord(ctx context.Context, r *storage.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	table, err := tableName(r.Kind)
	if err != nil {
		return err
	}
	return storeRecord(ctx, s.pool, table, r)
}

// StoreRecords upserts records into the table for kind in one transaction.
func (s *PGStorage) StoreRecords(ctx context.Context, kind storage.Kind, records []*storage.Record) error {
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
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, r := range records {
			if err := storeRecord(ctx, tx, table, r); err != nil {
				return fmt.Errorf("storing record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// RetrieveRecord returns the record with id from the table for kind.
func (s *PGStorage) RetrieveRecord(ctx context.Context, kind storage.Kind, id string) (*storage.Record, error) {
	table, err := tableName(kind)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = s.pool.QueryRow(ctx, `SELECT body FROM `+table+` WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", storage.ErrNotFound, kind, id)
	} else if err != nil {
		return nil, err
	}
	r := new(storage.Record)
	return r, json.Unmarshal(body, r)
}

// RetrieveRecords returns every record in the table for kind.
func (s *PGStorage) RetrieveRecords(ctx context.Context, kind storage.Kind) ([]*storage.Record, error) {
	table, err := tableName(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id, body FROM `+table)
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
func (s *PGStorage) DeleteRecord(ctx context.Context, kind storage.Kind, id string) error {
	table, err := tableName(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	return err
}

// ClearRecords deletes every row in the table for kind.
func (s *PGStorage) ClearRecords(ctx context.Context, kind storage.Kind) error {
	table, err := tableName(kind)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM `+table)
	return err
}

func storeAppState(ctx context.Context, db execer, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty app state key", storage.ErrInvalidRecord)
	}
	_, err := db.Exec(
		ctx,
		`INSERT INTO wfz_app_state (state_key, state_value) VALUES ($1, $2)
ON CONFLICT (state_key) DO UPDATE SET state_value = EXCLUDED.state_value, updated_at = now()`,
		key,
		value,
	)
	return err
}

// StoreAppState upserts the value for key.
func (s *PGStorage) StoreAppState(ctx context.Context, key string, value json.RawMessage) error {
	return storeAppState(ctx, s.pool, key, value)
}

// StoreAppStates upserts every entry in one transaction.
func (s *PGStorage) StoreAppStates(ctx context.Context, entries []storage.AppState) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, e := range entries {
			if err := storeAppState(ctx, tx, e.Key, e.Value); err != nil {
				return fmt.Errorf("storing app state %s: %w", e.Key, err)
			}
		}
		return nil
	})
}

// RetrieveAppState returns the value for key.
func (s *PGStorage) RetrieveAppState(ctx context.Context, key string) (json.RawMessage, error) {
	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT state_value FROM wfz_app_state WHERE state_key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: app state %s", storage.ErrNotFound, key)
	}
	return v, err
}

// RetrieveAppStates returns every app state entry.
func (s *PGStorage) RetrieveAppStates(ctx context.Context) ([]storage.AppState, error) {
	rows, err := s.pool.Query(ctx, `SELECT state_key, state_value FROM wfz_app_state`)
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
func (s *PGStorage) ClearAppState(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM wfz_app_state`)
	return err
}
