package main

import (
	"context"
	"fmt"

	"github.com/workflowzen/wfzen/storage"
	"github.com/workflowzen/wfzen/storage/diskv"
	"github.com/workflowzen/wfzen/storage/inmem"
	"github.com/workflowzen/wfzen/storage/mysql"
	"github.com/workflowzen/wfzen/storage/postgres"
	"github.com/workflowzen/wfzen/storage/sqlite"

	_ "github.com/go-sql-driver/mysql"
)

func parseStorage(ctx context.Context, name, dsn string) (storage.Storage, error) {
	switch name {
	case "inmem":
		return inmem.New(), nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return diskv.New(dsn), nil
	case "sqlite":
		if dsn == "" {
			dsn = "wfzen.db"
		}
		s, err := sqlite.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("creating sqlite storage: %w", err)
		}
		return s, nil
	case "mysql":
		s, err := mysql.New(mysql.WithDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("creating mysql storage: %w", err)
		}
		return s, nil
	case "postgres", "pgx":
		s, err := postgres.New(ctx, postgres.WithDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("creating postgres storage: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}
