package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/lib/pq"
)

// runMigrations applies every *.sql file in dir in name order. The files
// are written to be idempotent so reruns are harmless.
func runMigrations(ctx context.Context, dsn, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("migration db open: %w", err)
	}
	defer db.Close()

	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", filepath.Base(f), err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
