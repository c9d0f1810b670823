package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lrcom/lrcom-server/internal/v1/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies embedded migrations in lexicographic filename order,
// tracking applied files in schema_migrations. Each migration runs in its
// own transaction; a failure stops the run.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (id TEXT PRIMARY KEY)`); err != nil {
		return classify(err)
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE id = $1)`, name).Scan(&exists)
		if err != nil {
			return classify(err)
		}
		if exists {
			continue
		}

		sqlBytes, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		err = s.WithTx(ctx, func(ctx context.Context, tx *Store) error {
			if _, err := tx.db.Exec(ctx, string(sqlBytes)); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
			if _, err := tx.db.Exec(ctx,
				`INSERT INTO schema_migrations (id) VALUES ($1)`, name); err != nil {
				return classify(err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		logging.Info(ctx, "applied migration", zap.String("id", name))
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
