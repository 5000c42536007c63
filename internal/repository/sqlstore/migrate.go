package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/ignite/leadengine/internal/pkg/logger"
)

//go:embed migrations
var migrationFS embed.FS

// Migration is one embedded schema script.
type Migration struct {
	Version string
	SQL     string
}

// Migrations returns the dialect's scripts in apply order.
func Migrations(d Dialect) ([]Migration, error) {
	dir := "migrations/" + string(d)
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations %s: %w", dir, err)
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(migrationFS, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: strings.TrimSuffix(e.Name(), ".sql"), SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) migrationsTable() string {
	if s.dialect == Postgres {
		return "obs.schema_migrations"
	}
	return "schema_migrations"
}

// Migrate applies every pending migration, each in its own transaction,
// and returns the versions it applied.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	table := s.migrationsTable()
	bootstrap := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (version TEXT PRIMARY KEY, applied_at TIMESTAMP NOT NULL)`, table)
	if s.dialect == Postgres {
		bootstrap = `CREATE SCHEMA IF NOT EXISTS obs; ` + bootstrap
	}
	if _, err := s.db.ExecContext(ctx, bootstrap); err != nil {
		return nil, wrap("migrate: bootstrap", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM "+table)
	if err != nil {
		return nil, wrap("migrate: list applied", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, wrap("migrate: scan", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap("migrate: list applied", err)
	}

	all, err := Migrations(s.dialect)
	if err != nil {
		return nil, err
	}
	var done []string
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		err := s.inTx(ctx, "migrate "+m.Version, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := s.exec(ctx, tx, "INSERT INTO "+table+" (version, applied_at) VALUES (?, ?)", m.Version, s.clock())
			return err
		})
		if err != nil {
			return done, err
		}
		logger.Info("sqlstore: migration applied", "version", m.Version, "dialect", string(s.dialect))
		done = append(done, m.Version)
	}
	return done, nil
}
