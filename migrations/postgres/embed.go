// Package postgres embeds the SQL schema and applies it with a small
// versioned runner. File format: {version}_{name}.sql (ex: 0001_init.sql).
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed *.sql
var FS embed.FS

var filePattern = regexp.MustCompile(`^(\d+)_(.+)\.sql$`)

type migration struct {
	version int
	name    string
	sql     string
}

// Run applies pending migrations to the database behind pool. Applied
// versions are tracked in the _migrations table and skipped on re-run.
func Run(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version INT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := pool.Query(ctx, "SELECT version FROM _migrations")
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	migrations, err := parse()
	if err != nil {
		return fmt.Errorf("parsing migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration %d_%s: %w", m.version, m.name, err)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO _migrations (version, name) VALUES ($1, $2)",
			m.version, m.name,
		); err != nil {
			return fmt.Errorf("recording migration %d_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}

func parse() ([]migration, error) {
	entries, err := fs.ReadDir(FS, ".")
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matches := filePattern.FindStringSubmatch(e.Name())
		if matches == nil {
			continue
		}
		version, _ := strconv.Atoi(matches[1])
		content, err := FS.ReadFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		migrations = append(migrations, migration{
			version: version,
			name:    matches[2],
			sql:     string(content),
		})
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}
