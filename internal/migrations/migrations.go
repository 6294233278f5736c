package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embedded embed.FS

var (
	// MigrationsDir, when set, is searched for migration files before the
	// schema compiled into the binary.
	MigrationsDir = ""
)

// Migration is one versioned schema file
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetInitialSchema returns the initial database schema
func GetInitialSchema() (string, error) {
	all, err := Load()
	if err != nil {
		return "", err
	}
	if len(all) == 0 || all[0].Version != 1 {
		return "", fmt.Errorf("could not find initial schema")
	}
	return all[0].SQL, nil
}

// Load returns every migration ordered by version
func Load() ([]Migration, error) {
	var source fs.FS = embedded
	dir := "sql"
	if MigrationsDir != "" {
		if _, err := os.Stat(MigrationsDir); err == nil {
			source = os.DirFS(MigrationsDir)
			dir = "."
		}
	}

	entries, err := fs.ReadDir(source, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseVersion(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(source, filepath.ToSlash(filepath.Join(dir, entry.Name())))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: entry.Name(), SQL: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func parseVersion(name string) (int, error) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, fmt.Errorf("migration %s has no version prefix", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("migration %s has an invalid version prefix", name)
	}
	return version, nil
}

// Apply runs every migration newer than the recorded schema version and
// returns how many were applied.
func Apply(db *sql.DB) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	all, err := Load()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range all {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return applied, fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("failed to apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
		applied++
	}
	return applied, nil
}
