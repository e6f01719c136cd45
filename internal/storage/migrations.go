package storage

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSchemaDrift means an applied migration no longer matches the file this
// build ships, or the database was migrated by a newer build.
var ErrSchemaDrift = errors.New("schema drift")

// schema is a migration file named NNN_description.sql.
type schema struct {
	version  int
	name     string
	content  string
	checksum string
}

// applied is a row of _migrations.
type applied struct {
	name     string
	checksum string
}

// Migrate brings the schema up to the newest version this build ships.
// Already-applied versions must be unchanged.
func (db *DB) Migrate() error {
	files, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	return db.migrate(files)
}

func (db *DB) migrate(files fs.FS) error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	shipped, err := loadSchemas(files)
	if err != nil {
		return err
	}
	done, err := db.appliedSchemas()
	if err != nil {
		return err
	}

	known := make(map[int]bool, len(shipped))
	for _, s := range shipped {
		known[s.version] = true
		if prev, ok := done[s.version]; ok {
			if prev.checksum != s.checksum {
				return fmt.Errorf("%w: migration %s changed after it was applied", ErrSchemaDrift, s.name)
			}
			continue
		}
		if err := db.applySchema(s); err != nil {
			return fmt.Errorf("migration %s failed: %w", s.name, err)
		}
		db.logger.Info("applied migration", "version", s.version, "name", s.name)
	}
	for v, prev := range done {
		if !known[v] {
			return fmt.Errorf("%w: database has migration %s that this build does not know", ErrSchemaDrift, prev.name)
		}
	}
	return nil
}

// SchemaVersion returns the newest applied migration, 0 for a fresh database.
func (db *DB) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := db.conn.QueryRow("SELECT MAX(version) FROM _migrations").Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

func (db *DB) appliedSchemas() (map[int]applied, error) {
	rows, err := db.conn.Query("SELECT version, name, checksum FROM _migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]applied)
	for rows.Next() {
		var v int
		var a applied
		if err := rows.Scan(&v, &a.name, &a.checksum); err != nil {
			return nil, err
		}
		out[v] = a
	}
	return out, rows.Err()
}

func loadSchemas(files fs.FS) ([]schema, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []schema
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version", entry.Name())
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, entry.Name(), v)
		}
		seen[v] = entry.Name()

		content, err := fs.ReadFile(files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		out = append(out, schema{
			version:  v,
			name:     entry.Name(),
			content:  string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (db *DB) applySchema(s schema) error {
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(s.content); err != nil {
			return err
		}
		_, err := tx.Exec("INSERT INTO _migrations (version, name, checksum) VALUES (?, ?, ?)", s.version, s.name, s.checksum)
		return err
	})
}
