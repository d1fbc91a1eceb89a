package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"MarginLedger/internal/observability"
)

// Migrator applies the SQL files that define the ledger and projections
// schemas. Files follow golang-migrate naming, {version}_{name}.up.sql with a
// matching .down.sql; applied versions are tracked in
// public.schema_migrations so reruns are no-ops.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{
		db:     db,
		dir:    dir,
		logger: observability.NewLogger("migrator"),
	}
}

type migrationFile struct {
	version int64
	name    string
	file    string
}

// Up applies every migration not yet recorded, oldest first, each in its own
// transaction together with its version row.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("version table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("applied versions: %w", err)
	}

	pending, err := m.listMigrations(".up.sql")
	if err != nil {
		return err
	}

	for _, mf := range pending {
		if applied[mf.version] {
			continue
		}
		if err := m.applyUp(ctx, mf); err != nil {
			return err
		}
		m.logger.Info().
			Int64("version", mf.version).
			Str("name", mf.name).
			Msg("migration applied")
	}

	return nil
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart. Rolling back an empty database is a no-op.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("version table: %w", err)
	}

	var version int64
	err := m.db.QueryRowContext(ctx, `
		SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1
	`).Scan(&version)
	if err == sql.ErrNoRows {
		m.logger.Info().Msg("nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("current version: %w", err)
	}

	mf, err := m.findMigration(version, ".down.sql")
	if err != nil {
		return err
	}

	sqlText, err := os.ReadFile(filepath.Join(m.dir, mf.file))
	if err != nil {
		return fmt.Errorf("read %s: %w", mf.file, err)
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
			return fmt.Errorf("exec %s: %w", mf.file, err)
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return err
	}

	m.logger.Info().
		Int64("version", mf.version).
		Str("name", mf.name).
		Msg("migration rolled back")
	return nil
}

func (m *Migrator) applyUp(ctx context.Context, mf migrationFile) error {
	sqlText, err := os.ReadFile(filepath.Join(m.dir, mf.file))
	if err != nil {
		return fmt.Errorf("read %s: %w", mf.file, err)
	}

	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
			return fmt.Errorf("exec %s: %w", mf.file, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO public.schema_migrations (version, name) VALUES ($1, $2)`,
			mf.version, mf.name,
		); err != nil {
			return fmt.Errorf("record %s: %w", mf.file, err)
		}
		return nil
	})
}

func (m *Migrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    BIGINT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int64]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// listMigrations returns the migrations carrying the given suffix, sorted by
// version. Two files claiming the same version is a packaging error.
func (m *Migrator) listMigrations(suffix string) ([]migrationFile, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", m.dir, err)
	}

	seen := make(map[int64]string)
	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		mf, err := parseMigrationName(e.Name(), suffix)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[mf.version]; dup {
			return nil, fmt.Errorf("version %d claimed by both %s and %s", mf.version, prev, mf.file)
		}
		seen[mf.version] = mf.file
		files = append(files, mf)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func (m *Migrator) findMigration(version int64, suffix string) (migrationFile, error) {
	files, err := m.listMigrations(suffix)
	if err != nil {
		return migrationFile{}, err
	}
	for _, mf := range files {
		if mf.version == version {
			return mf, nil
		}
	}
	return migrationFile{}, fmt.Errorf("no %s file for version %d", suffix, version)
}

// parseMigrationName splits "000002_projections.up.sql" into (2, "projections").
func parseMigrationName(filename, suffix string) (migrationFile, error) {
	base := strings.TrimSuffix(filename, suffix)
	prefix, name, ok := strings.Cut(base, "_")
	if !ok {
		return migrationFile{}, fmt.Errorf("migration %s: want {version}_{name}%s", filename, suffix)
	}
	version, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return migrationFile{}, fmt.Errorf("migration %s: bad version prefix: %w", filename, err)
	}
	return migrationFile{version: version, name: name, file: filename}, nil
}
