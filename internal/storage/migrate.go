package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agent-mail/agentmail/internal/storage/migrations"
)

// Migrator applies the ordered, idempotent schema evolution. It records
// fully-applied migration ids in schema_migrations and
// per-step progress in schema_migration_steps, so a run interrupted
// partway through a migration resumes at the failed step rather than
// reapplying completed work.
type Migrator struct {
	db *sql.DB
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// MigrationStatus reports Applied or Pending for a single known migration id.
type MigrationStatus struct {
	ID      string
	Applied bool
}

func (m *Migrator) ensureBookkeeping(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_migration_steps (
			migration_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			applied_ts INTEGER NOT NULL,
			PRIMARY KEY (migration_id, step_name)
		)`,
	}
	for _, s := range stmts {
		if _, err := m.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("bookkeeping tables: %w", err)
		}
	}
	return nil
}

// Status reports Applied/Pending for every known migration, in order.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureBookkeeping(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []MigrationStatus
	for _, mig := range migrations.All() {
		out = append(out, MigrationStatus{ID: mig.ID, Applied: applied[mig.ID]})
	}
	return out, nil
}

func (m *Migrator) appliedIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) completedSteps(ctx context.Context, migrationID string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT step_name FROM schema_migration_steps WHERE migration_id = ?`, migrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

// ApplyAll brings the database to the latest schema version, returning the
// ids of migrations that actually ran (an already-current database returns
// an empty slice: applying an already-current database is a
// no-op"). A failure inside a migration aborts that migration's remaining
// steps and returns an error; schema_migrations only ever records fully
// applied ids, so the next call resumes at the failed step.
func (m *Migrator) ApplyAll(ctx context.Context) ([]string, error) {
	if err := m.ensureBookkeeping(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedIDs(ctx)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, mig := range migrations.All() {
		if applied[mig.ID] {
			continue
		}
		if err := m.applyMigration(ctx, mig); err != nil {
			return ran, fmt.Errorf("migration %s: %w", mig.ID, err)
		}
		ran = append(ran, mig.ID)
	}
	return ran, nil
}

func (m *Migrator) applyMigration(ctx context.Context, mig migrations.Migration) error {
	done, err := m.completedSteps(ctx, mig.ID)
	if err != nil {
		return err
	}

	for _, step := range mig.Steps {
		if done[step.Name] {
			continue
		}
		if err := m.applyStep(ctx, mig.ID, step); err != nil {
			return fmt.Errorf("step %s: %w", step.Name, err)
		}
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO schema_migrations(id, applied_ts) VALUES (?, ?)`,
		mig.ID, time.Now().UnixMicro())
	return err
}

func (m *Migrator) applyStep(ctx context.Context, migrationID string, step migrations.Step) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := step.Run(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migration_steps(migration_id, step_name, applied_ts) VALUES (?, ?, ?)`,
		migrationID, step.Name, time.Now().UnixMicro()); err != nil {
		return err
	}
	return tx.Commit()
}
