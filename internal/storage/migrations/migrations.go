// Package migrations defines the ordered, idempotent steps of Agent Mail's
// schema evolution. Each migration is split into
// independent steps so a failure partway through only leaves the
// remaining steps to rerun, never a half-applied step.
package migrations

import "database/sql"

// Step is one idempotent unit of schema work.
type Step struct {
	Name string
	Run  func(tx *sql.Tx) error
}

// Migration is a named, ordered group of Steps.
type Migration struct {
	ID    string
	Steps []Step
}

// All returns every migration in application order. The engine in
// internal/storage applies them in this exact order and never reorders or
// skips based on anything but prior completion recorded in
// schema_migrations / schema_migration_steps.
func All() []Migration {
	return []Migration{
		v1(),
		v2(),
		v3(),
		v4(),
		v5(),
		v6(),
		v7(),
		v8(),
	}
}

// tableExists reports whether name is a table or view in sqlite_master.
func tableExists(tx *sql.Tx, name string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// columnExists reports whether table has the given column.
func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(`PRAGMA table_info(` + quoteIdent(table) + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// columnType returns the declared type of column in table, empty if absent.
func columnType(tx *sql.Tx, table, column string) (string, error) {
	rows, err := tx.Query(`PRAGMA table_info(` + quoteIdent(table) + `)`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return "", err
		}
		if name == column {
			return ctype, nil
		}
	}
	return "", rows.Err()
}

// indexExists reports whether a named index exists.
func indexExists(tx *sql.Tx, name string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// triggerExists reports whether a named trigger exists.
func triggerExists(tx *sql.Tx, name string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'trigger' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// quoteIdent is a minimal identifier quoter for table/column names that are
// always compile-time constants in this package, never user input.
func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
