package migrations

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// legacyTimestampFormat is the pre-v3 text timestamp format: UTC,
// microsecond precision.
const legacyTimestampFormat = "2006-01-02 15:04:05.000000"

// timestampColumns enumerates every (table, column) pair that may carry a
// legacy TEXT timestamp. v3 scans each; columns that are already INTEGER
// are left untouched.
var timestampColumns = []struct {
	Table  string
	Column string
}{
	{"projects", "created_at"},
	{"agents", "inception_ts"},
	{"agents", "last_active_ts"},
	{"messages", "created_ts"},
	{"message_recipients", "read_ts"},
	{"message_recipients", "ack_ts"},
	{"file_reservations", "created_ts"},
	{"file_reservations", "expires_ts"},
	{"file_reservations", "released_ts"},
}

func v3() Migration {
	steps := make([]Step, 0, len(timestampColumns))
	for _, tc := range timestampColumns {
		tc := tc
		steps = append(steps, Step{
			Name: fmt.Sprintf("convert_%s_%s", tc.Table, tc.Column),
			Run: func(tx *sql.Tx) error {
				return convertTextTimestampColumn(tx, tc.Table, tc.Column)
			},
		})
	}
	return Migration{ID: "v3_timestamp_normalization", Steps: steps}
}

// convertTextTimestampColumn rewrites table.column from the legacy TEXT
// format to INTEGER microseconds in place, preserving fractional
// microseconds exactly. Columns already stored as INTEGER are
// left untouched — this makes the step a true no-op on a fresh v1 schema.
func convertTextTimestampColumn(tx *sql.Tx, table, column string) error {
	ctype, err := columnType(tx, table, column)
	if err != nil {
		return err
	}
	if ctype == "" {
		return fmt.Errorf("column %s.%s does not exist", table, column)
	}
	if strings.Contains(strings.ToUpper(ctype), "INT") {
		return nil // already integer storage; nothing to do
	}

	tmpCol := column + "__v3_micros"
	if exists, err := columnExists(tx, table, tmpCol); err != nil {
		return err
	} else if !exists {
		if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s INTEGER`, quoteIdent(table), quoteIdent(tmpCol))); err != nil {
			return err
		}
	}

	selRows, err := tx.Query(fmt.Sprintf(`SELECT rowid, %s FROM %s WHERE %s IS NOT NULL`, quoteIdent(column), quoteIdent(table), quoteIdent(column)))
	if err != nil {
		return err
	}
	type pending struct {
		rowid  int64
		micros int64
	}
	var updates []pending
	for selRows.Next() {
		var rowid int64
		var raw string
		if err := selRows.Scan(&rowid, &raw); err != nil {
			selRows.Close()
			return err
		}
		micros, ok := parseLegacyTimestamp(raw)
		if !ok {
			selRows.Close()
			return fmt.Errorf("unparseable legacy timestamp %q in %s.%s", raw, table, column)
		}
		updates = append(updates, pending{rowid: rowid, micros: micros})
	}
	if err := selRows.Err(); err != nil {
		selRows.Close()
		return err
	}
	selRows.Close()

	stmt, err := tx.Prepare(fmt.Sprintf(`UPDATE %s SET %s = ? WHERE rowid = ?`, quoteIdent(table), quoteIdent(tmpCol)))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, u := range updates {
		if _, err := stmt.Exec(u.micros, u.rowid); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, quoteIdent(table), quoteIdent(column))); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`, quoteIdent(table), quoteIdent(tmpCol), quoteIdent(column))); err != nil {
		return err
	}
	return nil
}

// parseLegacyTimestamp parses the legacy "YYYY-MM-DD HH:MM:SS.ffffff" UTC
// format into microseconds since the Unix epoch, preserving the fractional
// microseconds exactly.
func parseLegacyTimestamp(raw string) (int64, bool) {
	t, err := time.Parse(legacyTimestampFormat, raw)
	if err != nil {
		return 0, false
	}
	return t.UTC().UnixMicro(), true
}
