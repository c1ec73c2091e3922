package migrations

import "database/sql"

// legacyTriggers are trigger names from prior generations of the schema
// that v2 retires before installing the FTS5 triggers.
var legacyTriggers = []string{
	"trg_messages_legacy_fts_sync",
	"trg_messages_fts_legacy",
}

func v2() Migration {
	return Migration{
		ID: "v2_fts_messages",
		Steps: append(dropLegacyTriggerSteps(), []Step{
			{Name: "create_fts_messages", Run: createTableIfMissing("fts_messages", `
				CREATE VIRTUAL TABLE fts_messages USING fts5(
					subject,
					body_md,
					content='messages',
					content_rowid='id'
				)`)},
			{Name: "backfill_fts_messages", Run: func(tx *sql.Tx) error {
				var n int
				if err := tx.QueryRow(`SELECT count(*) FROM fts_messages`).Scan(&n); err != nil {
					return err
				}
				if n > 0 {
					return nil
				}
				_, err := tx.Exec(`INSERT INTO fts_messages(rowid, subject, body_md) SELECT id, subject, body_md FROM messages`)
				return err
			}},
			{Name: "trigger_messages_ai", Run: createTriggerIfMissing("trg_messages_fts_ai", `
				CREATE TRIGGER trg_messages_fts_ai AFTER INSERT ON messages BEGIN
					INSERT INTO fts_messages(rowid, subject, body_md) VALUES (new.id, new.subject, new.body_md);
				END`)},
			{Name: "trigger_messages_au", Run: createTriggerIfMissing("trg_messages_fts_au", `
				CREATE TRIGGER trg_messages_fts_au AFTER UPDATE ON messages BEGIN
					INSERT INTO fts_messages(fts_messages, rowid, subject, body_md) VALUES('delete', old.id, old.subject, old.body_md);
					INSERT INTO fts_messages(rowid, subject, body_md) VALUES (new.id, new.subject, new.body_md);
				END`)},
			{Name: "trigger_messages_ad", Run: createTriggerIfMissing("trg_messages_fts_ad", `
				CREATE TRIGGER trg_messages_fts_ad AFTER DELETE ON messages BEGIN
					INSERT INTO fts_messages(fts_messages, rowid, subject, body_md) VALUES('delete', old.id, old.subject, old.body_md);
				END`)},
		}...),
	}
}

func dropLegacyTriggerSteps() []Step {
	steps := make([]Step, 0, len(legacyTriggers))
	for _, name := range legacyTriggers {
		name := name
		steps = append(steps, Step{
			Name: "drop_legacy_trigger_" + name,
			Run: func(tx *sql.Tx) error {
				exists, err := triggerExists(tx, name)
				if err != nil {
					return err
				}
				if !exists {
					return nil
				}
				_, err = tx.Exec("DROP TRIGGER " + quoteIdent(name))
				return err
			},
		})
	}
	return steps
}

func createTriggerIfMissing(name, ddl string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		exists, err := triggerExists(tx, name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		_, err = tx.Exec(ddl)
		return err
	}
}
