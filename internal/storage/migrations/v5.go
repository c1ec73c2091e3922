package migrations

import (
	"database/sql"
	"strings"
)

// v5 rebuilds fts_messages with porter stemming, prefix search, and boolean
// operators, copying all existing message content through the new
// tokenizer.
func v5() Migration {
	return Migration{
		ID: "v5_fts_messages_porter",
		Steps: []Step{
			{Name: "rebuild_fts_messages_porter", Run: rebuildFTSMessagesPorter},
		},
	}
}

func ftsDefinitionSQL(tx *sql.Tx, name string) (string, error) {
	var def sql.NullString
	err := tx.QueryRow(`SELECT sql FROM sqlite_master WHERE type='table' AND name = ?`, name).Scan(&def)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return def.String, nil
}

func rebuildFTSMessagesPorter(tx *sql.Tx) error {
	def, err := ftsDefinitionSQL(tx, "fts_messages")
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(def), "porter") {
		return nil // already rebuilt with the porter tokenizer
	}

	for _, trigger := range []string{"trg_messages_fts_ai", "trg_messages_fts_au", "trg_messages_fts_ad"} {
		if _, err := tx.Exec("DROP TRIGGER IF EXISTS " + quoteIdent(trigger)); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DROP TABLE IF EXISTS fts_messages`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE fts_messages USING fts5(
			subject,
			body_md,
			content='messages',
			content_rowid='id',
			tokenize='porter unicode61 remove_diacritics 1',
			prefix='2 3 4'
		)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO fts_messages(rowid, subject, body_md) SELECT id, subject, body_md FROM messages`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TRIGGER trg_messages_fts_ai AFTER INSERT ON messages BEGIN
			INSERT INTO fts_messages(rowid, subject, body_md) VALUES (new.id, new.subject, new.body_md);
		END`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TRIGGER trg_messages_fts_au AFTER UPDATE ON messages BEGIN
			INSERT INTO fts_messages(fts_messages, rowid, subject, body_md) VALUES('delete', old.id, old.subject, old.body_md);
			INSERT INTO fts_messages(rowid, subject, body_md) VALUES (new.id, new.subject, new.body_md);
		END`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TRIGGER trg_messages_fts_ad AFTER DELETE ON messages BEGIN
			INSERT INTO fts_messages(fts_messages, rowid, subject, body_md) VALUES('delete', old.id, old.subject, old.body_md);
		END`); err != nil {
		return err
	}
	return nil
}
