package migrations

import "database/sql"

// v6 creates inbox_stats and the four triggers that maintain it, then
// backfills from existing rows in one pass.
func v6() Migration {
	return Migration{
		ID: "v6_inbox_stats",
		Steps: []Step{
			{Name: "create_inbox_stats", Run: createTableIfMissing("inbox_stats", `
				CREATE TABLE inbox_stats (
					agent_id INTEGER PRIMARY KEY REFERENCES agents(id),
					total_count INTEGER NOT NULL DEFAULT 0,
					unread_count INTEGER NOT NULL DEFAULT 0,
					ack_pending_count INTEGER NOT NULL DEFAULT 0,
					last_message_ts INTEGER
				)`)},
			{Name: "trigger_inbox_message_insert", Run: createTriggerIfMissing("trg_inbox_stats_message_insert", `
				CREATE TRIGGER trg_inbox_stats_message_insert AFTER INSERT ON messages BEGIN
					INSERT OR IGNORE INTO inbox_stats(agent_id) VALUES (new.sender_id);
				END`)},
			{Name: "trigger_inbox_recipient_insert", Run: createTriggerIfMissing("trg_inbox_stats_recipient_insert", `
				CREATE TRIGGER trg_inbox_stats_recipient_insert AFTER INSERT ON message_recipients BEGIN
					INSERT OR IGNORE INTO inbox_stats(agent_id) VALUES (new.agent_id);
					UPDATE inbox_stats SET
						total_count = total_count + 1,
						unread_count = unread_count + 1,
						ack_pending_count = ack_pending_count + (
							SELECT CASE WHEN m.ack_required = 1 THEN 1 ELSE 0 END FROM messages m WHERE m.id = new.message_id
						),
						last_message_ts = (
							SELECT CASE
								WHEN last_message_ts IS NULL OR last_message_ts < m.created_ts THEN m.created_ts
								ELSE last_message_ts
							END FROM messages m WHERE m.id = new.message_id
						)
					WHERE agent_id = new.agent_id;
				END`)},
			{Name: "trigger_inbox_set_read", Run: createTriggerIfMissing("trg_inbox_stats_set_read", `
				CREATE TRIGGER trg_inbox_stats_set_read AFTER UPDATE OF read_ts ON message_recipients
				WHEN old.read_ts IS NULL AND new.read_ts IS NOT NULL BEGIN
					UPDATE inbox_stats SET unread_count = unread_count - 1 WHERE agent_id = new.agent_id;
				END`)},
			{Name: "trigger_inbox_set_ack", Run: createTriggerIfMissing("trg_inbox_stats_set_ack", `
				CREATE TRIGGER trg_inbox_stats_set_ack AFTER UPDATE OF ack_ts ON message_recipients
				WHEN old.ack_ts IS NULL AND new.ack_ts IS NOT NULL BEGIN
					UPDATE inbox_stats SET ack_pending_count = ack_pending_count - (
						SELECT CASE WHEN m.ack_required = 1 THEN 1 ELSE 0 END FROM messages m WHERE m.id = new.message_id
					)
					WHERE agent_id = new.agent_id;
				END`)},
			{Name: "backfill_inbox_stats", Run: backfillInboxStats},
		},
	}
}

func backfillInboxStats(tx *sql.Tx) error {
	var n int
	if err := tx.QueryRow(`SELECT count(*) FROM inbox_stats`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := tx.Exec(`
		INSERT INTO inbox_stats(agent_id, total_count, unread_count, ack_pending_count, last_message_ts)
		SELECT
			r.agent_id,
			count(*),
			sum(CASE WHEN r.read_ts IS NULL THEN 1 ELSE 0 END),
			sum(CASE WHEN m.ack_required = 1 AND r.ack_ts IS NULL THEN 1 ELSE 0 END),
			max(m.created_ts)
		FROM message_recipients r
		JOIN messages m ON m.id = r.message_id
		GROUP BY r.agent_id
	`)
	return err
}
