package migrations

import "database/sql"

// v1 creates all base tables with INTEGER timestamp columns and the
// indexes they need.
func v1() Migration {
	return Migration{
		ID: "v1_base_schema",
		Steps: []Step{
			{Name: "create_projects", Run: createTableIfMissing("projects", `
				CREATE TABLE projects (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					slug TEXT NOT NULL UNIQUE,
					human_key TEXT NOT NULL UNIQUE,
					created_at INTEGER NOT NULL
				)`)},
			{Name: "create_agents", Run: createTableIfMissing("agents", `
				CREATE TABLE agents (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					project_id INTEGER NOT NULL REFERENCES projects(id),
					name TEXT NOT NULL,
					name_lc TEXT NOT NULL,
					program TEXT NOT NULL DEFAULT '',
					model TEXT NOT NULL DEFAULT '',
					task_description TEXT NOT NULL DEFAULT '',
					inception_ts INTEGER NOT NULL,
					last_active_ts INTEGER NOT NULL,
					attachments_policy TEXT NOT NULL DEFAULT 'auto',
					contact_policy TEXT NOT NULL DEFAULT '',
					UNIQUE(project_id, name_lc)
				)`)},
			{Name: "create_messages", Run: createTableIfMissing("messages", `
				CREATE TABLE messages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					project_id INTEGER NOT NULL REFERENCES projects(id),
					sender_id INTEGER NOT NULL REFERENCES agents(id),
					thread_id TEXT NOT NULL DEFAULT '',
					subject TEXT NOT NULL DEFAULT '',
					body_md TEXT NOT NULL DEFAULT '',
					importance TEXT NOT NULL DEFAULT 'normal',
					ack_required INTEGER NOT NULL DEFAULT 0,
					created_ts INTEGER NOT NULL,
					attachments TEXT NOT NULL DEFAULT '[]'
				)`)},
			{Name: "create_message_recipients", Run: createTableIfMissing("message_recipients", `
				CREATE TABLE message_recipients (
					message_id INTEGER NOT NULL REFERENCES messages(id),
					agent_id INTEGER NOT NULL REFERENCES agents(id),
					kind TEXT NOT NULL,
					read_ts INTEGER,
					ack_ts INTEGER,
					PRIMARY KEY (message_id, agent_id)
				)`)},
			{Name: "create_file_reservations", Run: createTableIfMissing("file_reservations", `
				CREATE TABLE file_reservations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					project_id INTEGER NOT NULL REFERENCES projects(id),
					agent_id INTEGER NOT NULL REFERENCES agents(id),
					path_pattern TEXT NOT NULL,
					exclusive INTEGER NOT NULL DEFAULT 1,
					reason TEXT NOT NULL DEFAULT '',
					note TEXT NOT NULL DEFAULT '',
					created_ts INTEGER NOT NULL,
					expires_ts INTEGER NOT NULL,
					released_ts INTEGER
				)`)},
			{Name: "idx_agents_project", Run: createIndexIfMissing("idx_agents_project", "agents", "(project_id)")},
			{Name: "idx_messages_project", Run: createIndexIfMissing("idx_messages_project", "messages", "(project_id, created_ts)")},
			{Name: "idx_message_recipients_agent", Run: createIndexIfMissing("idx_message_recipients_agent", "message_recipients", "(agent_id)")},
			{Name: "idx_file_reservations_project", Run: createIndexIfMissing("idx_file_reservations_project", "file_reservations", "(project_id)")},
			{Name: "idx_file_reservations_agent", Run: createIndexIfMissing("idx_file_reservations_agent", "file_reservations", "(agent_id)")},
		},
	}
}

// createTableIfMissing returns a Step.Run that creates table ddl only if
// the table does not already exist, keeping the step idempotent without
// relying on "IF NOT EXISTS" alone (so callers can also branch on the
// table's presence for logging/diagnostics elsewhere).
func createTableIfMissing(table, ddl string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		exists, err := tableExists(tx, table)
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

func createIndexIfMissing(name, table, columns string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		exists, err := indexExists(tx, name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		_, err = tx.Exec("CREATE INDEX " + quoteIdent(name) + " ON " + quoteIdent(table) + " " + columns)
		return err
	}
}
