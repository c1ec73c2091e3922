package migrations

import "database/sql"

// v7 creates FTS5 tables for agent and project identity, installs
// triggers, and backfills from existing rows.
func v7() Migration {
	return Migration{
		ID: "v7_fts_identity",
		Steps: []Step{
			{Name: "create_fts_agents", Run: createTableIfMissing("fts_agents", `
				CREATE VIRTUAL TABLE fts_agents USING fts5(
					name, program, model, task_description,
					content='agents', content_rowid='id',
					tokenize='porter unicode61 remove_diacritics 1'
				)`)},
			{Name: "create_fts_projects", Run: createTableIfMissing("fts_projects", `
				CREATE VIRTUAL TABLE fts_projects USING fts5(
					slug, human_key,
					content='projects', content_rowid='id',
					tokenize='porter unicode61 remove_diacritics 1'
				)`)},
			{Name: "backfill_fts_agents", Run: func(tx *sql.Tx) error {
				return backfillIfEmpty(tx, "fts_agents",
					`INSERT INTO fts_agents(rowid, name, program, model, task_description)
					 SELECT id, name, program, model, task_description FROM agents`)
			}},
			{Name: "backfill_fts_projects", Run: func(tx *sql.Tx) error {
				return backfillIfEmpty(tx, "fts_projects",
					`INSERT INTO fts_projects(rowid, slug, human_key) SELECT id, slug, human_key FROM projects`)
			}},
			{Name: "trigger_agents_ai", Run: createTriggerIfMissing("trg_agents_fts_ai", `
				CREATE TRIGGER trg_agents_fts_ai AFTER INSERT ON agents BEGIN
					INSERT INTO fts_agents(rowid, name, program, model, task_description)
					VALUES (new.id, new.name, new.program, new.model, new.task_description);
				END`)},
			{Name: "trigger_agents_au", Run: createTriggerIfMissing("trg_agents_fts_au", `
				CREATE TRIGGER trg_agents_fts_au AFTER UPDATE ON agents BEGIN
					INSERT INTO fts_agents(fts_agents, rowid, name, program, model, task_description)
					VALUES('delete', old.id, old.name, old.program, old.model, old.task_description);
					INSERT INTO fts_agents(rowid, name, program, model, task_description)
					VALUES (new.id, new.name, new.program, new.model, new.task_description);
				END`)},
			{Name: "trigger_agents_ad", Run: createTriggerIfMissing("trg_agents_fts_ad", `
				CREATE TRIGGER trg_agents_fts_ad AFTER DELETE ON agents BEGIN
					INSERT INTO fts_agents(fts_agents, rowid, name, program, model, task_description)
					VALUES('delete', old.id, old.name, old.program, old.model, old.task_description);
				END`)},
			{Name: "trigger_projects_ai", Run: createTriggerIfMissing("trg_projects_fts_ai", `
				CREATE TRIGGER trg_projects_fts_ai AFTER INSERT ON projects BEGIN
					INSERT INTO fts_projects(rowid, slug, human_key) VALUES (new.id, new.slug, new.human_key);
				END`)},
			{Name: "trigger_projects_au", Run: createTriggerIfMissing("trg_projects_fts_au", `
				CREATE TRIGGER trg_projects_fts_au AFTER UPDATE ON projects BEGIN
					INSERT INTO fts_projects(fts_projects, rowid, slug, human_key) VALUES('delete', old.id, old.slug, old.human_key);
					INSERT INTO fts_projects(rowid, slug, human_key) VALUES (new.id, new.slug, new.human_key);
				END`)},
			{Name: "trigger_projects_ad", Run: createTriggerIfMissing("trg_projects_fts_ad", `
				CREATE TRIGGER trg_projects_fts_ad AFTER DELETE ON projects BEGIN
					INSERT INTO fts_projects(fts_projects, rowid, slug, human_key) VALUES('delete', old.id, old.slug, old.human_key);
				END`)},
		},
	}
}

func backfillIfEmpty(tx *sql.Tx, table, insertSQL string) error {
	var n int
	if err := tx.QueryRow(`SELECT count(*) FROM ` + quoteIdent(table)).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := tx.Exec(insertSQL)
	return err
}
