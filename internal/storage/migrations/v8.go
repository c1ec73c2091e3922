package migrations

// v8 creates search_recipes and query_history. Both exist as schema
// only; no code path populates them yet.
func v8() Migration {
	return Migration{
		ID: "v8_search_recipes_and_history",
		Steps: []Step{
			{Name: "create_search_recipes", Run: createTableIfMissing("search_recipes", `
				CREATE TABLE search_recipes (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					project_id INTEGER NOT NULL REFERENCES projects(id),
					name TEXT NOT NULL,
					query_json TEXT NOT NULL,
					created_ts INTEGER NOT NULL
				)`)},
			{Name: "create_query_history", Run: createTableIfMissing("query_history", `
				CREATE TABLE query_history (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					project_id INTEGER NOT NULL REFERENCES projects(id),
					agent_id INTEGER REFERENCES agents(id),
					query_text TEXT NOT NULL,
					created_ts INTEGER NOT NULL
				)`)},
			{Name: "idx_search_recipes_project", Run: createIndexIfMissing(
				"idx_search_recipes_project", "search_recipes", "(project_id)")},
			{Name: "idx_query_history_project", Run: createIndexIfMissing(
				"idx_query_history_project", "query_history", "(project_id, created_ts)")},
		},
	}
}
