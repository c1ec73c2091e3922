package migrations

// v4 creates composite indexes for hot query paths: agent×ack, thread×created,
// project×importance×created, and agent-link join columns.
func v4() Migration {
	return Migration{
		ID: "v4_composite_indexes",
		Steps: []Step{
			{Name: "idx_recipients_agent_ack", Run: createIndexIfMissing(
				"idx_message_recipients_agent_ack", "message_recipients", "(agent_id, ack_ts)")},
			{Name: "idx_messages_thread_created", Run: createIndexIfMissing(
				"idx_messages_thread_created", "messages", "(thread_id, created_ts)")},
			{Name: "idx_messages_project_importance_created", Run: createIndexIfMissing(
				"idx_messages_project_importance_created", "messages", "(project_id, importance, created_ts)")},
			{Name: "idx_recipients_message_join", Run: createIndexIfMissing(
				"idx_message_recipients_message", "message_recipients", "(message_id)")},
			{Name: "idx_recipients_agent_read", Run: createIndexIfMissing(
				"idx_message_recipients_agent_read", "message_recipients", "(agent_id, read_ts)")},
		},
	}
}
