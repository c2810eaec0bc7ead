package sqldb

import "fmt"

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
id TEXT PRIMARY KEY,
user_id TEXT NOT NULL,
agent_id TEXT NOT NULL,
context_record_id TEXT NOT NULL DEFAULT '',
created_at %[1]s NOT NULL,
updated_at %[1]s NOT NULL
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_executions (
session_id TEXT PRIMARY KEY,
user_id TEXT NOT NULL,
agent_id TEXT NOT NULL,
turn_identifier TEXT NOT NULL DEFAULT '',
turn_count BIGINT NOT NULL DEFAULT 0,
processing_status TEXT NOT NULL,
pending_confirmation TEXT,
last_activity_at %[1]s NOT NULL,
FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS execution_steps (
session_id TEXT NOT NULL,
turn_identifier TEXT NOT NULL,
turn_count BIGINT NOT NULL,
step_type TEXT NOT NULL,
sequence_number BIGINT NOT NULL,
payload TEXT,
next_event TEXT,
created_at %[1]s NOT NULL,
PRIMARY KEY (session_id, turn_count, sequence_number),
FOREIGN KEY (session_id) REFERENCES agent_executions(session_id) ON DELETE CASCADE
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chat_messages (
id TEXT PRIMARY KEY,
session_id TEXT NOT NULL,
turn_identifier TEXT NOT NULL DEFAULT '',
role TEXT NOT NULL,
content TEXT NOT NULL,
external_id TEXT,
position BIGINT NOT NULL,
tool_calls_data TEXT,
tool_result_data TEXT,
created_at %[1]s NOT NULL,
FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS prerequisite_ledger (
session_id TEXT NOT NULL,
capability_name TEXT NOT NULL,
satisfied_at %[1]s NOT NULL,
position BIGINT NOT NULL DEFAULT 0,
PRIMARY KEY (session_id, capability_name),
FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS hop_claims (
session_id TEXT PRIMARY KEY,
turn_count BIGINT NOT NULL,
sequence_number BIGINT NOT NULL,
owner TEXT NOT NULL,
expires_at %[1]s NOT NULL,
FOREIGN KEY (session_id) REFERENCES agent_executions(session_id) ON DELETE CASCADE
)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_summaries (
session_id TEXT PRIMARY KEY,
summary TEXT NOT NULL,
covered_through_position BIGINT NOT NULL,
updated_at %[1]s NOT NULL,
FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_sessions_lookup ON sessions(user_id, agent_id, context_record_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON agent_executions(processing_status, last_activity_at)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_turn ON execution_steps(turn_identifier, sequence_number)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_position ON chat_messages(session_id, position)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external ON chat_messages(session_id, external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON chat_messages(session_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
