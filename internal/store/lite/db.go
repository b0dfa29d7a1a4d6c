// Package lite implements the store interfaces on an embedded SQLite
// database for standalone (Postgres-less) deployments. Arrays and
// documents are stored as JSON text; amounts as decimal strings.
package lite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  prompt TEXT NOT NULL,
  status TEXT NOT NULL,
  global_context TEXT NOT NULL DEFAULT '',
  initial_constraints TEXT NOT NULL DEFAULT '[]',
  profile_name TEXT NOT NULL,
  result TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS agents (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  agent_id TEXT NOT NULL UNIQUE,
  parent_id TEXT,
  config TEXT NOT NULL,
  status TEXT NOT NULL,
  prompt_fields TEXT NOT NULL,
  state TEXT,
  inserted_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_task ON agents(task_id, inserted_at);
CREATE TABLE IF NOT EXISTS actions (
  id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  action_type TEXT NOT NULL,
  params TEXT NOT NULL,
  result TEXT,
  status TEXT NOT NULL,
  started_at TIMESTAMP NOT NULL,
  completed_at TIMESTAMP,
  error_message TEXT NOT NULL DEFAULT '',
  parent_action_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_actions_agent ON actions(agent_id, started_at);
CREATE TABLE IF NOT EXISTS costs (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  category TEXT NOT NULL,
  amount TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_costs_agent ON costs(agent_id);
CREATE TABLE IF NOT EXISTS logs (
  id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  level TEXT NOT NULL,
  message TEXT NOT NULL,
  fields TEXT,
  created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  from_agent TEXT,
  recipient TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS secrets (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  ciphertext BLOB NOT NULL,
  created_at TIMESTAMP NOT NULL,
  last_used_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS skills (
  name TEXT PRIMARY KEY,
  description TEXT NOT NULL DEFAULT '',
  path TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  permanent INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMP NOT NULL
);
`

// NewLiteStores opens (creating if needed) the SQLite database at
// cfg.SQLitePath and returns the full store set.
func NewLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "quorum.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one
	// connection rather than racing on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &store.Stores{
		Tasks:    &liteTaskStore{db: db},
		Agents:   &liteAgentStore{db: db},
		Actions:  &liteActionStore{db: db},
		Costs:    &liteCostStore{db: db},
		Logs:     &liteLogStore{db: db},
		Messages: &liteMessageStore{db: db},
		Secrets:  &liteSecretStore{db: db},
		Skills:   &liteSkillStore{db: db},
	}, nil
}
