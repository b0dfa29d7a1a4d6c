package config

// Config is the full daemon configuration, loaded from a JSON5 file
// with environment overlays.
type Config struct {
	Database  DatabaseConfig            `json:"database"`
	Providers ProvidersConfig           `json:"providers"`
	Profiles  map[string]*ProfileConfig `json:"profiles"`
	Actor     ActorConfig               `json:"actor"`
	Router    RouterConfig              `json:"router"`
	Secrets   SecretsConfig             `json:"secrets"`
	Skills    SkillsConfig              `json:"skills"`
	MCP       map[string]*MCPServerConfig `json:"mcp"`
	Tracing   TracingConfig             `json:"tracing"`
}

// DatabaseConfig selects the storage backend. An empty PostgresDSN
// means standalone mode on SQLite.
type DatabaseConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
	SQLitePath  string `json:"sqlite_path"`
}

// ProviderConfig is credentials + endpoint for one LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
	// RateLimitRPM bounds requests per minute; 0 = unlimited.
	RateLimitRPM int `json:"rate_limit_rpm"`
}

// ProvidersConfig holds all provider credentials.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
	// EmbeddingModel is used for semantic-similarity consensus.
	EmbeddingModel string `json:"embedding_model"`
}

// ProfileConfig is a named bundle of model pool, capability groups and
// default prompt fragments, selected at task creation.
type ProfileConfig struct {
	// ModelPool is an ordered list of "provider/model" specs.
	// Duplicates are allowed (a model consulted twice gets two votes).
	ModelPool        []string `json:"model_pool"`
	CapabilityGroups []string `json:"capability_groups"`
	Role             string   `json:"role"`
	CognitiveStyle   string   `json:"cognitive_style"`
	OutputStyle      string   `json:"output_style"`
}

// ActorConfig tunes the agent actor loop.
type ActorConfig struct {
	MailboxSize int `json:"mailbox_size"`
	// HistoryCondenseAfter is the per-model history length beyond
	// which older entries are condensed into a summary entry.
	HistoryCondenseAfter int `json:"history_condense_after"`
	// ConsensusRetryMax bounds full-pool RPC failure retries.
	ConsensusRetryMax int `json:"consensus_retry_max"`
	// ConsensusBackoffMS is the base jittered backoff per attempt.
	ConsensusBackoffMS int `json:"consensus_backoff_ms"`
	// SimilarityThreshold is the default semantic-similarity cutoff.
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// RouterConfig tunes action execution.
type RouterConfig struct {
	// ShellThresholdMS is the smart-mode sync/async partition point.
	ShellThresholdMS int `json:"shell_threshold_ms"`
	// ActionTimeoutSec is the default per-action timeout (HTTP/API).
	ActionTimeoutSec int `json:"action_timeout_sec"`
	// MaxResultBytes caps external responses before truncation.
	MaxResultBytes int    `json:"max_result_bytes"`
	WorkingDir     string `json:"working_dir"`
}

// SecretsConfig configures encryption at rest.
type SecretsConfig struct {
	// EncryptionKey is hex or raw; hashed to the AES key.
	EncryptionKey string `json:"encryption_key"`
}

// SkillsConfig configures the skill library.
type SkillsConfig struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
}

// MCPServerConfig describes one MCP server an agent may call.
type MCPServerConfig struct {
	Transport string            `json:"transport"` // "stdio", "sse" or "http"
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutSec int              `json:"timeout_sec,omitempty"`
}

// TracingConfig configures OTel span export (compiled behind the otel
// build tag). Export starts whenever Endpoint is non-empty; Enabled is
// not read.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}
