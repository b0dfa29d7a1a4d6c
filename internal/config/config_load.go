package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			SQLitePath: "~/.quorum/quorum.db",
		},
		Providers: ProvidersConfig{
			Anthropic:      ProviderConfig{RateLimitRPM: 60},
			OpenAI:         ProviderConfig{RateLimitRPM: 60},
			EmbeddingModel: "text-embedding-3-small",
		},
		Profiles: map[string]*ProfileConfig{
			"default": {
				ModelPool: []string{
					"anthropic/claude-sonnet-4-5-20250929",
					"anthropic/claude-sonnet-4-5-20250929",
					"openai/gpt-4o",
				},
				CapabilityGroups: []string{
					"core", "delegation", "execution", "web", "filesystem",
					"secrets", "skills", "batch", "mcp",
				},
			},
		},
		Actor: ActorConfig{
			MailboxSize:          1024,
			HistoryCondenseAfter: 60,
			ConsensusRetryMax:    3,
			ConsensusBackoffMS:   100,
			SimilarityThreshold:  0.85,
		},
		Router: RouterConfig{
			ShellThresholdMS: 100,
			ActionTimeoutSec: 30,
			MaxResultBytes:   50_000,
			WorkingDir:       "~/.quorum/workspace",
		},
		Skills: SkillsConfig{
			Dir:   "~/.quorum/skills",
			Watch: true,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields defaults + env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("QUORUM_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("QUORUM_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("QUORUM_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("QUORUM_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("QUORUM_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("QUORUM_OPENAI_BASE_URL", &c.Providers.OpenAI.APIBase)
	envStr("QUORUM_ENCRYPTION_KEY", &c.Secrets.EncryptionKey)
	envStr("QUORUM_SKILLS_DIR", &c.Skills.Dir)
	envStr("QUORUM_WORKING_DIR", &c.Router.WorkingDir)
	envStr("QUORUM_OTLP_ENDPOINT", &c.Tracing.Endpoint)

	if v := os.Getenv("QUORUM_SHELL_THRESHOLD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Router.ShellThresholdMS = n
		}
	}
}

// Validate checks profile model specs so misconfiguration surfaces at
// boot instead of at the first consensus cycle.
func (c *Config) Validate() error {
	for name, p := range c.Profiles {
		if len(p.ModelPool) == 0 {
			return fmt.Errorf("profile %q: empty model_pool", name)
		}
		for _, spec := range p.ModelPool {
			if _, _, err := SplitModelSpec(spec); err != nil {
				return fmt.Errorf("profile %q: %w", name, err)
			}
		}
	}
	return nil
}

// ResolveProfile returns the named profile, or the built-in default
// when name is empty.
func (c *Config) ResolveProfile(name string) (*ProfileConfig, error) {
	if name == "" {
		name = "default"
	}
	p, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return p, nil
}

// SplitModelSpec splits "provider/model" into its parts.
func SplitModelSpec(spec string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(spec, "/")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("invalid model spec %q (want provider/model)", spec)
	}
	return provider, model, nil
}

// ExpandHome resolves a leading ~/ against the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
