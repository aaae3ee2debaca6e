package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".yardcore"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("YARDCORE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("YARDCORE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

type envGroup struct {
	prefix string
	spec   any
}

// envGroups maps each config group to its environment prefix.
func envGroups(cfg *Config) []envGroup {
	return []envGroup{
		{"YARDCORE_PATHS", &cfg.Paths},
		{"YARDCORE_DATABASE", &cfg.Database},
		{"YARDCORE_BROKER", &cfg.Broker},
		{"YARDCORE_REDIS", &cfg.Redis},
		{"YARDCORE_ROLES", &cfg.Roles},
		{"YARDCORE_AGENTS", &cfg.Agents},
		{"YARDCORE_ORCHESTRATOR", &cfg.Orchestrator},
		{"YARDCORE_MICROSERVICE", &cfg.Microservice},
		{"YARDCORE_NOTIFY", &cfg.Notify},
		{"YARDCORE_SERVER", &cfg.Server},
		{"YARDCORE_CRYPTO", &cfg.Crypto},
		{"YARDCORE_SLACK", &cfg.Slack},
	}
}

// Load loads the configuration from file and environment variables.
// Priority: environment > env file > config file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		path = ""
	}
	if _, err := LoadEnvFiles(path); err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	for _, g := range envGroups(cfg) {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return nil, fmt.Errorf("environment %s_*: %w", g.prefix, err)
		}
	}

	// Fallbacks shared with the rest of the Kafka/Redis tooling.
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" && os.Getenv("YARDCORE_BROKER_BROKERS") == "" {
		cfg.Broker.Brokers = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDRESS")); v != "" && os.Getenv("YARDCORE_REDIS_ADDRESS") == "" {
		cfg.Redis.Address = v
	}

	// Expand ~ in paths
	expandHome := func(p *string) {
		if strings.HasPrefix(*p, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				*p = filepath.Join(home, (*p)[1:])
			}
		}
	}
	expandHome(&cfg.Paths.DataDir)
	expandHome(&cfg.Database.Path)
	expandHome(&cfg.Crypto.PrivateKeyPath)
	expandHome(&cfg.Crypto.PublicKeyPath)

	normalize(cfg)
	return cfg, nil
}

// normalize clamps values that would break the runtime loops.
func normalize(cfg *Config) {
	def := DefaultConfig()
	switch strings.ToLower(strings.TrimSpace(cfg.Database.Driver)) {
	case "sqlite", "sqlite3":
		cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	default:
		cfg.Database.Driver = def.Database.Driver
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Crypto.Encryption)) {
	case "none", "agent", "aes256":
		cfg.Crypto.Encryption = strings.ToLower(strings.TrimSpace(cfg.Crypto.Encryption))
	default:
		cfg.Crypto.Encryption = "none"
	}
	if cfg.Roles.LeaseTTL <= 0 {
		cfg.Roles.LeaseTTL = def.Roles.LeaseTTL
	}
	if cfg.Agents.LivenessInterval <= 0 {
		cfg.Agents.LivenessInterval = def.Agents.LivenessInterval
	}
	if cfg.Agents.RateLimitInterval <= 0 {
		cfg.Agents.RateLimitInterval = def.Agents.RateLimitInterval
	}
	if cfg.Notify.BufferPeriod <= 0 {
		cfg.Notify.BufferPeriod = def.Notify.BufferPeriod
	}
	if cfg.Broker.ReconnectDelay <= 0 {
		cfg.Broker.ReconnectDelay = def.Broker.ReconnectDelay
	}
	if cfg.Orchestrator.AgentWaitTimeout <= 0 {
		cfg.Orchestrator.AgentWaitTimeout = def.Orchestrator.AgentWaitTimeout
	}
	if cfg.Orchestrator.AgentPollInterval <= 0 {
		cfg.Orchestrator.AgentPollInterval = def.Orchestrator.AgentPollInterval
	}
	if cfg.Orchestrator.MaxConcDispatch <= 0 {
		cfg.Orchestrator.MaxConcDispatch = def.Orchestrator.MaxConcDispatch
	}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
