// Package config handles configuration loading from YAML and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/bridgecore/internal/policy"
)

// Config is the root configuration structure.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	CA        CAConfig        `yaml:"ca"`
	Rules     RulesConfig     `yaml:"rules"`
	History   HistoryConfig   `yaml:"history"`
	Live      LiveConfig      `yaml:"live"`
	Retention RetentionConfig `yaml:"retention"`
	Auth      AuthConfig      `yaml:"auth"`
}

// BridgeConfig configures the transparent TCP/TLS listener.
type BridgeConfig struct {
	Listen                     string `yaml:"listen"` // e.g., "0.0.0.0:9090"
	Host                       string `yaml:"host"`    // Bind host (alternative to listen)
	Port                       int    `yaml:"port"`    // Bind port (alternative to listen)
	IdleTimeoutSeconds         int    `yaml:"idle_timeout_seconds"`
	DialTimeoutSeconds         int    `yaml:"dial_timeout_seconds"`
	InsecureSkipVerifyUpstream bool   `yaml:"insecure_skip_verify_upstream"`
}

// CAConfig configures the spoofing certificate authority.
type CAConfig struct {
	Dir           string `yaml:"dir"`             // Directory holding ca.crt/ca.key
	MaxCacheSize  int    `yaml:"max_cache_size"`  // Forged-leaf LRU cache size
}

// HostRuleConfig is one glob-pattern firewall/inspection rule, as read from
// YAML (Action is a name, not the numeric policy.Action code).
type HostRuleConfig struct {
	Pattern string `yaml:"pattern"`
	Action  string `yaml:"action"` // "allow", "inspect", "block", "whitelist"
}

// RulesConfig configures the default host-rule policy engine.
type RulesConfig struct {
	Default string           `yaml:"default"` // falls back to "allow" if empty/unrecognized
	Hosts   []HostRuleConfig `yaml:"hosts"`
}

// HistoryConfig configures persistent transaction history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LiveConfig configures the live WebSocket feed.
type LiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// RetentionConfig configures data retention TTLs.
type RetentionConfig struct {
	TransactionsTTLDays int `yaml:"transactions_ttl_days"`
}

// AuthConfig configures API/live-feed authentication.
type AuthConfig struct {
	Token string `yaml:"token"` // Bearer token for the live feed and API
}

// DefaultConfig returns a Config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Listen:             "127.0.0.1:9090",
			IdleTimeoutSeconds: 300,
			DialTimeoutSeconds: 10,
		},
		CA: CAConfig{
			MaxCacheSize: 1000,
		},
		Rules: RulesConfig{
			Default: "allow",
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "", // Set in Load based on platform
		},
		Live: LiveConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9091",
		},
		Retention: RetentionConfig{
			TransactionsTTLDays: 30,
		},
		Auth: AuthConfig{
			Token: "", // Generated on first run if empty
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "bridgecore"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "bridgecore"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default history database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// DefaultCADir returns the default CA directory.
func DefaultCADir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "ca"), nil
}

// Load loads configuration from file, with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.History.DBPath = dbPath

	caDir, err := DefaultCADir()
	if err != nil {
		return nil, fmt.Errorf("getting default ca dir: %w", err)
	}
	cfg.CA.Dir = caDir

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if cfg.Auth.Token == "" {
				cfg.Auth.Token, err = generateToken()
				if err != nil {
					return nil, fmt.Errorf("generating auth token: %w", err)
				}
				if err := cfg.Save(path); err != nil {
					return nil, fmt.Errorf("saving config: %w", err)
				}
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.Auth.Token == "" {
		cfg.Auth.Token, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BRIDGECORE_LISTEN"); v != "" {
		c.Bridge.Listen = v
	}
	if v := os.Getenv("BRIDGECORE_DB_PATH"); v != "" {
		c.History.DBPath = v
	}
	if v := os.Getenv("BRIDGECORE_CA_DIR"); v != "" {
		c.CA.Dir = v
	}
	if v := os.Getenv("BRIDGECORE_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
}

// generateToken generates a cryptographically random auth token.
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "bridgecore_" + hex.EncodeToString(bytes), nil
}

// ListenAddr returns the bridge's listen address, handling host:port vs the
// separate host/port fields.
func (c *BridgeConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 9090
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// actionNames maps the YAML rule-action strings to policy.Action codes.
var actionNames = map[string]policy.Action{
	"allow":     policy.AllowNoInspect,
	"inspect":   policy.AllowInspect,
	"block":     policy.Block,
	"whitelist": policy.Whitelist,
}

// parseAction resolves a rule-action name, defaulting to AllowNoInspect for
// anything unrecognized rather than rejecting the whole config.
func parseAction(name string) policy.Action {
	if a, ok := actionNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return a
	}
	return policy.AllowNoInspect
}

// BuildHostRules compiles the configured rule list into a policy.HostRules
// engine ready to hand to the bridge.
func (c *RulesConfig) BuildHostRules() *policy.HostRules {
	def := parseAction(c.Default)
	rules := make([]policy.HostRule, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		rules = append(rules, policy.HostRule{Pattern: h.Pattern, Action: parseAction(h.Action)})
	}
	return policy.NewHostRules(def, rules)
}
