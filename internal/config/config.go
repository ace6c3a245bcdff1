package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatwire.
type Config struct {
	General   GeneralConfig   `yaml:"general"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Transport TransportConfig `yaml:"transport"`
	Chat      ChatConfig      `yaml:"chat"`
	Presence  PresenceConfig  `yaml:"presence"`
	Roster    RosterConfig    `yaml:"roster"`
	History   HistoryConfig   `yaml:"history"`
}

type GeneralConfig struct {
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile,omitempty"`
}

// ServerConfig points the client at its backend.
type ServerConfig struct {
	BaseURL        string `yaml:"baseUrl"` // HTTP API root, e.g. https://chat.example.com
	WSURL          string `yaml:"wsUrl"`   // websocket endpoint, e.g. wss://chat.example.com/ws
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

type AuthConfig struct {
	Username string `yaml:"username"`
	Token    string `yaml:"token,omitempty"` // supports ${CHATWIRE_TOKEN} expansion
}

type TransportConfig struct {
	HeartbeatSeconds    int `yaml:"heartbeatSeconds"`
	ReconnectBaseMS     int `yaml:"reconnectBaseMs"`
	ReconnectMaxMS      int `yaml:"reconnectMaxMs"`
	MaxReconnects       int `yaml:"maxReconnects"`
	TokenTimeoutSeconds int `yaml:"tokenTimeoutSeconds"` // anti-forgery token fetch
}

// ChatConfig holds the dedup policy: one window per message class rather
// than per code path.
type ChatConfig struct {
	ExactResendWindowMS int `yaml:"exactResendWindowMs"` // optimistic entry vs. its own re-send
	TextWindowMS        int `yaml:"textWindowMs"`        // canonical vs. canonical, plain text
	AttachmentWindowMS  int `yaml:"attachmentWindowMs"`  // messages carrying attachments
}

type PresenceConfig struct {
	TypingTimeoutMS     int `yaml:"typingTimeoutMs"`
	InactivityTimeoutMS int `yaml:"inactivityTimeoutMs"`
}

type RosterConfig struct {
	RefreshOfflineSeconds int `yaml:"refreshOfflineSeconds"`
	RefreshOnlineSeconds  int `yaml:"refreshOnlineSeconds"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"dbPath"`
}

// DefaultConfigDir returns the default config directory (~/.chatwire).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatwire"
	}
	return filepath.Join(home, ".chatwire")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	// A .env next to the config file feeds ${VAR} expansion below.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.History.DBPath = expandPath(cfg.History.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = expandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config file: %w", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Server.BaseURL == "" {
		return fmt.Errorf("server.baseUrl is required")
	}
	if cfg.Server.WSURL == "" {
		return fmt.Errorf("server.wsUrl is required")
	}
	if !strings.HasPrefix(cfg.Server.WSURL, "ws://") && !strings.HasPrefix(cfg.Server.WSURL, "wss://") {
		return fmt.Errorf("server.wsUrl must be a ws:// or wss:// URL, got %q", cfg.Server.WSURL)
	}
	if cfg.Transport.MaxReconnects < 1 || cfg.Transport.MaxReconnects > 20 {
		return fmt.Errorf("transport.maxReconnects must be 1..20, got %d", cfg.Transport.MaxReconnects)
	}
	if cfg.Transport.ReconnectBaseMS <= 0 {
		return fmt.Errorf("transport.reconnectBaseMs must be positive")
	}
	if cfg.Transport.ReconnectMaxMS < cfg.Transport.ReconnectBaseMS {
		return fmt.Errorf("transport.reconnectMaxMs must be >= reconnectBaseMs")
	}
	if cfg.Chat.ExactResendWindowMS <= 0 || cfg.Chat.TextWindowMS <= 0 || cfg.Chat.AttachmentWindowMS <= 0 {
		return fmt.Errorf("chat dedup windows must be positive")
	}
	if cfg.Chat.ExactResendWindowMS >= cfg.Chat.TextWindowMS {
		return fmt.Errorf("chat.exactResendWindowMs must be narrower than chat.textWindowMs")
	}
	if cfg.Presence.TypingTimeoutMS <= 0 || cfg.Presence.InactivityTimeoutMS <= 0 {
		return fmt.Errorf("presence timeouts must be positive")
	}
	if cfg.Roster.RefreshOfflineSeconds <= 0 || cfg.Roster.RefreshOnlineSeconds <= 0 {
		return fmt.Errorf("roster refresh intervals must be positive")
	}
	return nil
}

// expandPath expands a leading ~/ to the user home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
