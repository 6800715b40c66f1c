package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for linkgate.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Sessions SessionsConfig `json:"sessions" yaml:"sessions"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`
	Phone    PhoneConfig    `json:"phone" yaml:"phone"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Alerts   AlertsConfig   `json:"alerts" yaml:"alerts"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	// Rotation for LogFile.
	LogMaxSizeMB  int `json:"logMaxSizeMB,omitempty" yaml:"logMaxSizeMB,omitempty"`
	LogMaxBackups int `json:"logMaxBackups,omitempty" yaml:"logMaxBackups,omitempty"`
	LogMaxAgeDays int `json:"logMaxAgeDays,omitempty" yaml:"logMaxAgeDays,omitempty"`
}

type ServerConfig struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	APIKey string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	// MaxBodyBytes caps request bodies on the send endpoints.
	MaxBodyBytes int64 `json:"maxBodyBytes" yaml:"maxBodyBytes"`
}

type SessionsConfig struct {
	TokenPrefix          string `json:"tokenPrefix" yaml:"tokenPrefix"`
	PersistLinks         bool   `json:"persistLinks" yaml:"persistLinks"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts" yaml:"maxReconnectAttempts"`
	TimeoutMinutes       int    `json:"timeoutMinutes" yaml:"timeoutMinutes"`
	ResetDelaySeconds    int    `json:"resetDelaySeconds" yaml:"resetDelaySeconds"`
	HeartbeatSeconds     int    `json:"heartbeatSeconds" yaml:"heartbeatSeconds"`
	ReaperSeconds        int    `json:"reaperSeconds" yaml:"reaperSeconds"`
	SaveSeconds          int    `json:"saveSeconds" yaml:"saveSeconds"`
	// QRWaitSeconds bounds how long a QR request waits for a pairing payload.
	QRWaitSeconds int `json:"qrWaitSeconds" yaml:"qrWaitSeconds"`
}

type DispatchConfig struct {
	BatchSize           int `json:"batchSize" yaml:"batchSize"`
	PaceMillis          int `json:"paceMillis" yaml:"paceMillis"`
	RateLimitCooldownMs int `json:"rateLimitCooldownMs" yaml:"rateLimitCooldownMs"`
	SendTimeoutSeconds  int `json:"sendTimeoutSeconds" yaml:"sendTimeoutSeconds"`
	IntervalSeconds     int `json:"intervalSeconds" yaml:"intervalSeconds"`
}

type PhoneConfig struct {
	CountryCode string `json:"countryCode" yaml:"countryCode"`
	LocalLength int    `json:"localLength" yaml:"localLength"`
}

type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" | "postgres" | "memory"
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// TelegramConfig configures the MTProto user-session client.
type TelegramConfig struct {
	AppID            int    `json:"appId" yaml:"appId"`
	AppHash          string `json:"appHash" yaml:"appHash"`
	SessionDir       string `json:"sessionDir" yaml:"sessionDir"`
	QRTimeoutSeconds int    `json:"qrTimeoutSeconds" yaml:"qrTimeoutSeconds"`
}

type AlertsConfig struct {
	Telegram BotAlertConfig `json:"telegram" yaml:"telegram"`
}

// BotAlertConfig sends operator alerts through a Telegram bot.
type BotAlertConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	ChatID  int64  `json:"chatId,omitempty" yaml:"chatId,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.linkgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".linkgate"
	}
	return filepath.Join(home, ".linkgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ExpandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without default is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1024 {
		errs = append(errs, "server.maxBodyBytes must be >= 1024")
	}

	if cfg.Sessions.TokenPrefix == "" || strings.Contains(cfg.Sessions.TokenPrefix, "_") {
		errs = append(errs, "sessions.tokenPrefix must be non-empty and contain no underscore")
	}
	if cfg.Sessions.MaxReconnectAttempts < 1 {
		errs = append(errs, "sessions.maxReconnectAttempts must be >= 1")
	}
	if cfg.Sessions.TimeoutMinutes < 1 {
		errs = append(errs, "sessions.timeoutMinutes must be >= 1")
	}
	if cfg.Sessions.ResetDelaySeconds < 0 {
		errs = append(errs, "sessions.resetDelaySeconds must be >= 0")
	}
	if cfg.Sessions.QRWaitSeconds < 0 {
		errs = append(errs, "sessions.qrWaitSeconds must be >= 0")
	}
	if cfg.Sessions.HeartbeatSeconds < 1 || cfg.Sessions.ReaperSeconds < 1 || cfg.Sessions.SaveSeconds < 1 {
		errs = append(errs, "sessions.heartbeatSeconds, reaperSeconds and saveSeconds must be >= 1")
	}

	if cfg.Dispatch.BatchSize < 1 || cfg.Dispatch.BatchSize > 100 {
		errs = append(errs, "dispatch.batchSize must be between 1 and 100")
	}
	if cfg.Dispatch.PaceMillis < 0 {
		errs = append(errs, "dispatch.paceMillis must be >= 0")
	}
	if cfg.Dispatch.RateLimitCooldownMs < 0 {
		errs = append(errs, "dispatch.rateLimitCooldownMs must be >= 0")
	}
	if cfg.Dispatch.SendTimeoutSeconds < 1 {
		errs = append(errs, "dispatch.sendTimeoutSeconds must be >= 1")
	}
	if cfg.Dispatch.IntervalSeconds < 1 {
		errs = append(errs, "dispatch.intervalSeconds must be >= 1")
	}

	if cfg.Phone.CountryCode == "" || strings.Trim(cfg.Phone.CountryCode, "0123456789") != "" {
		errs = append(errs, "phone.countryCode must be digits only")
	}
	if cfg.Phone.LocalLength < 4 || cfg.Phone.LocalLength > 15 {
		errs = append(errs, "phone.localLength must be between 4 and 15")
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres, memory")
	}

	if cfg.Telegram.QRTimeoutSeconds < 10 {
		errs = append(errs, "telegram.qrTimeoutSeconds must be >= 10")
	}

	if cfg.Alerts.Telegram.Enabled && (cfg.Alerts.Telegram.Token == "" || cfg.Alerts.Telegram.ChatID == 0) {
		errs = append(errs, "alerts.telegram: token and chatId are required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPaths resolves ~/ in every path-valued field of cfg.
func ExpandPaths(cfg *Config) {
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.Telegram.SessionDir = ExpandPath(cfg.Telegram.SessionDir)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
