package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tutorchat/internal/api"
	"tutorchat/internal/conn"
	"tutorchat/internal/receipts"
	"tutorchat/internal/session"
	"tutorchat/internal/typing"
)

// ClientConfig defines the parameters the terminal client needs.
type ClientConfig struct {
	// ServerURL is the websocket endpoint of the message server.
	ServerURL string `yaml:"server_url"`
	// APIURL is the HTTP base for login, history and uploads. Derived
	// from ServerURL when empty.
	APIURL   string   `yaml:"api_url"`
	Username string   `yaml:"username"`
	Room     string   `yaml:"room"`
	Watch    []string `yaml:"watch"`

	// SessionPath stores the last login so the client can reconnect
	// without prompting.
	SessionPath string `yaml:"session_path"`
	LogFile     string `yaml:"log_file"`
	LogLevel    string `yaml:"log_level"`

	Sync SyncConfig `yaml:"sync"`
}

// SyncConfig tunes the realtime layer. Durations are strings such as "300ms".
type SyncConfig struct {
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`
	MaxAttempts     int           `yaml:"max_attempts"`
	TypingIdle      time.Duration `yaml:"typing_idle"`
	TypingTTL       time.Duration `yaml:"typing_ttl"`
	ReceiptDelay    time.Duration `yaml:"receipt_delay"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	HistoryPages    int           `yaml:"history_pages"`
	HistoryPageSize int           `yaml:"history_page_size"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:   "ws://localhost:8080/ws",
		SessionPath: DefaultSessionPath(),
		LogLevel:    "info",
		Sync: SyncConfig{
			BackoffBase:     conn.DefaultBackoffBase,
			BackoffCap:      conn.DefaultBackoffCap,
			TypingIdle:      typing.DefaultIdle,
			TypingTTL:       typing.DefaultTTL,
			ReceiptDelay:    receipts.DefaultDelay,
			SendTimeout:     session.DefaultSendTimeout,
			HistoryPages:    1,
			HistoryPageSize: session.DefaultHistoryPageSize,
		},
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing
// from the file keep their current values.
func LoadConfigFile(cfg ClientConfig, path string) (ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from TUTORCHAT_* variables.
func ApplyEnv(cfg ClientConfig, getenv func(string) string) ClientConfig {
	set := func(key string, target *string) {
		if value := getenv(key); value != "" {
			*target = value
		}
	}
	set("TUTORCHAT_SERVER", &cfg.ServerURL)
	set("TUTORCHAT_API", &cfg.APIURL)
	set("TUTORCHAT_USER", &cfg.Username)
	set("TUTORCHAT_ROOM", &cfg.Room)
	set("TUTORCHAT_SESSION_FILE", &cfg.SessionPath)
	set("TUTORCHAT_LOG_FILE", &cfg.LogFile)
	set("TUTORCHAT_LOG_LEVEL", &cfg.LogLevel)
	if watch := getenv("TUTORCHAT_WATCH"); watch != "" {
		cfg.Watch = ParseRoomList(watch)
	}
	return cfg
}

// ParseRoomList splits a comma-separated room list.
func ParseRoomList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks required fields and fills derived ones.
func (cfg *ClientConfig) Validate() error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.APIURL == "" {
		base, err := api.HTTPBaseFromSocketURL(cfg.ServerURL)
		if err != nil {
			return fmt.Errorf("derive api url: %w", err)
		}
		cfg.APIURL = base
	}
	if cfg.Sync.BackoffCap > 0 && cfg.Sync.BackoffBase > cfg.Sync.BackoffCap {
		return fmt.Errorf("backoff_base %s exceeds backoff_cap %s", cfg.Sync.BackoffBase, cfg.Sync.BackoffCap)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// DefaultSessionPath returns a per-user path for the saved login.
func DefaultSessionPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tutorchat", "session.json")
	}
	return filepath.Join(".", ".tutorchat", "session.json")
}
