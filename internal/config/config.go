package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tabwarden daemon.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// API listener
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Settings store
	SettingsFile string

	// Notification behavior
	NotifyMode       string
	NTFYEndpoint     string
	DesktopNotify    bool
	MessageTimeoutMS int

	// Admission behavior
	EvalTimeoutMS int
	ExemptURLs    []string

	// Browser launch
	LaunchBrowser     bool
	BrowserProfileDir string
	BrowserStartURLs  []string

	// Logging and history
	LogLevel    string
	LogFile     string
	HistoryFile string
}

// Load reads configuration from environment variables and an optional .env
// file, then applies the YAML file named by TABWARDEN_CONFIG when set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		BindAddr:          getEnvOrDefault("TABWARDEN_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:    getEnvListOrDefault("TABWARDEN_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback:  getEnvBoolOrDefault("TABWARDEN_PORT_AUTO_FALLBACK", true),
		SettingsFile:      getEnvOrDefault("TABWARDEN_SETTINGS_FILE", "./tabwarden_settings.json"),
		NotifyMode:        strings.ToLower(getEnvOrDefault("TABWARDEN_NOTIFY_MODE", "popup")),
		NTFYEndpoint:      getEnvOrDefault("TABWARDEN_NTFY_ENDPOINT", ""),
		DesktopNotify:     getEnvBoolOrDefault("TABWARDEN_DESKTOP_NOTIFY", true),
		MessageTimeoutMS:  getEnvIntOrDefault("TABWARDEN_MESSAGE_TIMEOUT_MS", 2000),
		EvalTimeoutMS:     getEnvIntOrDefault("TABWARDEN_EVAL_TIMEOUT_MS", 5000),
		ExemptURLs:        getEnvListOrDefault("TABWARDEN_EXEMPT_URLS", nil),
		LaunchBrowser:     getEnvBoolOrDefault("TABWARDEN_LAUNCH_BROWSER", false),
		BrowserProfileDir: getEnvOrDefault("TABWARDEN_BROWSER_PROFILE_DIR", "./browser_profile"),
		BrowserStartURLs:  getEnvListOrDefault("TABWARDEN_BROWSER_START_URLS", []string{"about:blank"}),
		LogLevel:          strings.ToLower(getEnvOrDefault("TABWARDEN_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("TABWARDEN_LOG_FILE", "logs/tabwarden.log"),
		HistoryFile:       getEnvOrDefault("TABWARDEN_HISTORY_FILE", "logs/tabwarden_history.jsonl"),
	}

	if path := os.Getenv("TABWARDEN_CONFIG"); path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		file.Apply(cfg)
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.EvalTimeoutMS < 1000 {
		c.EvalTimeoutMS = 1000
	}
	if c.MessageTimeoutMS <= 0 {
		c.MessageTimeoutMS = 2000
	}
	c.NotifyMode = strings.ToLower(strings.TrimSpace(c.NotifyMode))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

// OptionsURL returns the address of the options page served on addr.
func OptionsURL(addr string) string {
	return "http://" + addr + "/options"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
