package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/kxapp-com/findmy-service/storage"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAnisetteURL = "http://localhost:6969"
	DefaultHoursBack   = 24
	DefaultFetchRate   = 2.0
	DefaultFetchBurst  = 4
)

type Config struct {
	AnisetteURL string `yaml:"anisette_url"`
	SessionDir  string `yaml:"session_dir"`
	// SessionPassword encrypts stored sessions when set
	SessionPassword string  `yaml:"session_password"`
	LogLevel        string  `yaml:"log_level"`
	LogFormat       string  `yaml:"log_format"` // text or json
	FetchRate       float64 `yaml:"fetch_rate"`
	FetchBurst      int     `yaml:"fetch_burst"`
	HoursBack       int     `yaml:"hours_back"`
	// Accessories maps a host identifier to an accessory plist file.
	Accessories map[string]string `yaml:"accessories"`
}

/*
Load 读取yaml配置文件，path为空只使用环境变量，环境变量 FINDMY_* 覆盖文件中的值
*/
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = []byte(expandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyEnv(cfg *Config) {
	cfg.AnisetteURL = getEnvOrDefault("FINDMY_ANISETTE_URL", cfg.AnisetteURL)
	cfg.SessionDir = getEnvOrDefault("FINDMY_SESSION_DIR", cfg.SessionDir)
	cfg.SessionPassword = getEnvOrDefault("FINDMY_SESSION_PASSWORD", cfg.SessionPassword)
	cfg.LogLevel = getEnvOrDefault("FINDMY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("FINDMY_LOG_FORMAT", cfg.LogFormat)
	cfg.FetchRate = getEnvFloatOrDefault("FINDMY_FETCH_RATE", cfg.FetchRate)
	cfg.FetchBurst = getEnvIntOrDefault("FINDMY_FETCH_BURST", cfg.FetchBurst)
	cfg.HoursBack = getEnvIntOrDefault("FINDMY_HOURS_BACK", cfg.HoursBack)
}

func applyDefaults(cfg *Config) {
	if cfg.AnisetteURL == "" {
		cfg.AnisetteURL = DefaultAnisetteURL
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = storage.DefaultDir()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.FetchRate <= 0 {
		cfg.FetchRate = DefaultFetchRate
	}
	if cfg.FetchBurst <= 0 {
		cfg.FetchBurst = DefaultFetchBurst
	}
	if cfg.HoursBack <= 0 {
		cfg.HoursBack = DefaultHoursBack
	}
	if cfg.Accessories == nil {
		cfg.Accessories = map[string]string{}
	}
}

func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q, want text or json", c.LogFormat)
	}
	return nil
}

// SetupLogging applies the logging settings to the standard logrus logger.
func (c *Config) SetupLogging() {
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
