package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Oracle    Oracle    `yaml:"oracle"`
	Chat      Chat      `yaml:"chat"`
	Screening Screening `yaml:"screening"`
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Locking   Locking   `yaml:"locking"`
	Logging   Logging   `yaml:"logging"`
}

// Oracle configures the text-understanding backend used for scoring.
type Oracle struct {
	Provider         string        `yaml:"provider"`
	Model            string        `yaml:"model"`
	OllamaURL        string        `yaml:"ollama_url"`
	OpenAIModel      string        `yaml:"openai_model"`
	APIKeyEnv        string        `yaml:"api_key_env"`
	MaxTokens        int           `yaml:"max_tokens"`
	RetryMax         int           `yaml:"retry_max"`
	DetectionTimeout time.Duration `yaml:"detection_timeout"`
	ScoringTimeout   time.Duration `yaml:"scoring_timeout"`
	NarrativeTimeout time.Duration `yaml:"narrative_timeout"`
}

type Chat struct {
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	HistoryLimit int           `yaml:"history_limit"`
}

type Screening struct {
	QuestionThreshold int    `yaml:"question_threshold"`
	Escalation        string `yaml:"escalation"`
	DetectionWorkers  int    `yaml:"detection_workers"`
	DetectionBacklog  int    `yaml:"detection_backlog"`
}

type Server struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	JWTSecretEnv string        `yaml:"jwt_secret_env"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

type Storage struct {
	DataDir string `yaml:"data_dir"`
}

type Locking struct {
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	Lease     time.Duration `yaml:"lease"`
}

type Logging struct {
	Level string `yaml:"level"`
	Mode  string `yaml:"mode"`
}

// ConfigDir returns the XDG config directory for mindcheck.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "mindcheck")
}

// DataDir returns the XDG data directory for mindcheck.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "mindcheck")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/mindcheck/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'mindcheck init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	return &Config{
		Oracle: Oracle{
			Provider:         "ollama",
			Model:            "llama3.1:8b",
			OllamaURL:        "http://localhost:11434",
			OpenAIModel:      "gpt-4o-mini",
			APIKeyEnv:        "OPENAI_API_KEY",
			MaxTokens:        512,
			RetryMax:         2,
			DetectionTimeout: 30 * time.Second,
			ScoringTimeout:   20 * time.Second,
			NarrativeTimeout: 60 * time.Second,
		},
		Chat: Chat{
			ReplyTimeout: 120 * time.Second,
			HistoryLimit: 10,
		},
		Screening: Screening{
			QuestionThreshold: 3,
			Escalation:        "last_write",
			DetectionWorkers:  4,
			DetectionBacklog:  256,
		},
		Server: Server{
			Host:         "127.0.0.1",
			Port:         8000,
			JWTSecretEnv: "MINDCHECK_JWT_SECRET",
			TokenTTL:     60 * time.Minute,
		},
		Locking: Locking{
			Backend: "memory",
			Lease:   30 * time.Second,
		},
		Logging: Logging{Level: "info", Mode: "dev"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Screening.Escalation) {
	case "last_write", "monotonic":
	default:
		return fmt.Errorf("screening.escalation must be last_write or monotonic, got %q", c.Screening.Escalation)
	}
	switch strings.ToLower(c.Locking.Backend) {
	case "memory":
	case "redis":
		if c.Locking.RedisAddr == "" {
			return fmt.Errorf("locking.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("locking.backend must be memory or redis, got %q", c.Locking.Backend)
	}
	if c.Screening.QuestionThreshold < 0 {
		return fmt.Errorf("screening.question_threshold must not be negative")
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return DataDir()
}

// JWTSecret reads the signing secret from the configured environment variable.
func (c *Config) JWTSecret() (string, error) {
	secret := os.Getenv(c.Server.JWTSecretEnv)
	if secret == "" {
		return "", fmt.Errorf("environment variable %s is not set", c.Server.JWTSecretEnv)
	}
	return secret, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
