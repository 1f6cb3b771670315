package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/bookledger/internal/util"
)

// DefaultPath returns the default config file path.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "bookledger", "config.yml")
}

// ResolvePath returns path, or BOOKLEDGER_CONFIG, or the default path.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv("BOOKLEDGER_CONFIG"); p != "" {
		return p
	}
	return DefaultPath()
}

// Load reads the config from path (see ResolvePath) and the environment.
// A .env file in the working directory is loaded first. A missing config
// file is fine; the init command creates it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BOOKLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(ResolvePath(path))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; the init command creates it.
		if !os.IsNotExist(err) {
			if _, isCfgNotFound := err.(viper.ConfigFileNotFoundError); !isCfgNotFound {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Secrets come from the environment only.
	cfg.Ledger.Token = os.Getenv(cfg.Ledger.TokenEnv)
	cfg.Index.JWTSecret = os.Getenv(cfg.Index.JWTSecretEnv)

	cfg.Defaults.CacheDir = util.ExpandHome(cfg.Defaults.CacheDir)
	cfg.Jobs.DBPath = util.ExpandHome(cfg.Jobs.DBPath)
	cfg.Jobs.JournalPath = util.ExpandHome(cfg.Jobs.JournalPath)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dev", false)
	v.SetDefault("content_store.api_url", "http://127.0.0.1:5001")
	v.SetDefault("content_store.timeout", 2*time.Minute)
	v.SetDefault("ledger.rpc_url", "ws://127.0.0.1:8545/rpc/v0")
	v.SetDefault("ledger.token_env", "BOOKLEDGER_LEDGER_TOKEN")
	v.SetDefault("ledger.min_confirmations", 1)
	v.SetDefault("ledger.poll_interval", 2*time.Second)
	v.SetDefault("ledger.confirm_timeout", 2*time.Minute)
	v.SetDefault("index.listen", "127.0.0.1:8080")
	v.SetDefault("index.api_url", "")
	v.SetDefault("index.database_url", "")
	v.SetDefault("index.jwt_secret_env", "BOOKLEDGER_INDEX_JWT_SECRET")
	v.SetDefault("index.cors_origin", "")
	v.SetDefault("index.timeout", 30*time.Second)
	v.SetDefault("jobs.db_path", filepath.Join(dataDir(), "jobs.db"))
	v.SetDefault("jobs.lock_ttl", 10*time.Minute)
	v.SetDefault("jobs.journal_path", filepath.Join(dataDir(), "journal.jsonl"))
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.min_backoff", 500*time.Millisecond)
	v.SetDefault("retry.max_backoff", 30*time.Second)
	v.SetDefault("retry.attempt_timeout", 3*time.Minute)
	v.SetDefault("grant.max_attempts", 10)
	v.SetDefault("grant.sweep_interval", 30*time.Second)
	v.SetDefault("defaults.cache_dir", filepath.Join(dataDir(), "cache"))
	v.SetDefault("defaults.concurrency", 4)
	v.SetDefault("log.level", "info")
}

// Validate checks that a non-dev config can reach its services.
func (c *Config) Validate() error {
	var problems []string
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be positive")
	}
	if c.Grant.MaxAttempts <= 0 {
		problems = append(problems, "grant.max_attempts must be positive")
	}
	// A ledger stage attempt includes the confirmation wait.
	if c.Retry.AttemptTimeout > 0 && c.Retry.AttemptTimeout <= c.Ledger.ConfirmTimeout {
		problems = append(problems, fmt.Sprintf("retry.attempt_timeout (%s) must exceed ledger.confirm_timeout (%s)",
			c.Retry.AttemptTimeout, c.Ledger.ConfirmTimeout))
	}
	if !c.Dev {
		if c.ContentStore.APIURL == "" {
			problems = append(problems, "content_store.api_url is required")
		}
		if c.Ledger.RPCURL == "" {
			problems = append(problems, "ledger.rpc_url is required")
		}
		if c.Index.DatabaseURL == "" && c.Index.APIURL == "" {
			problems = append(problems, "one of index.database_url or index.api_url is required")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Save writes the config as YAML to path (see ResolvePath).
func Save(cfg *Config, path string) error {
	path = ResolvePath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	return enc.Encode(cfg)
}

func dataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "bookledger")
}
