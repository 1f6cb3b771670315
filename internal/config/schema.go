package config

import (
	"time"

	"github.com/blackwell-systems/bookledger/internal/retry"
)

// Config is the top-level bookledger configuration.
type Config struct {
	// Dev runs against an in-process simulated ledger, content store and index.
	Dev          bool               `mapstructure:"dev" yaml:"dev"`
	ContentStore ContentStoreConfig `mapstructure:"content_store" yaml:"content_store"`
	Ledger       LedgerConfig       `mapstructure:"ledger" yaml:"ledger"`
	Index        IndexConfig        `mapstructure:"index" yaml:"index"`
	Jobs         JobsConfig         `mapstructure:"jobs" yaml:"jobs"`
	Retry        RetryConfig        `mapstructure:"retry" yaml:"retry"`
	Grant        GrantConfig        `mapstructure:"grant" yaml:"grant"`
	Defaults     DefaultsConfig     `mapstructure:"defaults" yaml:"defaults"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
}

// ContentStoreConfig points at the Kubo RPC API.
type ContentStoreConfig struct {
	APIURL  string        `mapstructure:"api_url" yaml:"api_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LedgerConfig holds the ledger node connection settings.
type LedgerConfig struct {
	RPCURL           string        `mapstructure:"rpc_url" yaml:"rpc_url"`
	TokenEnv         string        `mapstructure:"token_env" yaml:"token_env"`
	MinConfirmations uint64        `mapstructure:"min_confirmations" yaml:"min_confirmations"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	Token            string        `mapstructure:"-" yaml:"-"` // resolved at runtime, never written
}

// IndexConfig configures the index: either a database this process owns
// (database_url) or a remote index server (api_url).
type IndexConfig struct {
	Listen       string        `mapstructure:"listen" yaml:"listen"`
	APIURL       string        `mapstructure:"api_url" yaml:"api_url"`
	DatabaseURL  string        `mapstructure:"database_url" yaml:"database_url"`
	JWTSecretEnv string        `mapstructure:"jwt_secret_env" yaml:"jwt_secret_env"`
	CORSOrigin   string        `mapstructure:"cors_origin" yaml:"cors_origin"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"` // per request, api_url only
	JWTSecret    string        `mapstructure:"-" yaml:"-"`
}

// JobsConfig locates the Job Ledger and the transition journal.
type JobsConfig struct {
	DBPath      string        `mapstructure:"db_path" yaml:"db_path"`
	LockTTL     time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	JournalPath string        `mapstructure:"journal_path" yaml:"journal_path"`
}

// RetryConfig bounds the attempts of every orchestration stage.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MinBackoff     time.Duration `mapstructure:"min_backoff" yaml:"min_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
}

// Policy converts the settings into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.MinBackoff > 0 {
		p.Min = r.MinBackoff
	}
	if r.MaxBackoff > 0 {
		p.Max = r.MaxBackoff
	}
	if r.AttemptTimeout > 0 {
		p.AttemptTimeout = r.AttemptTimeout
	}
	return p
}

// GrantConfig tunes the background access-grant retrier.
type GrantConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultsConfig holds default values for operations.
type DefaultsConfig struct {
	CacheDir    string `mapstructure:"cache_dir" yaml:"cache_dir"`
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
}

// LogConfig sets the log level of every subsystem.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}
