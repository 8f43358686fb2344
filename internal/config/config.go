// Package config holds the runtime configuration of a mirror process.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/utils"
	"github.com/spf13/viper"
)

const (
	BackendS3     = "s3"
	BackendMemory = "memory"

	// CredentialDefaultChain selects the AWS default credential chain.
	CredentialDefaultChain = "-"
)

var (
	ErrInvalidConfig     = errors.New("invalid config")
	ErrInvalidCredential = errors.New("invalid credential")
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".cloudmirror")
	DefaultConfigPath  = filepath.Join(DefaultConfigDir, "config.yaml")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "cloudmirror.log")
)

// Defaults mirror the package defaults of internal/mirror and the s3 store.
const (
	DefaultPushInterval = time.Second
	DefaultLongPollWait = 120 * time.Second
	DefaultRestartDelay = 10 * time.Second
	DefaultScanInterval = 5 * time.Second
	DefaultConcurrency  = 16
	DefaultJitter       = 10 * time.Millisecond
)

type Config struct {
	LocalRoot  string
	RemoteRoot string
	Credential string

	Backend  string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string

	PushInterval time.Duration
	LongPollWait time.Duration
	RestartDelay time.Duration
	ScanInterval time.Duration
	Concurrency  int
	Jitter       time.Duration
	Watch        bool

	// IndexPath holds the s3 change log; empty keeps it in memory.
	IndexPath string
	LogFile   string
	LogLevel  string

	// Path is the config file the values were read from, if any.
	Path string
}

func Default() *Config {
	return &Config{
		Credential:   CredentialDefaultChain,
		Backend:      BackendS3,
		PushInterval: DefaultPushInterval,
		LongPollWait: DefaultLongPollWait,
		RestartDelay: DefaultRestartDelay,
		ScanInterval: DefaultScanInterval,
		Concurrency:  DefaultConcurrency,
		Jitter:       DefaultJitter,
		LogFile:      DefaultLogFilePath,
		LogLevel:     "info",
	}
}

// FromViper reads every key set in v on top of the defaults. Keys use snake case.
func FromViper(v *viper.Viper) *Config {
	cfg := Default()
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	str("local_root", &cfg.LocalRoot)
	str("remote_root", &cfg.RemoteRoot)
	str("credential", &cfg.Credential)
	str("backend", &cfg.Backend)
	str("bucket", &cfg.Bucket)
	str("region", &cfg.Region)
	str("endpoint", &cfg.Endpoint)
	str("prefix", &cfg.Prefix)
	dur("push_interval", &cfg.PushInterval)
	dur("longpoll_wait", &cfg.LongPollWait)
	dur("restart_delay", &cfg.RestartDelay)
	dur("scan_interval", &cfg.ScanInterval)
	dur("jitter", &cfg.Jitter)
	if v.IsSet("concurrency") {
		cfg.Concurrency = v.GetInt("concurrency")
	}
	if v.IsSet("watch") {
		cfg.Watch = v.GetBool("watch")
	}
	str("index_path", &cfg.IndexPath)
	str("log_file", &cfg.LogFile)
	str("log_level", &cfg.LogLevel)
	cfg.Path = v.ConfigFileUsed()
	return cfg
}

// Validate checks the configuration and normalizes the roots in place.
func (c *Config) Validate() error {
	if c.LocalRoot == "" {
		return fmt.Errorf("%w: local root is required", ErrInvalidConfig)
	}
	localRoot, err := utils.ResolvePath(c.LocalRoot)
	if err != nil {
		return fmt.Errorf("%w: local root: %w", ErrInvalidConfig, err)
	}
	c.LocalRoot = localRoot

	if c.RemoteRoot != "" && !strings.HasPrefix(c.RemoteRoot, "/") {
		return fmt.Errorf("%w: remote root %q must start with /", ErrInvalidConfig, c.RemoteRoot)
	}
	if len(c.RemoteRoot) > 1 {
		c.RemoteRoot = strings.TrimRight(c.RemoteRoot, "/")
	}

	switch c.Backend {
	case BackendS3:
		if c.Bucket == "" {
			return fmt.Errorf("%w: bucket is required for the s3 backend", ErrInvalidConfig)
		}
		if _, err := ParseCredential(c.Credential); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}

	for name, d := range map[string]time.Duration{
		"push interval": c.PushInterval,
		"longpoll wait": c.LongPollWait,
		"restart delay": c.RestartDelay,
		"scan interval": c.ScanInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.Jitter < 0 {
		return fmt.Errorf("%w: jitter must not be negative", ErrInvalidConfig)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidConfig)
	}

	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Level parses LogLevel, an empty level is info.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// Credential is a static key pair. The zero value selects the default credential chain.
type Credential struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// ParseCredential accepts ACCESS_KEY_ID:SECRET_ACCESS_KEY[:SESSION_TOKEN] or "-".
func ParseCredential(s string) (Credential, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == CredentialDefaultChain {
		return Credential{}, nil
	}

	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Credential{}, fmt.Errorf("%w: expected ACCESS_KEY_ID:SECRET_ACCESS_KEY[:SESSION_TOKEN]", ErrInvalidCredential)
	}
	cred := Credential{AccessKey: parts[0], SecretKey: parts[1]}
	if len(parts) == 3 {
		cred.SessionToken = parts[2]
	}
	return cred, nil
}
