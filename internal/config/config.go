// Package config loads bumpguard settings from flags, BUMPGUARD_* environment
// variables and an optional config file.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment variables: --max-attempts is read from
// BUMPGUARD_MAX_ATTEMPTS.
const EnvPrefix = "bumpguard"

// Keys. Flag names match so cobra flags bind directly.
const (
	KeyConfigFile        = "config"
	KeyMaxAttempts       = "max-attempts"
	KeyStepTimeout       = "step-timeout"
	KeyClassifierTimeout = "classifier-timeout"
	KeyClassifierRetries = "classifier-retries"
	KeyClassifierCommand = "classifier-command"
	KeyCacheTTL          = "cache-ttl"
	KeyCacheExpiryHours  = "cache-expiry-hours"
	KeyCacheDir          = "cache-dir"
	KeyInstallCommand    = "install-command"
	KeyBuildCommand      = "build-command"
	KeyTestCommand       = "test-command"
	KeyOutputTail        = "output-tail"
	KeyWorkers           = "workers"
	KeyReportDir         = "report-dir"
	KeyVerbose           = "verbose"
	KeyDebug             = "debug"
)

const (
	DefaultMaxAttempts       = 3
	DefaultStepTimeout       = 5 * time.Minute
	DefaultClassifierTimeout = 60 * time.Second
	DefaultClassifierRetries = 2
	DefaultCacheTTL          = 24 * time.Hour
	DefaultOutputTail        = 5000
	DefaultWorkers           = 2
	DefaultCacheDir          = "~/.cache/bumpguard"
)

// Config is the resolved configuration of one invocation.
type Config struct {
	MaxAttempts       int
	StepTimeout       time.Duration
	ClassifierTimeout time.Duration
	ClassifierRetries int
	// ClassifierCommand is an external diagnosis program, split on spaces.
	ClassifierCommand []string
	CacheTTL          time.Duration
	CacheDir          string
	// Install, Build and Test replace the detected commands when non-empty.
	Install    string
	Build      string
	Test       string
	OutputTail int
	Workers    int
	ReportDir  string
	Verbose    bool
	Debug      bool
}

// Init prepares v the way every command expects: prefixed environment
// lookup with dashes mapped to underscores, defaults, and the legacy
// CACHE_EXPIRY_HOURS variable.
func Init(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyCacheExpiryHours, "CACHE_EXPIRY_HOURS")

	v.SetDefault(KeyMaxAttempts, DefaultMaxAttempts)
	v.SetDefault(KeyStepTimeout, DefaultStepTimeout)
	v.SetDefault(KeyClassifierTimeout, DefaultClassifierTimeout)
	v.SetDefault(KeyClassifierRetries, DefaultClassifierRetries)
	v.SetDefault(KeyOutputTail, DefaultOutputTail)
	v.SetDefault(KeyWorkers, DefaultWorkers)
	v.SetDefault(KeyCacheDir, DefaultCacheDir)
}

// Load reads the config file named by the config key, if any, and resolves
// every setting.
func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		MaxAttempts:       v.GetInt(KeyMaxAttempts),
		StepTimeout:       v.GetDuration(KeyStepTimeout),
		ClassifierTimeout: v.GetDuration(KeyClassifierTimeout),
		ClassifierRetries: v.GetInt(KeyClassifierRetries),
		ClassifierCommand: strings.Fields(v.GetString(KeyClassifierCommand)),
		CacheTTL:          cacheTTL(v),
		CacheDir:          v.GetString(KeyCacheDir),
		Install:           v.GetString(KeyInstallCommand),
		Build:             v.GetString(KeyBuildCommand),
		Test:              v.GetString(KeyTestCommand),
		OutputTail:        v.GetInt(KeyOutputTail),
		Workers:           v.GetInt(KeyWorkers),
		ReportDir:         v.GetString(KeyReportDir),
		Verbose:           v.GetBool(KeyVerbose),
		Debug:             v.GetBool(KeyDebug),
	}
	for _, dir := range []*string{&cfg.CacheDir, &cfg.ReportDir} {
		expanded, err := homedir.Expand(*dir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", *dir, err)
		}
		*dir = expanded
	}
	if cfg.ReportDir == "" && cfg.CacheDir != "" {
		cfg.ReportDir = filepath.Join(cfg.CacheDir, "reports")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cacheTTL prefers an explicit cache-ttl, then CACHE_EXPIRY_HOURS.
func cacheTTL(v *viper.Viper) time.Duration {
	if ttl := v.GetDuration(KeyCacheTTL); ttl != 0 {
		return ttl
	}
	if hours := v.GetFloat64(KeyCacheExpiryHours); hours != 0 {
		return time.Duration(hours * float64(time.Hour))
	}
	return DefaultCacheTTL
}

// Validate rejects budgets that would stop the engine from making progress.
func (c *Config) Validate() error {
	switch {
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%s must be positive, got %d", KeyMaxAttempts, c.MaxAttempts)
	case c.StepTimeout <= 0:
		return fmt.Errorf("%s must be positive, got %s", KeyStepTimeout, c.StepTimeout)
	case c.ClassifierTimeout <= 0:
		return fmt.Errorf("%s must be positive, got %s", KeyClassifierTimeout, c.ClassifierTimeout)
	case c.ClassifierRetries < 0:
		return fmt.Errorf("%s must not be negative, got %d", KeyClassifierRetries, c.ClassifierRetries)
	case c.CacheTTL <= 0:
		return fmt.Errorf("cache TTL must be positive, got %s", c.CacheTTL)
	case c.OutputTail <= 0:
		return fmt.Errorf("%s must be positive, got %d", KeyOutputTail, c.OutputTail)
	case c.Workers <= 0:
		return fmt.Errorf("%s must be positive, got %d", KeyWorkers, c.Workers)
	case c.CacheDir == "":
		return fmt.Errorf("%s must be set", KeyCacheDir)
	}
	return nil
}

// SnapshotPath is where the repository cache persists between invocations.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.CacheDir, "cache.json")
}

// ClonesDir holds shared clones made by analyze.
func (c *Config) ClonesDir() string {
	return filepath.Join(c.CacheDir, "clones")
}
