/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package syncdispatch

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"

	"github.com/acronis/go-syncdispatch/retry"
)

const cfgDefaultKeyPrefix = "syncDispatch"

const (
	cfgKeyWorkers                   = "workers"
	cfgKeyMaxAttempts               = "maxAttempts"
	cfgKeyStatusCacheMaxEntries     = "statusCacheMaxEntries"
	cfgKeyIdlePollInterval          = "idlePollInterval"
	cfgKeyTimeoutsProviderCall      = "timeouts.providerCall"
	cfgKeyTimeoutsClaimVisibility   = "timeouts.claimVisibility"
	cfgKeyRetryInitialInterval      = "retry.initialInterval"
	cfgKeyRetryMultiplier           = "retry.multiplier"
	cfgKeyRetryMaxInterval          = "retry.maxInterval"
	cfgKeyRetryJitterFraction       = "retry.jitterFraction"
)

const (
	defaultWorkers                 = 4
	defaultMaxAttempts             = 3
	defaultIdlePollInterval        = time.Millisecond * 250
	defaultTimeoutsProviderCall    = time.Second * 30
	defaultTimeoutsClaimVisibility = time.Second * 30
)

// Config represents a set of configuration parameters for the sync dispatch engine.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Workers is the number of concurrent dispatch workers.
	Workers int `mapstructure:"workers" yaml:"workers" json:"workers"`

	// MaxAttempts is the attempt budget of an operation before it is dead-lettered.
	MaxAttempts int `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts"`

	// StatusCacheMaxEntries bounds the number of terminal results kept for status queries.
	StatusCacheMaxEntries int `mapstructure:"statusCacheMaxEntries" yaml:"statusCacheMaxEntries" json:"statusCacheMaxEntries"`

	// IdlePollInterval is how long a worker sleeps when the queue is empty.
	IdlePollInterval config.TimeDuration `mapstructure:"idlePollInterval" yaml:"idlePollInterval" json:"idlePollInterval"`

	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry" json:"retry"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix:             opts.keyPrefix,
		Workers:               defaultWorkers,
		MaxAttempts:           defaultMaxAttempts,
		StatusCacheMaxEntries: DefaultTerminalResultsMaxEntries,
		IdlePollInterval:      config.TimeDuration(defaultIdlePollInterval),
		Timeouts: TimeoutsConfig{
			ProviderCall:    config.TimeDuration(defaultTimeoutsProviderCall),
			ClaimVisibility: config.TimeDuration(defaultTimeoutsClaimVisibility),
		},
		Retry: RetryConfig{
			InitialInterval: config.TimeDuration(retry.DefaultInitialInterval),
			Multiplier:      retry.DefaultMultiplier,
			MaxInterval:     config.TimeDuration(retry.DefaultMaxInterval),
			JitterFraction:  retry.DefaultJitterFraction,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the engine in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyWorkers, defaultWorkers)
	dp.SetDefault(cfgKeyMaxAttempts, defaultMaxAttempts)
	dp.SetDefault(cfgKeyStatusCacheMaxEntries, DefaultTerminalResultsMaxEntries)
	dp.SetDefault(cfgKeyIdlePollInterval, defaultIdlePollInterval)
	dp.SetDefault(cfgKeyTimeoutsProviderCall, defaultTimeoutsProviderCall)
	dp.SetDefault(cfgKeyTimeoutsClaimVisibility, defaultTimeoutsClaimVisibility)
	dp.SetDefault(cfgKeyRetryInitialInterval, retry.DefaultInitialInterval)
	dp.SetDefault(cfgKeyRetryMultiplier, retry.DefaultMultiplier)
	dp.SetDefault(cfgKeyRetryMaxInterval, retry.DefaultMaxInterval)
	dp.SetDefault(cfgKeyRetryJitterFraction, retry.DefaultJitterFraction)
}

// Set sets engine configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Workers, err = dp.GetInt(cfgKeyWorkers); err != nil {
		return err
	}
	if c.Workers < 1 {
		return dp.WrapKeyErr(cfgKeyWorkers, fmt.Errorf("workers must be at least 1"))
	}

	if c.MaxAttempts, err = dp.GetInt(cfgKeyMaxAttempts); err != nil {
		return err
	}
	if c.MaxAttempts < 1 {
		return dp.WrapKeyErr(cfgKeyMaxAttempts, fmt.Errorf("maxAttempts must be at least 1"))
	}

	if c.StatusCacheMaxEntries, err = dp.GetInt(cfgKeyStatusCacheMaxEntries); err != nil {
		return err
	}
	if c.StatusCacheMaxEntries < 1 {
		return dp.WrapKeyErr(cfgKeyStatusCacheMaxEntries, fmt.Errorf("statusCacheMaxEntries must be at least 1"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyIdlePollInterval); err != nil {
		return err
	}
	c.IdlePollInterval = config.TimeDuration(dur)

	if err = c.Timeouts.Set(dp); err != nil {
		return err
	}
	return c.Retry.Set(dp)
}

// TimeoutsConfig represents a set of configuration parameters for the engine relating to timeouts.
type TimeoutsConfig struct {
	// ProviderCall bounds a single call to a provider client.
	ProviderCall config.TimeDuration `mapstructure:"providerCall" yaml:"providerCall" json:"providerCall"`

	// ClaimVisibility bounds how long a worker may hold a claimed operation
	// before the queue makes it reclaimable by another worker.
	ClaimVisibility config.TimeDuration `mapstructure:"claimVisibility" yaml:"claimVisibility" json:"claimVisibility"`
}

// Set sets timeout configuration values from config.DataProvider.
// Implements config.Config interface.
func (t *TimeoutsConfig) Set(dp config.DataProvider) error {
	var err error
	var dur time.Duration

	if dur, err = dp.GetDuration(cfgKeyTimeoutsProviderCall); err != nil {
		return err
	}
	t.ProviderCall = config.TimeDuration(dur)

	if dur, err = dp.GetDuration(cfgKeyTimeoutsClaimVisibility); err != nil {
		return err
	}
	t.ClaimVisibility = config.TimeDuration(dur)

	return nil
}

// RetryConfig represents a set of configuration parameters for the engine's retry policy.
type RetryConfig struct {
	InitialInterval config.TimeDuration `mapstructure:"initialInterval" yaml:"initialInterval" json:"initialInterval"`
	Multiplier      float64             `mapstructure:"multiplier" yaml:"multiplier" json:"multiplier"`
	MaxInterval     config.TimeDuration `mapstructure:"maxInterval" yaml:"maxInterval" json:"maxInterval"`
	JitterFraction  float64             `mapstructure:"jitterFraction" yaml:"jitterFraction" json:"jitterFraction"`
}

// Set sets retry configuration values from config.DataProvider.
func (r *RetryConfig) Set(dp config.DataProvider) error {
	var err error
	var dur time.Duration

	if dur, err = dp.GetDuration(cfgKeyRetryInitialInterval); err != nil {
		return err
	}
	r.InitialInterval = config.TimeDuration(dur)

	if r.Multiplier, err = dp.GetFloat64(cfgKeyRetryMultiplier); err != nil {
		return err
	}
	if r.Multiplier < 1 {
		return dp.WrapKeyErr(cfgKeyRetryMultiplier, fmt.Errorf("multiplier must be at least 1"))
	}

	if dur, err = dp.GetDuration(cfgKeyRetryMaxInterval); err != nil {
		return err
	}
	r.MaxInterval = config.TimeDuration(dur)

	if r.JitterFraction, err = dp.GetFloat64(cfgKeyRetryJitterFraction); err != nil {
		return err
	}
	if r.JitterFraction < 0 || r.JitterFraction > 1 {
		return dp.WrapKeyErr(cfgKeyRetryJitterFraction, fmt.Errorf("jitterFraction must be in range [0..1]"))
	}

	return nil
}

// Policy builds a retry.Policy from the configuration values.
func (r *RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		InitialInterval: time.Duration(r.InitialInterval),
		Multiplier:      r.Multiplier,
		MaxInterval:     time.Duration(r.MaxInterval),
		JitterFraction:  r.JitterFraction,
	}
}
