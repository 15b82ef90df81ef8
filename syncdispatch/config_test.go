/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package syncdispatch

import (
	"bytes"
	"testing"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/stretchr/testify/require"
)

func TestConfigWithLoader(t *testing.T) {
	yamlData := []byte(`
syncDispatch:
  workers: 8
  maxAttempts: 5
  statusCacheMaxEntries: 500
  idlePollInterval: 100ms
  timeouts:
    providerCall: 10s
    claimVisibility: 45s
  retry:
    initialInterval: 2s
    multiplier: 1.5
    maxInterval: 30s
    jitterFraction: 0.1
`)

	actualConfig := NewConfig()
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader(yamlData), config.DataTypeYAML, actualConfig)
	require.NoError(t, err, "load configuration")

	expectedConfig := NewConfig()
	expectedConfig.Workers = 8
	expectedConfig.MaxAttempts = 5
	expectedConfig.StatusCacheMaxEntries = 500
	expectedConfig.IdlePollInterval = config.TimeDuration(100 * time.Millisecond)
	expectedConfig.Timeouts = TimeoutsConfig{
		ProviderCall:    config.TimeDuration(10 * time.Second),
		ClaimVisibility: config.TimeDuration(45 * time.Second),
	}
	expectedConfig.Retry = RetryConfig{
		InitialInterval: config.TimeDuration(2 * time.Second),
		Multiplier:      1.5,
		MaxInterval:     config.TimeDuration(30 * time.Second),
		JitterFraction:  0.1,
	}

	require.Equal(t, expectedConfig, actualConfig, "configuration does not match expected")
}

func TestConfigDefaults(t *testing.T) {
	actualConfig := NewConfig()
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte("{}")), config.DataTypeYAML, actualConfig)
	require.NoError(t, err, "load configuration")
	require.Equal(t, NewDefaultConfig(), actualConfig, "defaults do not match expected")
}

func TestConfigValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		yamlData string
		errMsg   string
	}{
		{
			name: "workers less than 1",
			yamlData: `
syncDispatch:
  workers: 0
`,
			errMsg: "workers must be at least 1",
		},
		{
			name: "maxAttempts less than 1",
			yamlData: `
syncDispatch:
  maxAttempts: 0
`,
			errMsg: "maxAttempts must be at least 1",
		},
		{
			name: "statusCacheMaxEntries less than 1",
			yamlData: `
syncDispatch:
  statusCacheMaxEntries: -1
`,
			errMsg: "statusCacheMaxEntries must be at least 1",
		},
		{
			name: "retry multiplier less than 1",
			yamlData: `
syncDispatch:
  retry:
    multiplier: 0.5
`,
			errMsg: "multiplier must be at least 1",
		},
		{
			name: "jitterFraction out of range",
			yamlData: `
syncDispatch:
  retry:
    jitterFraction: 1.5
`,
			errMsg: "jitterFraction must be in range [0..1]",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader([]byte(tt.yamlData)), config.DataTypeYAML, cfg)
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestConfigWithKeyPrefix(t *testing.T) {
	yamlData := []byte(`
customSync:
  workers: 2
`)
	cfg := NewConfig(WithKeyPrefix("customSync"))
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewReader(yamlData), config.DataTypeYAML, cfg)
	require.NoError(t, err, "load configuration")
	require.Equal(t, 2, cfg.Workers)
}

func TestRetryConfigPolicy(t *testing.T) {
	rc := RetryConfig{
		InitialInterval: config.TimeDuration(2 * time.Second),
		Multiplier:      3,
		MaxInterval:     config.TimeDuration(time.Minute),
		JitterFraction:  0.25,
	}
	policy := rc.Policy()
	require.Equal(t, 2*time.Second, policy.InitialInterval)
	require.Equal(t, float64(3), policy.Multiplier)
	require.Equal(t, time.Minute, policy.MaxInterval)
	require.Equal(t, 0.25, policy.JitterFraction)
}
