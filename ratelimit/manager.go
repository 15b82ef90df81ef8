/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides per-provider token-bucket admission control
// for the sync dispatch core. Each registered provider owns an independent
// bucket; admission checks for different providers never contend.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/acronis/go-appkit/log"
)

// ConfigurationError is returned by Register when the provider rate profile is invalid.
type ConfigurationError struct {
	ProviderID string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid rate profile for provider %q: %s", e.ProviderID, e.Reason)
}

// UnknownProviderError is returned by admission checks against an unregistered provider.
type UnknownProviderError struct {
	ProviderID string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.ProviderID)
}

// profile holds the rate configuration and live bucket state of one provider.
// The mutex makes admission checks atomic per provider;
// the lazy refill itself is done by the underlying x/time limiter.
type profile struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	sustainedRate float64
	burst         int
}

// Status is a point-in-time snapshot of one provider's bucket.
type Status struct {
	ProviderID    string
	Tokens        float64
	Burst         int
	SustainedRate float64
	Utilization   float64
}

// Manager decides, for a given provider and request cost, whether admission
// is currently permitted and, if not, how long until it would be.
type Manager struct {
	mu       sync.RWMutex
	profiles map[string]*profile

	logger           log.FieldLogger
	metricsCollector *MetricsCollector

	// now is used instead of time.Now to make bucket state
	// a pure function of elapsed time in tests.
	now func() time.Time
}

// ManagerOpts contains optional parameters for constructing Manager.
type ManagerOpts struct {
	Logger           log.FieldLogger
	MetricsCollector *MetricsCollector
}

// NewManager creates a new rate limiter manager.
func NewManager() *Manager {
	return NewManagerWithOpts(ManagerOpts{})
}

// NewManagerWithOpts creates a new rate limiter manager
// with an ability to specify different optional parameters.
func NewManagerWithOpts(opts ManagerOpts) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	return &Manager{
		profiles:         make(map[string]*profile),
		logger:           opts.Logger,
		metricsCollector: opts.MetricsCollector,
		now:              time.Now,
	}
}

// Register creates or replaces the rate profile of a provider.
// The bucket starts full (burst tokens available).
func (m *Manager) Register(providerID string, sustainedRate float64, burst int) error {
	if sustainedRate <= 0 {
		return &ConfigurationError{ProviderID: providerID, Reason: "sustained rate must be positive"}
	}
	if burst < 1 {
		return &ConfigurationError{ProviderID: providerID, Reason: "burst capacity must be at least 1"}
	}

	m.mu.Lock()
	m.profiles[providerID] = &profile{
		limiter:       rate.NewLimiter(rate.Limit(sustainedRate), burst),
		sustainedRate: sustainedRate,
		burst:         burst,
	}
	m.mu.Unlock()

	m.logger.Info("provider rate profile registered",
		log.String("provider_id", providerID),
		log.Float64("sustained_rate", sustainedRate),
		log.Int("burst", burst))
	return nil
}

// Deregister removes the rate profile of a provider.
// It is a no-op for unregistered providers.
func (m *Manager) Deregister(providerID string) {
	m.mu.Lock()
	_, ok := m.profiles[providerID]
	delete(m.profiles, providerID)
	m.mu.Unlock()
	if ok {
		m.logger.Info("provider rate profile deregistered", log.String("provider_id", providerID))
	}
}

// IsRegistered reports whether the provider has a rate profile.
func (m *Manager) IsRegistered(providerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.profiles[providerID]
	return ok
}

// TryAcquire attempts to consume cost tokens from the provider's bucket.
// When admission is denied, no tokens are consumed and wait estimates how long
// until cost tokens accumulate. Consumed tokens are never refunded: they
// represent spent provider quota regardless of the downstream outcome.
func (m *Manager) TryAcquire(providerID string, cost int) (granted bool, wait time.Duration, err error) {
	m.mu.RLock()
	p, ok := m.profiles[providerID]
	m.mu.RUnlock()
	if !ok {
		return false, 0, &UnknownProviderError{ProviderID: providerID}
	}

	now := m.now()

	p.mu.Lock()
	tokens := p.limiter.TokensAt(now)
	if tokens >= float64(cost) {
		granted = p.limiter.AllowN(now, cost)
		tokens -= float64(cost)
	} else {
		wait = time.Duration((float64(cost) - tokens) / p.sustainedRate * float64(time.Second))
	}
	p.mu.Unlock()

	if m.metricsCollector != nil {
		m.metricsCollector.ObserveAdmission(providerID, granted, tokens)
	}
	m.logger.Debug("admission check",
		log.String("provider_id", providerID),
		log.Bool("granted", granted),
		log.Float64("tokens", tokens),
		log.DurationIn(wait, time.Millisecond))
	return granted, wait, nil
}

// ProviderStatus returns a snapshot of the provider's bucket state.
func (m *Manager) ProviderStatus(providerID string) (Status, error) {
	m.mu.RLock()
	p, ok := m.profiles[providerID]
	m.mu.RUnlock()
	if !ok {
		return Status{}, &UnknownProviderError{ProviderID: providerID}
	}

	p.mu.Lock()
	tokens := p.limiter.TokensAt(m.now())
	p.mu.Unlock()

	return Status{
		ProviderID:    providerID,
		Tokens:        tokens,
		Burst:         p.burst,
		SustainedRate: p.sustainedRate,
		Utilization:   1 - tokens/float64(p.burst),
	}, nil
}

// AllStatuses returns bucket snapshots for all registered providers.
func (m *Manager) AllStatuses() []Status {
	m.mu.RLock()
	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, err := m.ProviderStatus(id); err == nil {
			statuses = append(statuses, st)
		}
	}
	return statuses
}
