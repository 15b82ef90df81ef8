/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/acronis/go-appkit/log/logtest"
	"github.com/stretchr/testify/require"
)

func newManagerWithClock(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestManager_Register(t *testing.T) {
	t.Run("valid profile", func(t *testing.T) {
		m := NewManager()
		require.NoError(t, m.Register("salesforce", 10, 5))
		require.True(t, m.IsRegistered("salesforce"))
	})

	t.Run("non-positive rate", func(t *testing.T) {
		m := NewManager()
		err := m.Register("salesforce", 0, 5)
		require.Error(t, err)
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		require.Equal(t, "salesforce", cfgErr.ProviderID)
	})

	t.Run("burst below one", func(t *testing.T) {
		m := NewManager()
		var cfgErr *ConfigurationError
		require.ErrorAs(t, m.Register("salesforce", 10, 0), &cfgErr)
	})

	t.Run("replaces existing profile", func(t *testing.T) {
		m, _ := newManagerWithClock(t)
		require.NoError(t, m.Register("p1", 1, 1))
		granted, _, err := m.TryAcquire("p1", 1)
		require.NoError(t, err)
		require.True(t, granted)

		// Re-registration resets the bucket to a full one.
		require.NoError(t, m.Register("p1", 1, 2))
		st, err := m.ProviderStatus("p1")
		require.NoError(t, err)
		require.InDelta(t, 2, st.Tokens, 0.001)
	})
}

func TestManager_TryAcquire(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		m := NewManager()
		_, _, err := m.TryAcquire("ghost", 1)
		var unknownErr *UnknownProviderError
		require.ErrorAs(t, err, &unknownErr)
		require.Equal(t, "ghost", unknownErr.ProviderID)
	})

	t.Run("grant then deny with wait estimate", func(t *testing.T) {
		m, _ := newManagerWithClock(t)
		require.NoError(t, m.Register("p1", 1, 1))

		granted, wait, err := m.TryAcquire("p1", 1)
		require.NoError(t, err)
		require.True(t, granted)
		require.Zero(t, wait)

		granted, wait, err = m.TryAcquire("p1", 1)
		require.NoError(t, err)
		require.False(t, granted)
		require.InDelta(t, time.Second, wait, float64(10*time.Millisecond))
	})

	t.Run("denial does not consume tokens", func(t *testing.T) {
		m, now := newManagerWithClock(t)
		require.NoError(t, m.Register("p1", 2, 1))

		granted, _, err := m.TryAcquire("p1", 1)
		require.NoError(t, err)
		require.True(t, granted)

		// Repeated denials must not push the refill point further away.
		for i := 0; i < 5; i++ {
			granted, _, err = m.TryAcquire("p1", 1)
			require.NoError(t, err)
			require.False(t, granted)
		}

		*now = now.Add(500 * time.Millisecond) // 2 tokens/s, one token back
		granted, _, err = m.TryAcquire("p1", 1)
		require.NoError(t, err)
		require.True(t, granted)
	})

	t.Run("refill is capped at burst capacity", func(t *testing.T) {
		m, now := newManagerWithClock(t)
		require.NoError(t, m.Register("p1", 10, 3))

		*now = now.Add(time.Hour)
		for i := 0; i < 3; i++ {
			granted, _, err := m.TryAcquire("p1", 1)
			require.NoError(t, err)
			require.True(t, granted, "grant %d should fit in burst", i)
		}
		granted, _, err := m.TryAcquire("p1", 1)
		require.NoError(t, err)
		require.False(t, granted)
	})

	t.Run("grants in a window never exceed burst plus rate", func(t *testing.T) {
		m, now := newManagerWithClock(t)
		const rate, burst = 5.0, 10
		require.NoError(t, m.Register("p1", rate, burst))

		// 10 seconds in 100ms steps, greedily acquiring on every step.
		grants := 0
		const window = 10 * time.Second
		for elapsed := time.Duration(0); elapsed < window; elapsed += 100 * time.Millisecond {
			granted, _, err := m.TryAcquire("p1", 1)
			require.NoError(t, err)
			if granted {
				grants++
			}
			*now = now.Add(100 * time.Millisecond)
		}
		require.LessOrEqual(t, grants, burst+int(rate*window.Seconds()))
	})

	t.Run("providers do not contend", func(t *testing.T) {
		m, _ := newManagerWithClock(t)
		require.NoError(t, m.Register("p1", 1, 1))
		require.NoError(t, m.Register("p2", 1, 1))

		granted, _, err := m.TryAcquire("p1", 1)
		require.NoError(t, err)
		require.True(t, granted)

		// Exhausting p1 must not affect p2.
		granted, _, err = m.TryAcquire("p2", 1)
		require.NoError(t, err)
		require.True(t, granted)
	})

	t.Run("concurrent acquires never over-grant", func(t *testing.T) {
		m := NewManager()
		const burst = 50
		require.NoError(t, m.Register("p1", 0.001, burst))

		var wg sync.WaitGroup
		var mu sync.Mutex
		grants := 0
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				granted, _, err := m.TryAcquire("p1", 1)
				require.NoError(t, err)
				if granted {
					mu.Lock()
					grants++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.LessOrEqual(t, grants, burst)
	})
}

func TestManager_Deregister(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register("p1", 1, 1))
	m.Deregister("p1")
	require.False(t, m.IsRegistered("p1"))

	_, _, err := m.TryAcquire("p1", 1)
	var unknownErr *UnknownProviderError
	require.ErrorAs(t, err, &unknownErr)

	m.Deregister("p1") // no-op for unregistered providers
}

func TestManager_ProviderStatus(t *testing.T) {
	m, now := newManagerWithClock(t)
	require.NoError(t, m.Register("p1", 2, 4))

	st, err := m.ProviderStatus("p1")
	require.NoError(t, err)
	require.InDelta(t, 4, st.Tokens, 0.001)
	require.InDelta(t, 0, st.Utilization, 0.001)
	require.Equal(t, 4, st.Burst)
	require.InDelta(t, 2, st.SustainedRate, 0.001)

	for i := 0; i < 4; i++ {
		granted, _, acquireErr := m.TryAcquire("p1", 1)
		require.NoError(t, acquireErr)
		require.True(t, granted)
	}
	st, err = m.ProviderStatus("p1")
	require.NoError(t, err)
	require.InDelta(t, 0, st.Tokens, 0.001)
	require.InDelta(t, 1, st.Utilization, 0.001)

	*now = now.Add(time.Second) // 2 tokens refilled
	st, err = m.ProviderStatus("p1")
	require.NoError(t, err)
	require.InDelta(t, 2, st.Tokens, 0.001)
	require.InDelta(t, 0.5, st.Utilization, 0.001)

	require.Len(t, m.AllStatuses(), 1)

	_, err = m.ProviderStatus("ghost")
	require.Error(t, err)
}

func TestManager_LogsAdmissionEvents(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	m := NewManagerWithOpts(ManagerOpts{Logger: logRecorder})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Register("p1", 1, 1))
	_, found := logRecorder.FindEntry("provider rate profile registered")
	require.True(t, found)

	granted, _, err := m.TryAcquire("p1", 1)
	require.NoError(t, err)
	require.True(t, granted)
	granted, _, err = m.TryAcquire("p1", 1)
	require.NoError(t, err)
	require.False(t, granted)

	entries := logRecorder.FindAllEntriesByFilter(func(entry logtest.RecordedEntry) bool {
		return entry.Text == "admission check"
	})
	require.Len(t, entries, 2)
	for i, wantGranted := range []bool{true, false} {
		field, ok := entries[i].FindField("granted")
		require.True(t, ok)
		require.Equal(t, wantGranted, field.Int != 0)
	}
}
