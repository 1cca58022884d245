package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGateAdmitAndSuppress(t *testing.T) {
	gate := NewMemoryGate(60 * time.Second)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	admitted, err := gate.Admit(context.Background(), "RAA123B", now)
	require.NoError(t, err)
	assert.True(t, admitted, "first observation should be admitted")

	// Retransmit 10s later, inside the window.
	admitted, err = gate.Admit(context.Background(), "RAA123B", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, admitted, "observation inside window should be suppressed")

	// A different plate is unaffected.
	admitted, err = gate.Admit(context.Background(), "RAB456C", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestMemoryGateWindowExpiry(t *testing.T) {
	gate := NewMemoryGate(60 * time.Second)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	admitted, err := gate.Admit(context.Background(), "RAA123B", now)
	require.NoError(t, err)
	require.True(t, admitted)

	// Exactly at the window boundary the key is admitted again.
	admitted, err = gate.Admit(context.Background(), "RAA123B", now.Add(60*time.Second))
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestMemoryGateSuppressionDoesNotExtendWindow(t *testing.T) {
	gate := NewMemoryGate(60 * time.Second)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, err := gate.Admit(context.Background(), "RAA123B", now)
	require.NoError(t, err)

	// Suppressed retransmit at t+50s must not reset the window...
	admitted, err := gate.Admit(context.Background(), "RAA123B", now.Add(50*time.Second))
	require.NoError(t, err)
	require.False(t, admitted)

	// ...so t+65s (15s after the retransmit, 65s after the admit) is admitted.
	admitted, err = gate.Admit(context.Background(), "RAA123B", now.Add(65*time.Second))
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestMemoryGateConcurrentSameKey(t *testing.T) {
	gate := NewMemoryGate(60 * time.Second)
	now := time.Now()

	const workers = 32
	var wg sync.WaitGroup
	admits := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := gate.Admit(context.Background(), "RAA123B", now)
			require.NoError(t, err)
			admits <- ok
		}()
	}
	wg.Wait()
	close(admits)

	admitted := 0
	for ok := range admits {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted, "exactly one concurrent caller should win")
}

func TestMemoryGateCleanup(t *testing.T) {
	gate := NewMemoryGate(time.Second)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for _, key := range []string{"A", "B", "C"} {
		_, err := gate.Admit(context.Background(), key, now)
		require.NoError(t, err)
	}
	require.Equal(t, 3, gate.Len())

	// An admit well past expiry triggers cleanup of the stale keys.
	_, err := gate.Admit(context.Background(), "D", now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, gate.Len())
}
