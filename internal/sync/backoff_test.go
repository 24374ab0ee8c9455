package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/primitives"
)

func TestBackoff(t *testing.T) {
	t.Run("Scenario: a context with no recorded state is immediately ready", func(t *testing.T) {
		b := NewBackoff(time.Millisecond, time.Second)
		require.True(t, b.Ready(primitives.ID{1}, time.Now()))
		require.Equal(t, 0, b.FailureCount(primitives.ID{1}))
	})

	t.Run("Scenario: repeated failures double the delay up to the max", func(t *testing.T) {
		b := NewBackoff(10*time.Millisecond, 200*time.Millisecond)
		contextID := primitives.ID{2}

		b.RecordFailure(contextID, errors.New("boom"))
		require.False(t, b.Ready(contextID, time.Now()))
		require.True(t, b.Ready(contextID, time.Now().Add(50*time.Millisecond)))

		for i := 0; i < 10; i++ {
			b.RecordFailure(contextID, errors.New("boom"))
		}
		require.Equal(t, 11, b.FailureCount(contextID))
		require.False(t, b.Ready(contextID, time.Now().Add(150*time.Millisecond)))
		require.True(t, b.Ready(contextID, time.Now().Add(250*time.Millisecond)))
	})

	t.Run("Scenario: a success resets the failure count and stamps the sync time", func(t *testing.T) {
		b := NewBackoff(10*time.Millisecond, 200*time.Millisecond)
		contextID := primitives.ID{3}

		b.RecordFailure(contextID, errors.New("boom"))
		b.RecordSuccess(contextID)

		require.Equal(t, 0, b.FailureCount(contextID))
		require.True(t, b.Ready(contextID, time.Now()))
		require.WithinDuration(t, time.Now(), b.LastSyncTime(contextID), time.Second)
	})
}
