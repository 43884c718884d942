package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacerAllowsBurstThenSpaces(t *testing.T) {
	pacer := NewPacer(100, 3)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, pacer.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "burst should not wait")

	start = time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, pacer.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDisabledPacerNeverWaits(t *testing.T) {
	pacer := NewPacer(0, 0)
	assert.Nil(t, pacer)
	require.NoError(t, pacer.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pacer.Wait(ctx), context.Canceled)
}
