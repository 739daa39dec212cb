package sleep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridflow/internal/registry"
	"github.com/vk/gridflow/internal/retry"
)

func TestExecute(t *testing.T) {
	h := Handler{}

	t.Run("sleeps for the configured duration", func(t *testing.T) {
		out, err := h.Execute(context.Background(), registry.Input{
			Payload: map[string]any{"duration": "10ms"},
		})
		require.NoError(t, err)
		assert.Equal(t, "10ms", out["slept"])
	})

	t.Run("cancellation interrupts the sleep", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		_, err := h.Execute(ctx, registry.Input{
			Payload: map[string]any{"duration": "10s"},
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("invalid duration is fatal", func(t *testing.T) {
		_, err := h.Execute(context.Background(), registry.Input{
			Payload: map[string]any{"duration": "soon"},
		})
		require.Error(t, err)
		assert.Equal(t, retry.ClassFatal, retry.Classify(err))
	})
}
