package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOut(t *testing.T) {
	t.Run("runs every task under the limit", func(t *testing.T) {
		var active, peak, total atomic.Int32
		var mu sync.Mutex

		tasks := make([]func(context.Context) error, 20)
		for i := range tasks {
			tasks[i] = func(context.Context) error {
				cur := active.Add(1)
				mu.Lock()
				if cur > peak.Load() {
					peak.Store(cur)
				}
				mu.Unlock()
				total.Add(1)
				active.Add(-1)
				return nil
			}
		}

		require.NoError(t, FanOut(context.Background(), 4, tasks))
		assert.Equal(t, int32(20), total.Load())
		assert.LessOrEqual(t, peak.Load(), int32(4))
	})

	t.Run("first failure cancels the rest", func(t *testing.T) {
		started := make(chan struct{})
		tasks := []func(context.Context) error{
			func(context.Context) error {
				close(started)
				return assert.AnError
			},
			func(ctx context.Context) error {
				<-started
				<-ctx.Done()
				return ctx.Err()
			},
		}
		err := FanOut(context.Background(), 0, tasks)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("no tasks is a no-op", func(t *testing.T) {
		assert.NoError(t, FanOut(context.Background(), 1, nil))
	})
}
