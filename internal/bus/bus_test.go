package bus_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/stitchgrid/internal/bus"
)

func TestEmitAndSubscribe(t *testing.T) {
	t.Run("events arrive in emission order", func(t *testing.T) {
		b := bus.New()
		defer b.Close()
		sub := b.Subscribe()

		for i := 0; i < 10; i++ {
			b.Emit(bus.TypeNodeStarted, fmt.Sprintf("n%d", i), nil)
		}

		for i := 0; i < 10; i++ {
			ev := <-sub.C()
			assert.Equal(t, uint64(i+1), ev.Seq)
			assert.Equal(t, fmt.Sprintf("n%d", i), ev.NodeID)
		}
	})

	t.Run("type filter", func(t *testing.T) {
		b := bus.New()
		defer b.Close()
		sub := b.Subscribe(bus.TypeNodeFinished)

		b.Emit(bus.TypeNodeStarted, "a", nil)
		b.Emit(bus.TypeNodeFinished, "a", nil)

		ev := <-sub.C()
		assert.Equal(t, bus.TypeNodeFinished, ev.Type)
		select {
		case extra := <-sub.C():
			t.Fatalf("unexpected event %v", extra)
		default:
		}
	})

	t.Run("subscription before emission sees everything", func(t *testing.T) {
		b := bus.New()
		defer b.Close()
		sub := b.Subscribe()
		b.Emit(bus.TypeGraphComplete, "", "done")
		ev := <-sub.C()
		assert.Equal(t, "done", ev.Payload)
	})
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	b := bus.New(bus.WithQueueSize(2))
	defer b.Close()
	sub := b.Subscribe()

	// Never drain; the third emission overruns the queue.
	b.Emit(bus.TypeNodeStarted, "a", nil)
	b.Emit(bus.TypeNodeStarted, "b", nil)
	b.Emit(bus.TypeNodeStarted, "c", nil)

	// Drain what was buffered, then observe the close.
	var got []bus.Event
	for ev := range sub.C() {
		got = append(got, ev)
	}
	assert.Len(t, got, 2)

	var overrun *bus.SubscriberOverrunError
	require.ErrorAs(t, sub.Err(), &overrun)
	assert.Equal(t, 2, overrun.Capacity)
	assert.Equal(t, uint64(3), overrun.DroppedSeq)

	// Other subscribers and the log itself are unaffected.
	assert.Len(t, b.Events(), 3)
	b.Emit(bus.TypeNodeStarted, "d", nil)
	assert.Equal(t, uint64(4), b.LastSeq())
}

func TestWaitFor(t *testing.T) {
	t.Run("matching event releases the waiter", func(t *testing.T) {
		b := bus.New()
		defer b.Close()

		go func() {
			time.Sleep(10 * time.Millisecond)
			b.Emit(bus.TypeCheckpointSaved, "", "cp-1")
		}()

		ev, err := b.WaitFor(context.Background(), time.Second, func(ev bus.Event) bool {
			return ev.Type == bus.TypeCheckpointSaved
		})
		require.NoError(t, err)
		assert.Equal(t, "cp-1", ev.Payload)
	})

	t.Run("timeout", func(t *testing.T) {
		b := bus.New()
		defer b.Close()
		_, err := b.WaitFor(context.Background(), 10*time.Millisecond, func(bus.Event) bool { return false })
		assert.ErrorIs(t, err, bus.ErrWaitTimeout)
	})

	t.Run("context cancellation", func(t *testing.T) {
		b := bus.New()
		defer b.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := b.WaitFor(ctx, time.Second, func(bus.Event) bool { return false })
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("close unblocks a parked waiter", func(t *testing.T) {
		b := bus.New()
		errCh := make(chan error, 1)
		go func() {
			_, err := b.WaitFor(context.Background(), time.Minute, func(bus.Event) bool { return false })
			errCh <- err
		}()

		time.Sleep(10 * time.Millisecond) // let the waiter park
		b.Close()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, bus.ErrBusClosed)
		case <-time.After(time.Second):
			t.Fatal("waiter did not unblock on close")
		}
	})

	t.Run("waiting on a closed bus fails immediately", func(t *testing.T) {
		b := bus.New()
		b.Close()
		_, err := b.WaitFor(context.Background(), time.Minute, func(bus.Event) bool { return false })
		assert.ErrorIs(t, err, bus.ErrBusClosed)
	})
}

func TestClose(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe()
	b.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.NoError(t, sub.Err(), "clean shutdown is not an error")

	// The log keeps accepting appends after close; nobody is listening.
	b.Emit(bus.TypeNodeStarted, "a", nil)
	assert.Len(t, b.Events(), 1)

	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}
