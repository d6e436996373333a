package mainthread_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/hearth/internal/mainthread"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestTickRunsInOrder(t *testing.T) {
	e := mainthread.New(mainthread.Config{}, testLogger())

	var order []int
	for i := 0; i < 3; i++ {
		require.True(t, e.Enqueue(func() { order = append(order, i) }))
	}
	assert.Equal(t, 3, e.Pending())

	assert.Equal(t, 3, e.Tick())
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Zero(t, e.Pending())
	assert.Zero(t, e.Tick())
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	e := mainthread.New(mainthread.Config{QueueLimit: 2}, testLogger())

	assert.True(t, e.Enqueue(func() {}))
	assert.True(t, e.Enqueue(func() {}))
	assert.False(t, e.Enqueue(func() {}))

	e.Tick()
	assert.True(t, e.Enqueue(func() {}))
}

func TestTickBudget(t *testing.T) {
	e := mainthread.New(mainthread.Config{TickBudget: time.Millisecond}, testLogger())

	for i := 0; i < 3; i++ {
		e.Enqueue(func() { time.Sleep(5 * time.Millisecond) })
	}

	assert.Equal(t, 1, e.Tick())
	assert.Equal(t, 2, e.Pending())
}

func TestTickRecoversPanics(t *testing.T) {
	e := mainthread.New(mainthread.Config{}, testLogger())

	ran := false
	e.Enqueue(func() { panic("boom") })
	e.Enqueue(func() { ran = true })

	assert.Equal(t, 2, e.Tick())
	assert.True(t, ran)
}

func TestNextIDUnique(t *testing.T) {
	e := mainthread.New(mainthread.Config{}, testLogger())
	a, b := e.NextID(), e.NextID()
	assert.NotEqual(t, a, b)
	assert.Positive(t, a)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	e := mainthread.New(mainthread.Config{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	var ran atomic.Bool
	e.Enqueue(func() { ran.Store(true) })
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTickRunsHooksBeforeTasks(t *testing.T) {
	e := mainthread.New(mainthread.Config{}, testLogger())

	var order []string
	e.OnTick(func() { order = append(order, "hook") })
	e.OnTick(func() { panic("hook failed") })
	require.True(t, e.Enqueue(func() { order = append(order, "task") }))

	assert.Equal(t, 1, e.Tick())
	assert.Zero(t, e.Tick())
	assert.Equal(t, []string{"hook", "task", "hook"}, order)
}
