package hostapi_test

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/hearth/internal/hostapi"
)

type queuedEvent struct {
	name string
	args []any
}

// fakeEnv records everything an API does to its computer.
type fakeEnv struct {
	mu       sync.Mutex
	label    string
	events   []queuedEvent
	output   []string
	shutdown int
	reboot   int
	queueErr error
	logs     bytes.Buffer
}

func (e *fakeEnv) ComputerID() string { return "01TESTCOMPUTER" }
func (e *fakeEnv) Label() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.label
}
func (e *fakeEnv) SetLabel(l string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.label = l
}
func (e *fakeEnv) QueueEvent(name string, args []any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queueErr != nil {
		return e.queueErr
	}
	e.events = append(e.events, queuedEvent{name, args})
	return nil
}
func (e *fakeEnv) Output(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.output = append(e.output, text)
}
func (e *fakeEnv) Uptime() time.Duration { return 1500 * time.Millisecond }
func (e *fakeEnv) Shutdown()             { e.shutdown++ }
func (e *fakeEnv) Reboot()               { e.reboot++ }
func (e *fakeEnv) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&e.logs, nil))
}

func (e *fakeEnv) queued() []queuedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]queuedEvent(nil), e.events...)
}

// fakeContext answers pullEvent with a canned event.
type fakeContext struct {
	event   []any
	filters []string
}

func (c *fakeContext) PullEvent(filter string) ([]any, error) {
	ev, err := c.PullEventRaw(filter)
	if err == nil && len(ev) > 0 && ev[0] == "terminate" {
		return nil, hostapi.ErrTerminated
	}
	return ev, err
}
func (c *fakeContext) PullEventRaw(filter string) ([]any, error) {
	c.filters = append(c.filters, filter)
	return c.event, nil
}
func (c *fakeContext) Yield(args []any) ([]any, error)                { return args, nil }
func (c *fakeContext) IssueMainThreadTask(hostapi.Task) (int64, error) { return 1, nil }
func (c *fakeContext) ExecuteMainThreadTask(t hostapi.Task) ([]any, error) {
	return t()
}

func call(t *testing.T, api hostapi.API, ctx hostapi.Context, name string, args ...any) ([]any, error) {
	t.Helper()
	for i, m := range api.MethodNames() {
		if m == name {
			return api.CallMethod(ctx, i, args)
		}
	}
	t.Fatalf("method %q not found", name)
	return nil, nil
}

func TestOSQueueEvent(t *testing.T) {
	env := &fakeEnv{}
	os := hostapi.NewOSAPI(env)

	_, err := call(t, os, nil, "queueEvent", "custom", 1.0, "two")
	require.NoError(t, err)

	events := env.queued()
	require.Len(t, events, 1)
	assert.Equal(t, "custom", events[0].name)
	assert.Equal(t, []any{1.0, "two"}, events[0].args)
}

func TestOSQueueEventErrors(t *testing.T) {
	env := &fakeEnv{queueErr: errors.New("task queue full")}
	os := hostapi.NewOSAPI(env)

	_, err := call(t, os, nil, "queueEvent", "custom")
	var herr *hostapi.Error
	require.ErrorAs(t, err, &herr)
	assert.Contains(t, herr.Message, "task queue full")

	_, err = call(t, os, nil, "queueEvent", 5.0)
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "bad argument #1 (expected string, got number)", herr.Message)
}

func TestOSTimerFiresOnUpdate(t *testing.T) {
	env := &fakeEnv{}
	os := hostapi.NewOSAPI(env)

	res, err := call(t, os, nil, "startTimer", 0.01)
	require.NoError(t, err)
	require.Len(t, res, 1)
	id := res[0]

	os.Update()
	assert.Empty(t, env.queued(), "timer fired before its deadline")

	require.Eventually(t, func() bool {
		os.Update()
		return len(env.queued()) == 1
	}, time.Second, 5*time.Millisecond)
	ev := env.queued()[0]
	assert.Equal(t, hostapi.TimerEvent, ev.name)
	assert.Equal(t, []any{id}, ev.args)
	assert.Zero(t, os.Pending())
}

func TestOSDueTimersFireInOrder(t *testing.T) {
	env := &fakeEnv{}
	os := hostapi.NewOSAPI(env)

	var ids []any
	for _, secs := range []float64{0, -1, 0.001} {
		res, err := call(t, os, nil, "startTimer", secs)
		require.NoError(t, err)
		ids = append(ids, res[0])
	}
	time.Sleep(5 * time.Millisecond)
	os.Update()

	events := env.queued()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, []any{ids[i]}, ev.args)
	}
}

func TestOSHugeTimerIsClamped(t *testing.T) {
	env := &fakeEnv{}
	os := hostapi.NewOSAPI(env)

	_, err := call(t, os, nil, "startTimer", 1e300)
	require.NoError(t, err)
	_, err = call(t, os, nil, "startTimer", hostapi.MaxTimerDelay.Seconds())
	require.NoError(t, err)

	os.Update()
	assert.Empty(t, env.queued())
	assert.Equal(t, 2, os.Pending())
}

func TestOSCancelledTimerNeverFires(t *testing.T) {
	env := &fakeEnv{}
	os := hostapi.NewOSAPI(env)

	res, err := call(t, os, nil, "startTimer", 0.0)
	require.NoError(t, err)
	_, err = call(t, os, nil, "cancelTimer", float64(res[0].(int)))
	require.NoError(t, err)

	_, err = call(t, os, nil, "startTimer", 0.0)
	require.NoError(t, err)
	os.Shutdown()

	os.Update()
	assert.Empty(t, env.queued())
	assert.Zero(t, os.Pending())
}

func TestOSTimerDropIsLogged(t *testing.T) {
	env := &fakeEnv{queueErr: errors.New("queue full")}
	os := hostapi.NewOSAPI(env)

	_, err := call(t, os, nil, "startTimer", 0.0)
	require.NoError(t, err)
	os.Update()

	assert.Contains(t, env.logs.String(), "dropping timer event")
	assert.Contains(t, env.logs.String(), "queue full")
}

func TestOSLabelAndIdentity(t *testing.T) {
	env := &fakeEnv{}
	os := hostapi.NewOSAPI(env)

	res, err := call(t, os, nil, "getComputerLabel")
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = call(t, os, nil, "setComputerLabel", "kitchen")
	require.NoError(t, err)
	res, _ = call(t, os, nil, "getComputerLabel")
	assert.Equal(t, []any{"kitchen"}, res)

	res, _ = call(t, os, nil, "getComputerID")
	assert.Equal(t, []any{"01TESTCOMPUTER"}, res)

	res, _ = call(t, os, nil, "clock")
	assert.Equal(t, []any{1.5}, res)
}

func TestOSPowerControl(t *testing.T) {
	env := &fakeEnv{}
	os := hostapi.NewOSAPI(env)

	_, _ = call(t, os, nil, "shutdown")
	_, _ = call(t, os, nil, "reboot")
	assert.Equal(t, 1, env.shutdown)
	assert.Equal(t, 1, env.reboot)
}

func TestOSPullEvent(t *testing.T) {
	os := hostapi.NewOSAPI(&fakeEnv{})

	ctx := &fakeContext{event: []any{"key", 28.0}}
	res, err := call(t, os, ctx, "pullEvent", "key")
	require.NoError(t, err)
	assert.Equal(t, []any{"key", 28.0}, res)
	assert.Equal(t, []string{"key"}, ctx.filters)

	ctx = &fakeContext{event: []any{"terminate"}}
	_, err = call(t, os, ctx, "pullEvent")
	assert.Equal(t, hostapi.ErrTerminated, err)

	res, err = call(t, os, ctx, "pullEventRaw")
	require.NoError(t, err)
	assert.Equal(t, []any{"terminate"}, res)
}

func TestTermOutput(t *testing.T) {
	env := &fakeEnv{}
	term := hostapi.NewTermAPI(env)

	_, err := call(t, term, nil, "write", "hello ", 42.0)
	require.NoError(t, err)
	_, err = call(t, term, nil, "print", "a", true, nil, 1.5)
	require.NoError(t, err)

	assert.Equal(t, []string{"hello 42", "a\ttrue\tnil\t1.5\n"}, env.output)
}

func TestArgHelpers(t *testing.T) {
	args := []any{"s", 2.0, nil}

	s, err := hostapi.ArgString(args, 0)
	require.NoError(t, err)
	assert.Equal(t, "s", s)

	n, err := hostapi.OptNumber(args, 2, 7)
	require.NoError(t, err)
	assert.Equal(t, 7.0, n)

	_, err = hostapi.ArgNumber(args, 5)
	assert.EqualError(t, err, "bad argument #6 (expected number, got nil)")

	assert.Equal(t, "table", hostapi.TypeName(map[any]any{}))
	assert.Equal(t, "1e+20", hostapi.Format(1e20))
}
