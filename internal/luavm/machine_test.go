package luavm_test

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/hearth/internal/hostapi"
	"github.com/seantiz/hearth/internal/luavm"
	"github.com/seantiz/hearth/internal/mainthread"
	"github.com/seantiz/hearth/internal/timeout"
	"github.com/seantiz/hearth/internal/tracking"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type methodFunc func(ctx hostapi.Context, args []any) ([]any, error)

// testAPI is installed as the global "test". test.record stores its
// arguments; other methods are registered per test.
type testAPI struct {
	mu      sync.Mutex
	records [][]any
	names   []string
	methods map[string]methodFunc
}

func newTestAPI() *testAPI {
	return &testAPI{names: []string{"record"}, methods: make(map[string]methodFunc)}
}

func (a *testAPI) handle(name string, fn methodFunc) *testAPI {
	a.names = append(a.names, name)
	a.methods[name] = fn
	return a
}

func (a *testAPI) Names() []string       { return []string{"test"} }
func (a *testAPI) MethodNames() []string { return a.names }

func (a *testAPI) CallMethod(ctx hostapi.Context, method int, args []any) ([]any, error) {
	name := a.names[method]
	if name == "record" {
		a.mu.Lock()
		a.records = append(a.records, args)
		a.mu.Unlock()
		return nil, nil
	}
	return a.methods[name](ctx, args)
}

func (a *testAPI) recorded() [][]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]any(nil), a.records...)
}

type event struct {
	name string
	args []any
}

type fakeQueue struct {
	mu     sync.Mutex
	events []event
}

func (q *fakeQueue) QueueEvent(name string, args []any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event{name, args})
	return nil
}

func (q *fakeQueue) drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

func newMachine(t *testing.T, src string, api *testAPI, opts ...func(*luavm.Options)) *luavm.Machine {
	t.Helper()
	o := luavm.Options{
		ComputerID: "01TESTMACHINE",
		Host:       "hearth-test",
		Logger:     testLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	m, err := luavm.New(o)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	if api != nil {
		m.AddAPI(api)
	}
	require.NoError(t, m.Load(strings.NewReader(src), "prog"))
	return m
}

func withFlags(f *timeout.Flags) func(*luavm.Options) {
	return func(o *luavm.Options) { o.Flags = f }
}

func waitDone(t *testing.T, m *luavm.Machine) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("machine was not released")
	}
}

func TestFilterDropsOtherEvents(t *testing.T) {
	api := newTestAPI()
	m := newMachine(t, `
		local ev, n = coroutine.yield("alarm")
		test.record(ev, n)
		coroutine.yield("done")
	`, api)

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	filter, ok := m.Filter()
	require.True(t, ok)
	assert.Equal(t, "alarm", filter)

	assert.Equal(t, luavm.Filtered, m.HandleEvent("timer", []any{1}))
	assert.Empty(t, api.recorded())

	require.Equal(t, luavm.Yielded, m.HandleEvent("alarm", []any{1}))
	assert.Equal(t, [][]any{{"alarm", 1.0}}, api.recorded())
	filter, _ = m.Filter()
	assert.Equal(t, "done", filter)
}

func TestFilteredDeliveryLeavesStateUnchanged(t *testing.T) {
	api := newTestAPI()
	m := newMachine(t, `
		while true do
			local ev, code = coroutine.yield("key")
			test.record(ev, code)
		end
	`, api)

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	for i := 0; i < 3; i++ {
		assert.Equal(t, luavm.Filtered, m.HandleEvent("mouse_click", []any{1, 2, 3}))
	}
	require.Equal(t, luavm.Yielded, m.HandleEvent("key", []any{28}))
	require.Equal(t, luavm.Yielded, m.HandleEvent("key", []any{29}))

	assert.Equal(t, [][]any{{"key", 28.0}, {"key", 29.0}}, api.recorded())
}

func TestTerminateBypassesFilter(t *testing.T) {
	api := newTestAPI()
	m := newMachine(t, `
		local ev = coroutine.yield("key")
		test.record(ev)
	`, api)

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	assert.Equal(t, luavm.Terminated, m.HandleEvent(luavm.TerminateEvent, nil))
	assert.Equal(t, [][]any{{"terminate"}}, api.recorded())
	assert.True(t, m.IsClosed())
	assert.NoError(t, m.Err())
	waitDone(t, m)
}

func TestNonStringYieldClearsFilter(t *testing.T) {
	m := newMachine(t, `
		coroutine.yield("key")
		coroutine.yield(42)
		coroutine.yield()
	`, nil)

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	_, ok := m.Filter()
	require.True(t, ok)

	require.Equal(t, luavm.Yielded, m.HandleEvent("key", nil))
	_, ok = m.Filter()
	assert.False(t, ok)

	require.Equal(t, luavm.Yielded, m.HandleEvent("anything", nil))
	_, ok = m.Filter()
	assert.False(t, ok)
}

func TestEmptyNameResumesWithoutArguments(t *testing.T) {
	api := newTestAPI()
	m := newMachine(t, `
		test.record(select("#", ...))
		test.record(select("#", coroutine.yield()))
	`, api)

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	require.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	assert.Equal(t, [][]any{{0.0}, {0.0}}, api.recorded())
}

func TestCompileError(t *testing.T) {
	m, err := luavm.New(luavm.Options{ComputerID: "c", Logger: testLogger()})
	require.NoError(t, err)

	err = m.Load(strings.NewReader("x = = 1"), "broken")
	var cerr *luavm.CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "broken", cerr.Chunk)
	assert.True(t, m.IsClosed())
	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	waitDone(t, m)
}

func TestLoadTwiceIsNoop(t *testing.T) {
	api := newTestAPI()
	m := newMachine(t, `test.record("first")`, api)
	require.NoError(t, m.Load(strings.NewReader(`test.record("second")`), "other"))

	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	assert.Equal(t, [][]any{{"first"}}, api.recorded())
}

func TestEventBeforeLoadTerminates(t *testing.T) {
	m, err := luavm.New(luavm.Options{ComputerID: "c", Logger: testLogger()})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
}

func TestProgramReturnCloses(t *testing.T) {
	m := newMachine(t, `return 1, 2`, nil)

	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	assert.NoError(t, m.Err())
	waitDone(t, m)
	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
}

func TestRuntimeErrorCloses(t *testing.T) {
	m := newMachine(t, `error("boom")`, nil)

	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	var rerr *luavm.RuntimeError
	require.ErrorAs(t, m.Err(), &rerr)
	assert.Contains(t, rerr.Message, "boom")
}

func TestSoftAbortIsCatchableOnce(t *testing.T) {
	flags := &timeout.Flags{}
	api := newTestAPI()
	m := newMachine(t, `
		local ok, err = pcall(function() while true do end end)
		test.record(ok, err)
		local ok2 = pcall(function() for i = 1, 100000 do end end)
		test.record(ok2)
		coroutine.yield("done")
	`, api, withFlags(flags))

	go func() {
		time.Sleep(50 * time.Millisecond)
		flags.SoftAbort()
	}()

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	records := api.recorded()
	require.Len(t, records, 2)
	assert.Equal(t, false, records[0][0])
	assert.Contains(t, records[0][1], timeout.AbortMessage)
	assert.Equal(t, []any{true}, records[1])
}

func TestUncaughtSoftAbortTerminates(t *testing.T) {
	flags := &timeout.Flags{}
	m := newMachine(t, `while true do end`, nil, withFlags(flags))

	go func() {
		time.Sleep(50 * time.Millisecond)
		flags.SoftAbort()
	}()

	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	var rerr *luavm.RuntimeError
	require.ErrorAs(t, m.Err(), &rerr)
	assert.Contains(t, rerr.Message, timeout.AbortMessage)
}

func TestHardAbortCannotBeCaught(t *testing.T) {
	flags := &timeout.Flags{}
	m := newMachine(t, `
		while true do
			pcall(function() while true do end end)
			xpcall(function() while true do end end, function(e) return e end)
		end
	`, nil, withFlags(flags))

	go func() {
		time.Sleep(50 * time.Millisecond)
		flags.HardAbort()
	}()

	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	assert.ErrorIs(t, m.Err(), luavm.ErrHardAbort)
	waitDone(t, m)
}

func TestHardAbortUnwindsNestedCoroutines(t *testing.T) {
	flags := &timeout.Flags{}
	m := newMachine(t, `
		local co = coroutine.create(function()
			while true do pcall(function() while true do end end) end
		end)
		while true do pcall(coroutine.resume, co) end
	`, nil, withFlags(flags))

	go func() {
		time.Sleep(50 * time.Millisecond)
		flags.HardAbort()
	}()

	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	assert.ErrorIs(t, m.Err(), luavm.ErrHardAbort)
	waitDone(t, m)
}

func TestPauseParksAndContinues(t *testing.T) {
	flags := &timeout.Flags{}
	api := newTestAPI()
	m := newMachine(t, `
		local n = 0
		for i = 1, 5000 do n = n + 1 end
		local ev = coroutine.yield("counted")
		test.record(ev, n)
	`, api, withFlags(flags))

	flags.Pause()
	require.Equal(t, luavm.Paused, m.HandleEvent("", nil))
	_, ok := m.Filter()
	assert.False(t, ok)

	require.Equal(t, luavm.Paused, m.HandleEvent("", nil))

	flags.Unpause()
	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	filter, _ := m.Filter()
	assert.Equal(t, "counted", filter)

	require.Equal(t, luavm.Terminated, m.HandleEvent("counted", nil))
	assert.Equal(t, [][]any{{"counted", 5000.0}}, api.recorded())
}

func TestPauseInsideNestedCoroutine(t *testing.T) {
	flags := &timeout.Flags{}
	api := newTestAPI()
	m := newMachine(t, `
		local co = coroutine.create(function()
			local n = 0
			for i = 1, 5000 do n = n + 1 end
			coroutine.yield(n)
			return "finished"
		end)
		local ok, n = coroutine.resume(co)
		local ok2, r = coroutine.resume(co)
		test.record(ok, n, ok2, r, coroutine.status(co))
	`, api, withFlags(flags))

	flags.Pause()
	require.Equal(t, luavm.Paused, m.HandleEvent("", nil))

	flags.Unpause()
	require.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	assert.Equal(t, [][]any{{true, 5000.0, true, "finished", "dead"}}, api.recorded())
}

func TestCloseWhileParked(t *testing.T) {
	flags := &timeout.Flags{}
	m := newMachine(t, `
		local co = coroutine.wrap(function() while true do end end)
		co()
	`, nil, withFlags(flags))

	flags.Pause()
	require.Equal(t, luavm.Paused, m.HandleEvent("", nil))
	m.Close()
	waitDone(t, m)
	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
}

func TestCloseWhileRunning(t *testing.T) {
	m := newMachine(t, `while true do pcall(function() while true do end end) end`, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Close()
	}()

	assert.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	waitDone(t, m)
}

func TestNestedCoroutines(t *testing.T) {
	stats := tracking.NewStats()
	api := newTestAPI()
	m := newMachine(t, `
		local co = coroutine.create(function(a)
			local b = coroutine.yield(a + 1)
			return b * 2
		end)
		local _, x = coroutine.resume(co, 1)
		local _, y = coroutine.resume(co, 10)
		test.record(x, y, coroutine.status(co))
	`, api, func(o *luavm.Options) { o.Tracker = stats })

	require.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	assert.Equal(t, [][]any{{2.0, 20.0, "dead"}}, api.recorded())

	waitDone(t, m)
	entry, ok := stats.Get("01TESTMACHINE")
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.Fields[tracking.CoroutinesCreated])
	assert.Equal(t, int64(2), entry.Fields[tracking.CoroutinesDisposed])
}

func TestSuspendedCoroutinesDisposedOnClose(t *testing.T) {
	stats := tracking.NewStats()
	m := newMachine(t, `
		local a = coroutine.create(function() coroutine.yield() end)
		coroutine.resume(a)
		local b = coroutine.create(function() end)
		coroutine.yield("wait")
	`, nil, func(o *luavm.Options) { o.Tracker = stats })

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	m.Close()
	waitDone(t, m)

	entry, _ := stats.Get("01TESTMACHINE")
	assert.Equal(t, int64(3), entry.Fields[tracking.CoroutinesCreated])
	assert.Equal(t, int64(3), entry.Fields[tracking.CoroutinesDisposed])
}

func TestCoroutineLibrary(t *testing.T) {
	api := newTestAPI()
	m := newMachine(t, `
		local gen = coroutine.wrap(function()
			for i = 1, 3 do coroutine.yield(i) end
		end)
		test.record(gen(), gen(), gen())

		local co
		co = coroutine.create(function()
			test.record(coroutine.status(co), coroutine.running() == co)
		end)
		test.record(coroutine.status(co))
		coroutine.resume(co)
		test.record(coroutine.resume(co))
		test.record(coroutine.running())

		local bad = coroutine.wrap(function() error("inner", 0) end)
		test.record(pcall(bad))
	`, api)

	require.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	records := api.recorded()
	require.Len(t, records, 6)
	assert.Equal(t, [][]any{
		{1.0, 2.0, 3.0},
		{"suspended"},
		{"running", true},
		{false, "cannot resume dead coroutine"},
		{nil},
	}, records[:5])
	assert.Equal(t, false, records[5][0])
	assert.Contains(t, records[5][1], "inner")
}

func TestYieldAcrossProtectedCall(t *testing.T) {
	api := newTestAPI()
	m := newMachine(t, `
		local ok, ev = pcall(coroutine.yield, "inner")
		test.record(ok, ev)
	`, api)

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	require.Equal(t, luavm.Terminated, m.HandleEvent("inner", nil))
	assert.Equal(t, [][]any{{true, "inner"}}, api.recorded())
}

func TestSandboxGlobals(t *testing.T) {
	api := newTestAPI()
	m := newMachine(t, `
		test.record(type(print), type(require), type(dofile), type(loadfile),
			type(collectgarbage), type(module), _VERSION, _HOST)
		test.record(type(string.format), type(table.insert), type(math.floor))
	`, api)

	require.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	assert.Equal(t, [][]any{
		{"nil", "nil", "nil", "nil", "nil", "nil", "Lua 5.1", "hearth-test"},
		{"function", "function", "function"},
	}, api.recorded())
}

func TestHostErrors(t *testing.T) {
	api := newTestAPI().
		handle("fail", func(hostapi.Context, []any) ([]any, error) {
			return nil, errors.New("disk on fire")
		}).
		handle("bad", func(hostapi.Context, []any) ([]any, error) {
			return nil, hostapi.Errorf("bad input")
		}).
		handle("plain", func(hostapi.Context, []any) ([]any, error) {
			return nil, &hostapi.Error{Message: "plain"}
		})
	m := newMachine(t, `
		test.record(pcall(test.fail))
		test.record(pcall(test.bad))
		test.record(pcall(test.plain))
	`, api)

	require.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	records := api.recorded()
	require.Len(t, records, 3)
	assert.Contains(t, records[0][1], "Host error: disk on fire")
	assert.Contains(t, records[1][1], "bad input")
	assert.Equal(t, []any{false, "plain"}, records[2])
}

func TestPullEventTerminate(t *testing.T) {
	api := newTestAPI().handle("pull", func(ctx hostapi.Context, args []any) ([]any, error) {
		return ctx.PullEvent("key")
	})
	m := newMachine(t, `
		test.record(pcall(test.pull))
		test.record(pcall(test.pull))
	`, api)

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	require.Equal(t, luavm.Yielded, m.HandleEvent("key", []any{28}))
	require.Equal(t, luavm.Terminated, m.HandleEvent(luavm.TerminateEvent, nil))

	assert.Equal(t, [][]any{
		{true, "key", 28.0},
		{false, "Terminated"},
	}, api.recorded())
}

func deliverAll(m *luavm.Machine, q *fakeQueue) luavm.Outcome {
	outcome := luavm.Yielded
	for _, ev := range q.drain() {
		outcome = m.HandleEvent(ev.name, ev.args)
	}
	return outcome
}

func TestMainThreadTaskRoundTrip(t *testing.T) {
	exec := mainthread.New(mainthread.Config{}, testLogger())
	queue := &fakeQueue{}
	api := newTestAPI().
		handle("compute", func(ctx hostapi.Context, args []any) ([]any, error) {
			return ctx.ExecuteMainThreadTask(func() ([]any, error) {
				return []any{"computed", 42}, nil
			})
		}).
		handle("explode", func(ctx hostapi.Context, args []any) ([]any, error) {
			return ctx.ExecuteMainThreadTask(func() ([]any, error) {
				return nil, errors.New("nope")
			})
		})
	m := newMachine(t, `
		test.record(test.compute())
		test.record(pcall(test.explode))
	`, api, func(o *luavm.Options) {
		o.Events = queue
		o.MainThread = exec
	})

	require.Equal(t, luavm.Yielded, m.HandleEvent("", nil))
	filter, _ := m.Filter()
	assert.Equal(t, luavm.TaskCompleteEvent, filter)

	require.Equal(t, 1, exec.Tick())
	require.Equal(t, luavm.Yielded, deliverAll(m, queue))
	require.Equal(t, 1, exec.Tick())
	require.Equal(t, luavm.Terminated, deliverAll(m, queue))

	records := api.recorded()
	require.Len(t, records, 2)
	assert.Equal(t, []any{"computed", 42.0}, records[0])
	assert.Equal(t, false, records[1][0])
	assert.Contains(t, records[1][1], "nope")
}

func TestMainThreadTaskLimit(t *testing.T) {
	exec := mainthread.New(mainthread.Config{QueueLimit: 1}, testLogger())
	require.True(t, exec.Enqueue(func() {}))

	api := newTestAPI().handle("issue", func(ctx hostapi.Context, args []any) ([]any, error) {
		id, err := ctx.IssueMainThreadTask(func() ([]any, error) { return nil, nil })
		return []any{id}, err
	})
	m := newMachine(t, `test.record(pcall(test.issue))`, api, func(o *luavm.Options) {
		o.Events = &fakeQueue{}
		o.MainThread = exec
	})

	require.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	records := api.recorded()
	require.Len(t, records, 1)
	assert.Equal(t, false, records[0][0])
	assert.Contains(t, records[0][1], "Task limit exceeded")
}

func TestValueConversion(t *testing.T) {
	cyclic := map[string]any{"name": "loop"}
	cyclic["self"] = cyclic

	api := newTestAPI().
		handle("cyclic", func(hostapi.Context, []any) ([]any, error) {
			return []any{cyclic}, nil
		}).
		handle("list", func(hostapi.Context, []any) ([]any, error) {
			return []any{[]string{"a", "b"}, []byte("raw"), nil, int64(7)}, nil
		})
	m := newMachine(t, `
		local t = test.cyclic()
		test.record(t.self == t, t.name)

		local a, b, c, d = test.list()
		test.record(#a, a[1], a[2], b, c == nil, d)

		local l = { x = 1, [2] = "two" }
		l.loop = l
		test.record(l, function() end, coroutine.create(function() end))

		local keyed = { [{}] = 1, [true] = "yes", plain = 2 }
		test.record(pcall(test.record, keyed))
	`, api)

	require.Equal(t, luavm.Terminated, m.HandleEvent("", nil))
	records := api.recorded()
	require.Len(t, records, 5)
	assert.Equal(t, []any{true, "loop"}, records[0])
	assert.Equal(t, []any{2.0, "a", "b", "raw", true, 7.0}, records[1])

	table, ok := records[2][0].(map[any]any)
	require.True(t, ok)
	assert.Equal(t, 1.0, table["x"])
	assert.Equal(t, "two", table[2.0])
	loop, ok := table["loop"].(map[any]any)
	require.True(t, ok)
	assert.Equal(t, reflect.ValueOf(table).Pointer(), reflect.ValueOf(loop).Pointer())
	assert.Nil(t, records[2][1])
	assert.Nil(t, records[2][2])

	// Table keys are dropped; the rest of the table converts.
	assert.Equal(t, []any{map[any]any{true: "yes", "plain": 2.0}}, records[3])
	assert.Equal(t, []any{true}, records[4])
}
