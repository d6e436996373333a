package engine

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/hearth/internal/model"
)

// outputBacklog is how many lines a subscription buffers before it starts
// dropping.
const outputBacklog = 64

var outputDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "hearth_output_dropped_lines_total",
	Help: "Console lines not delivered to a live stream because it fell behind.",
})

func init() {
	prometheus.MustRegister(outputDropped)
}

// Subscription is one live reader of a machine's console. Lines arrive in
// sequence order, possibly with gaps when the reader falls behind. C is
// closed when the machine is deleted.
type Subscription struct {
	C <-chan model.OutputLine

	ch      chan model.OutputLine
	dropped atomic.Int64
	cancel  func()
}

// Dropped returns how many lines this subscription missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Cancel detaches the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

// OutputBroker fans console output out to live readers, keyed by machine.
// Feeds survive reboots; deleting a machine ends its feed for good, and
// subscribing to a deleted machine yields a closed channel.
type OutputBroker struct {
	mu    sync.Mutex
	feeds map[string]map[*Subscription]struct{}
	gone  map[string]struct{}
}

// NewOutputBroker creates an empty broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{
		feeds: make(map[string]map[*Subscription]struct{}),
		gone:  make(map[string]struct{}),
	}
}

// Subscribe attaches a reader to a machine's console.
func (b *OutputBroker) Subscribe(machineID string) *Subscription {
	ch := make(chan model.OutputLine, outputBacklog)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.gone[machineID]; ok {
		close(ch)
		sub.cancel = func() {}
		return sub
	}

	feed, ok := b.feeds[machineID]
	if !ok {
		feed = make(map[*Subscription]struct{})
		b.feeds[machineID] = feed
	}
	feed[sub] = struct{}{}

	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.feeds[machineID], sub)
		})
	}
	return sub
}

// Subscribers returns the number of live readers of a machine.
func (b *OutputBroker) Subscribers(machineID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.feeds[machineID])
}

// Publish hands a line to every reader of its machine without blocking.
func (b *OutputBroker) Publish(line model.OutputLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.feeds[line.MachineID] {
		select {
		case sub.ch <- line:
		default:
			sub.dropped.Add(1)
			outputDropped.Inc()
		}
	}
}

// Close ends a deleted machine's feed.
func (b *OutputBroker) Close(machineID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gone[machineID] = struct{}{}
	for sub := range b.feeds[machineID] {
		close(sub.ch)
	}
	delete(b.feeds, machineID)
}
