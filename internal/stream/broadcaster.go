package stream

import (
	"sync"
	"sync/atomic"

	"github.com/hostbridge/hostbridge/internal/logger"
)

// Subscriber is a live outbound log feed. Send is called from the
// subscriber's own writer goroutine, never from the broadcaster's run loop;
// Close may be called at most once by the broadcaster when the subscriber
// is evicted or the feed shuts down.
type Subscriber interface {
	Send(line Line) error
	Close()
}

// subscriberBuffer is the number of lines a subscriber may fall behind
// before it is evicted as too slow.
const subscriberBuffer = 64

// entry pairs a subscriber with its delivery queue. The writer goroutine is
// the only caller of Send, so per-subscriber ordering is preserved.
type entry struct {
	sub Subscriber
	ch  chan Line
}

// Broadcaster fans log lines out to all registered subscribers. Each
// subscriber gets a buffered queue drained by its own goroutine: a
// subscriber whose write fails, or whose queue fills because the peer
// stalls, is evicted and closed without ever delaying delivery to the
// others. There is no replay: a subscriber only sees lines published after
// it registered.
type Broadcaster struct {
	entries    map[Subscriber]*entry
	publish    chan Line
	register   chan Subscriber
	unregister chan Subscriber
	mu         sync.RWMutex
	quit       chan struct{}
	done       chan struct{}
	quitOnce   sync.Once
	dropped    atomic.Uint64
}

// NewBroadcaster creates a broadcaster; call Run on its own goroutine.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		entries:    make(map[Subscriber]*entry),
		publish:    make(chan Line, 256),
		register:   make(chan Subscriber),
		unregister: make(chan Subscriber),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and publishes until Stop is called, then
// closes every remaining subscriber. The loop itself never blocks on a
// subscriber: queue pushes are non-blocking and actual writes happen on the
// writer goroutines.
func (b *Broadcaster) Run() {
	logger.Debug("log broadcaster started")
	defer logger.Debug("log broadcaster stopped")
	defer close(b.done)

	for {
		select {
		case sub := <-b.register:
			e := &entry{sub: sub, ch: make(chan Line, subscriberBuffer)}
			b.mu.Lock()
			b.entries[sub] = e
			b.mu.Unlock()
			go b.writeLoop(e)
			logger.Debug("log subscriber registered (%d active)", b.Count())

		case sub := <-b.unregister:
			b.remove(sub)

		case line := <-b.publish:
			b.mu.Lock()
			for sub, e := range b.entries {
				select {
				case e.ch <- line:
				default:
					// The peer stopped draining; cut it loose so the
					// rest keep receiving.
					delete(b.entries, sub)
					close(e.ch)
					sub.Close()
				}
			}
			b.mu.Unlock()

		case <-b.quit:
			b.mu.Lock()
			for sub, e := range b.entries {
				close(e.ch)
				sub.Close()
			}
			b.entries = make(map[Subscriber]*entry)
			b.mu.Unlock()
			return
		}
	}
}

// writeLoop drains one subscriber's queue. A failed write requests eviction
// and discards the rest of the queue.
func (b *Broadcaster) writeLoop(e *entry) {
	failed := false
	for line := range e.ch {
		if failed {
			continue
		}
		if err := e.sub.Send(line); err != nil {
			failed = true
			go b.Unregister(e.sub)
		}
	}
}

func (b *Broadcaster) remove(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[sub]; ok {
		delete(b.entries, sub)
		close(e.ch)
		sub.Close()
	}
}

// Stop shuts the run loop down and closes all subscribers. It blocks until
// the loop has exited and is safe to call more than once.
func (b *Broadcaster) Stop() {
	b.quitOnce.Do(func() {
		close(b.quit)
	})
	<-b.done
}

// Register adds a subscriber to the fan-out set. If the broadcaster has
// already stopped the subscriber is closed immediately.
func (b *Broadcaster) Register(sub Subscriber) {
	select {
	case b.register <- sub:
	case <-b.quit:
		sub.Close()
	}
}

// Unregister removes and closes a subscriber.
func (b *Broadcaster) Unregister(sub Subscriber) {
	select {
	case b.unregister <- sub:
	case <-b.quit:
	}
}

// Publish queues a line for fan-out. Publishing never blocks the caller;
// if the feed cannot keep up the line is dropped from the live stream (the
// ring buffer still retains it for reads). Drops are counted rather than
// logged: publishing sits on the logging path itself.
func (b *Broadcaster) Publish(line Line) {
	select {
	case b.publish <- line:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many lines were shed from the live stream.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Count returns the number of active subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
