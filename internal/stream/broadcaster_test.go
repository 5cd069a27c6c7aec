package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubscriber records delivered lines and can be made to fail writes.
type fakeSubscriber struct {
	mu     sync.Mutex
	lines  []Line
	broken bool
	closed bool
}

func (f *fakeSubscriber) Send(line Line) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return fmt.Errorf("write: broken pipe")
	}
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines)
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSubscriber) breakPipe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	go b.Run()
	defer b.Stop()

	subs := []*fakeSubscriber{{}, {}, {}}
	for _, s := range subs {
		b.Register(s)
	}
	waitFor(t, func() bool { return b.Count() == 3 })

	b.Publish(testLine("hello"))

	for _, s := range subs {
		waitFor(t, func() bool { return s.count() == 1 })
	}
}

func TestBrokenSubscriberIsEvictedAlone(t *testing.T) {
	b := NewBroadcaster()
	go b.Run()
	defer b.Stop()

	healthy1, broken, healthy2 := &fakeSubscriber{}, &fakeSubscriber{}, &fakeSubscriber{}
	for _, s := range []*fakeSubscriber{healthy1, broken, healthy2} {
		b.Register(s)
	}
	waitFor(t, func() bool { return b.Count() == 3 })

	b.Publish(testLine("one"))
	waitFor(t, func() bool { return healthy1.count() == 1 && healthy2.count() == 1 })

	// Break the middle subscriber; the next publish evicts it and still
	// reaches the other two.
	broken.breakPipe()
	b.Publish(testLine("two"))

	waitFor(t, func() bool { return healthy1.count() == 2 && healthy2.count() == 2 })
	waitFor(t, func() bool { return b.Count() == 2 })
	assert.True(t, broken.isClosed())

	b.Publish(testLine("three"))
	waitFor(t, func() bool { return healthy1.count() == 3 && healthy2.count() == 3 })
	assert.Equal(t, 1, broken.count())
}

// stalledSubscriber blocks in Send until released, like a peer that stopped
// reading its connection without the socket erroring.
type stalledSubscriber struct {
	fakeSubscriber
	release chan struct{}
}

func (s *stalledSubscriber) Send(line Line) error {
	<-s.release
	if s.isClosed() {
		return fmt.Errorf("subscriber closed")
	}
	return s.fakeSubscriber.Send(line)
}

func TestStalledSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster()
	go b.Run()
	defer b.Stop()

	stalled := &stalledSubscriber{release: make(chan struct{})}
	healthy := &fakeSubscriber{}
	b.Register(stalled)
	b.Register(healthy)
	waitFor(t, func() bool { return b.Count() == 2 })

	// Overflow the stalled subscriber's queue: one line stuck in Send plus
	// a full buffer behind it.
	total := subscriberBuffer + 2
	for i := 0; i < total; i++ {
		b.Publish(testLine(fmt.Sprintf("line %d", i)))
		time.Sleep(100 * time.Microsecond)
	}

	// The healthy subscriber receives everything while the other is stuck.
	waitFor(t, func() bool { return healthy.count() == total })

	// The stalled one is evicted and closed, never unblocking delivery.
	waitFor(t, func() bool { return b.Count() == 1 })
	assert.True(t, stalled.isClosed())

	close(stalled.release)
	b.Publish(testLine("after eviction"))
	waitFor(t, func() bool { return healthy.count() == total+1 })
	assert.Equal(t, 0, stalled.count())
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	b := NewBroadcaster()
	go b.Run()
	defer b.Stop()

	early := &fakeSubscriber{}
	b.Register(early)
	waitFor(t, func() bool { return b.Count() == 1 })

	b.Publish(testLine("before"))
	waitFor(t, func() bool { return early.count() == 1 })

	late := &fakeSubscriber{}
	b.Register(late)
	waitFor(t, func() bool { return b.Count() == 2 })

	b.Publish(testLine("after"))
	waitFor(t, func() bool { return late.count() == 1 })
	assert.Equal(t, "after", late.lines[0].Text)
}

func TestStopClosesAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	go b.Run()

	subs := []*fakeSubscriber{{}, {}}
	for _, s := range subs {
		b.Register(s)
	}
	waitFor(t, func() bool { return b.Count() == 2 })

	b.Stop()
	for _, s := range subs {
		require.True(t, s.isClosed())
	}
	assert.Equal(t, 0, b.Count())

	// Registering after shutdown closes the subscriber instead of leaking it.
	straggler := &fakeSubscriber{}
	b.Register(straggler)
	assert.True(t, straggler.isClosed())
}
