package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// SSESubscriber streams log lines to one client as server-sent events. The
// HTTP handler that created it must keep the request open and wait on Gone
// before returning, so the underlying connection stays usable.
type SSESubscriber struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	gone    chan struct{}
	once    sync.Once
}

// NewSSESubscriber prepares the response for event streaming and writes the
// leading retry directive telling the client how long to wait before
// reconnecting. It fails if the response writer cannot flush incrementally.
func NewSSESubscriber(w http.ResponseWriter, retry time.Duration) (*SSESubscriber, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retry.Milliseconds()); err != nil {
		return nil, err
	}
	flusher.Flush()

	return &SSESubscriber{
		w:       w,
		flusher: flusher,
		gone:    make(chan struct{}),
	}, nil
}

// Send writes one event. A write failure marks the subscriber for eviction.
func (s *SSESubscriber) Send(line Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.gone:
		return fmt.Errorf("subscriber closed")
	default:
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", escape(line.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close releases the handler goroutine blocked on Gone.
func (s *SSESubscriber) Close() {
	s.once.Do(func() {
		close(s.gone)
	})
}

// Gone is closed once the subscriber was evicted or the feed shut down.
func (s *SSESubscriber) Gone() <-chan struct{} {
	return s.gone
}
