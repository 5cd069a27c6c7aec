package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSSubscriber streams log lines to one WebSocket client, one text message
// per line. A stalled or disconnected peer fails the write deadline and is
// evicted like any other broken subscriber.
type WSSubscriber struct {
	conn *websocket.Conn
	once sync.Once
}

// NewWSSubscriber wraps an upgraded WebSocket connection.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	return &WSSubscriber{conn: conn}
}

// Send writes one line as a text message.
func (s *WSSubscriber) Send(line Line) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(line.String()))
}

// Close closes the underlying connection. Disconnect detection is the read
// pump's job; there is no separate notification channel.
func (s *WSSubscriber) Close() {
	s.once.Do(func() {
		s.conn.Close()
	})
}
