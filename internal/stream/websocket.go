package stream

import (
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

type wsSink struct {
	conn *websocket.Conn
}

// NewWebSocket returns a Stream that sends each event as one JSON text
// message on conn and closes the connection when the stream closes.
func NewWebSocket(conn *websocket.Conn) *Stream {
	return New(&wsSink{conn: conn})
}

func (s *wsSink) WriteEvent(ev Event) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

func (s *wsSink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
