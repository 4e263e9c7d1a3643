package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"comicstudio/internal/domain"
	"comicstudio/internal/generation"
	"comicstudio/internal/middleware"
	"comicstudio/internal/stream"
)

const wsStartTimeout = 30 * time.Second

// wsCloseCode maps an HTTP status onto the private close code range so
// clients can tell a rejection apart from a normal close.
func wsCloseCode(status int) int {
	return 4000 + status
}

// ComicsWebSocket runs a comic over a WebSocket. The first client message is
// the comic request; every event is then sent as one JSON text message.
func (a *App) ComicsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		a.Logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var req comicRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsStartTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if err := json.Unmarshal(msg, &req); err != nil {
		a.rejectWebSocket(conn, domain.Invalid("", "invalid payload"))
		return
	}
	greq, err := req.toGeneration()
	if err != nil {
		a.rejectWebSocket(conn, err)
		return
	}

	// Drain client frames so control messages are processed; a read error
	// means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	opened := false
	open := func() (generation.Transport, error) {
		opened = true
		return stream.NewWebSocket(conn), nil
	}
	rid := middleware.RequestIDFromContext(r.Context())
	if err := a.Generation.StartComic(ctx, rid, credentialsFrom(r), greq, open); err != nil && !opened {
		a.rejectWebSocket(conn, err)
	}
}

func (a *App) rejectWebSocket(conn *websocket.Conn, err error) {
	code, _, message := statusFor(err)
	if len(message) > 120 {
		message = message[:120]
	}
	frame := websocket.FormatCloseMessage(wsCloseCode(code), message)
	_ = conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
	_ = conn.Close()
}
