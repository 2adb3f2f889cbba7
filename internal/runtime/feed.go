package runtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-consult/internal/recognition"
)

const (
	feedBuffer    = 64
	feedWriteWait = 5 * time.Second
	feedPongWait  = 60 * time.Second
	feedPingEvery = feedPongWait * 9 / 10
)

// The API binds to loopback by default; browser pages served from any
// local origin may read the feed.
var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleFeed streams transcript, duration and status updates to a
// websocket client. The first message carries the current transcript.
func (a *api) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("feed upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	updates, unsubscribe := a.rec.Subscribe(feedBuffer)
	defer unsubscribe()

	status := a.rec.Status()
	if err := writeFeed(conn, recognition.FeedMessage{
		Type:       "transcript",
		SessionID:  status.SessionID,
		Backend:    status.Active,
		Transcript: status.Transcript,
		Display:    status.Transcript,
	}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(feedPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case msg, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(feedWriteWait))
				return
			}
			if err := writeFeed(conn, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeFeed(conn *websocket.Conn, msg recognition.FeedMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(feedWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
