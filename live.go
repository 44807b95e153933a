package blogapp

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	liveWriteTimeout = 10 * time.Second
	livePingInterval = 30 * time.Second
	liveReadTimeout  = 2 * livePingInterval
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
}

// LiveMessage is one push on the live feed socket.
type LiveMessage struct {
	Type  string     `json:"type"`
	Items []FeedItem `json:"items"`
}

// apiFeedLive upgrades to a websocket and pushes the viewer's full feed
// whenever it changes. Only the newest snapshot is kept for a slow client.
func (a *App) apiFeedLive(c echo.Context) error {
	viewerID := sessionOf(c).UserID
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already replied
		return nil
	}
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(context.Background())
	defer handleCancel()

	snapshots := make(chan []FeedItem, 1)

	go func() {
		defer handleCancel()
		err := a.Service.Feed.Watch(handleCtx, viewerID, func(items []FeedItem) {
			select {
			case <-snapshots:
			default:
			}
			snapshots <- items
		})
		if err != nil {
			c.Logger().Warnf("live feed for %q: %v", viewerID, err)
		}
	}()

	go func() {
		defer handleCancel()
		ws.SetReadDeadline(time.Now().Add(liveReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(liveReadTimeout))
		})
		for {
			// Client messages are ignored; reading surfaces close and pong.
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()
	for {
		select {
		case <-handleCtx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case items := <-snapshots:
			ws.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := ws.WriteJSON(LiveMessage{Type: "feed", Items: itemsOrEmpty(items)}); err != nil {
				// a write deadline cannot be recovered
				return nil
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
				return nil
			}
		}
	}
}
