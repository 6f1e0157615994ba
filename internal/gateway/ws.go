package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/jiunbae/aily/internal/bus"
)

const wsHeartbeatInterval = 25 * time.Second

// wsUpgrade gates the websocket upgrade on the configured concurrent-client
// ceiling (spec §4.7: max 50, 503 past that), before the protocol switch —
// a 503 after upgrade has nowhere sane to go.
func (g *Gateway) wsUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if atomic.LoadInt32(&g.wsClients) >= int32(g.wsMaxClients) {
		return problemResponse(c, fiber.StatusServiceUnavailable, "ws_at_capacity", "Service Unavailable", "max concurrent dashboard streaming clients reached")
	}
	return c.Next()
}

type wsFrame struct {
	Type     string   `json:"type"`
	Sessions []string `json:"sessions,omitempty"`
}

type wsEventFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Session string `json:"session,omitempty"`
	Payload any    `json:"payload,omitempty"`
	At      string `json:"at"`
}

// handleWS serves one dashboard streaming client. Starts subscribed to
// every session; the client's first (or any) {"type":"subscribe",
// "sessions":[...]} frame narrows the filter (spec §4.7, §8 property 6).
// A "ping" frame is answered with "pong" independent of the protocol-level
// ping/pong the heartbeat ticker drives.
func (g *Gateway) handleWS(conn *websocket.Conn) {
	atomic.AddInt32(&g.wsClients, 1)
	defer atomic.AddInt32(&g.wsClients, -1)

	sub := g.bus.Subscribe(nil)
	defer sub.Close()

	done := make(chan struct{})
	go g.wsReadLoop(conn, sub, done)

	ticker := time.NewTicker(wsHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsEventFrame{
				Type:    "event",
				Kind:    string(ev.Kind),
				Session: ev.SessionName,
				Payload: ev.Payload,
				At:      fmtTime(ev.At),
			}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (g *Gateway) wsReadLoop(conn *websocket.Conn, sub *bus.Subscription, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if json.Unmarshal(raw, &frame) != nil {
			continue
		}
		switch frame.Type {
		case "subscribe":
			sub.SetFilter(frame.Sessions)
		case "ping":
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
		}
	}
}
