// Package ws accepts observer websocket connections and bridges them to
// the subscription manager and broadcast hub.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stepherg/fleethub"
	"github.com/stepherg/fleethub/hub"
	"github.com/stepherg/fleethub/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Outbound queue per observer; a full queue counts as a send failure.
	sendQueueSize = 64
)

// Gateway upgrades observer connections and runs their read side.
type Gateway struct {
	registry *registry.Registry
	subs     *hub.Subscriptions
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	now      func() time.Time
}

func NewGateway(reg *registry.Registry, subs *hub.Subscriptions, logger zerolog.Logger) *Gateway {
	return &Gateway{
		registry: reg,
		subs:     subs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "ws").Logger(),
		now:    time.Now,
	}
}

type clientRequest struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

type welcomeMessage struct {
	Type          string `json:"type"`
	ObserverID    string `json:"observerId"`
	ActiveDevices int    `json:"activeDevices"`
	ServerTime    int64  `json:"serverTime"`
}

type deviceListMessage struct {
	Type       string           `json:"type"`
	Devices    []hub.DeviceView `json:"devices"`
	Total      int              `json:"total"`
	ServerTime int64            `json:"serverTime"`
}

type subscribedMessage struct {
	Type   string         `json:"type"`
	Device hub.DeviceView `json:"device"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type errorMessage struct {
	Type     string `json:"type"`
	Error    string `json:"error"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Handler returns the /ws endpoint. Each accepted connection becomes one
// observer: registered with the subscription manager, greeted with a
// welcome message and a device snapshot, then served until close or read
// error.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to WebSocket")
			return
		}

		id := fleethub.ObserverID("obs-" + uuid.NewString())
		c := &client{
			id:   id,
			conn: conn,
			send: make(chan []byte, sendQueueSize),
		}
		go c.writePump()

		// Greet before joining the broadcast set: the send queue
		// preserves order, so no event can precede the welcome.
		now := g.now()
		_ = c.Send(welcomeMessage{
			Type:          "welcome",
			ObserverID:    string(id),
			ActiveDevices: g.activeCount(now),
			ServerTime:    now.UnixMilli(),
		})
		g.sendDeviceList(c)

		g.subs.Add(id, c)
		g.logger.Info().
			Str("observer_id", string(id)).
			Str("remote_addr", r.RemoteAddr).
			Msg("Observer connected")

		g.readLoop(c)

		g.subs.Remove(id)
		_ = c.Close()
		g.logger.Info().Str("observer_id", string(id)).Msg("Observer disconnected")
	}
}

func (g *Gateway) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			g.logger.Debug().Err(err).Str("observer_id", string(c.id)).Msg("Observer read ended")
			return
		}

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.Send(errorMessage{Type: "error", Error: "invalid message format"})
			continue
		}
		g.dispatch(c, req)
	}
}

func (g *Gateway) dispatch(c *client, req clientRequest) {
	switch req.Type {
	case "subscribe":
		dev, ok := g.registry.Get(fleethub.DeviceID(req.DeviceID))
		if !ok {
			_ = c.Send(errorMessage{
				Type:     "error",
				Error:    fleethub.ErrDeviceNotFound.Error(),
				DeviceID: req.DeviceID,
			})
			return
		}
		_ = g.subs.SetFocus(c.id, dev.ID)
		_ = c.Send(subscribedMessage{
			Type:   "subscribed",
			Device: hub.View(dev, g.registry.Liveness(), g.now()),
		})
		g.logger.Info().
			Str("observer_id", string(c.id)).
			Str("device_id", req.DeviceID).
			Msg("Observer subscribed")

	case "ping":
		_ = c.Send(pongMessage{Type: "pong", Timestamp: g.now().UnixMilli()})

	case "get_active_devices":
		g.sendDeviceList(c)
	}
}

func (g *Gateway) sendDeviceList(c *client) {
	now := g.now()
	views := g.activeViews(now)
	_ = c.Send(deviceListMessage{
		Type:       "device_list",
		Devices:    views,
		Total:      len(views),
		ServerTime: now.UnixMilli(),
	})
}

// activeCount counts only devices inside the active window, the
// "connected" number a fresh observer is greeted with.
func (g *Gateway) activeCount(now time.Time) int {
	active := 0
	for _, view := range g.activeViews(now) {
		if view.Connected {
			active++
		}
	}
	return active
}

func (g *Gateway) activeViews(now time.Time) []hub.DeviceView {
	records := g.registry.ListActive(now)
	views := make([]hub.DeviceView, 0, len(records))
	for _, dev := range records {
		views = append(views, hub.View(dev, g.registry.Liveness(), now))
	}
	return views
}

// client is one observer connection. It satisfies hub.Transport: Send
// enqueues onto a buffered channel drained by writePump, so a slow or
// dead peer surfaces as a send error here instead of stalling the hub.
type client struct {
	id   fleethub.ObserverID
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *client) Send(msg interface{}) (err error) {
	// Close may race the enqueue; a send on the closed channel reports
	// the observer as gone rather than panicking the publisher.
	defer func() {
		if recover() != nil {
			err = fleethub.ErrObserverClosed
		}
	}()

	if c.closed.Load() {
		return fleethub.ErrObserverClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fleethub.ErrSendBufferFull
	}
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
	return nil
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
