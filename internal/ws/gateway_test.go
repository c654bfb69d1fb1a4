package ws

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stepherg/fleethub"
	"github.com/stepherg/fleethub/hub"
	"github.com/stepherg/fleethub/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	registry *registry.Registry
	subs     *hub.Subscriptions
	gateway  *Gateway
	server   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	subs := hub.NewSubscriptions()
	liveness := fleethub.DefaultOptions().Liveness
	broadcast := hub.New(subs, liveness, zerolog.Nop())
	reg := registry.New(liveness, broadcast, zerolog.Nop())
	gw := NewGateway(reg, subs, zerolog.Nop())

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &harness{registry: reg, subs: subs, gateway: gw, server: srv}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestConnectSendsWelcomeAndSnapshot(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	welcome := readMessage(t, conn)
	assert.Equal(t, "welcome", welcome["type"])
	assert.NotEmpty(t, welcome["observerId"])
	assert.Equal(t, float64(0), welcome["activeDevices"])

	list := readMessage(t, conn)
	assert.Equal(t, "device_list", list["type"])
	assert.Equal(t, float64(0), list["total"])

	require.Eventually(t, func() bool { return h.subs.Len() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestSubscribeProtocol(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readMessage(t, conn) // welcome
	readMessage(t, conn) // device_list

	// Unknown device: error response, focus left unset.
	writeMessage(t, conn, map[string]string{"type": "subscribe", "deviceId": "ghost"})
	resp := readMessage(t, conn)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, "ghost", resp["deviceId"])

	observers := h.subs.Snapshot()
	require.Len(t, observers, 1)
	_, focused := h.subs.Focus(observers[0].ID)
	assert.False(t, focused)

	// Register a device; the observer sees the connect event.
	_, _, err := h.registry.Upsert(fleethub.Report{
		DeviceID: "m-1",
		GroupID:  "plant-7",
		Payload:  fleethub.Payload{"temp": 41.5},
	})
	require.NoError(t, err)

	event := readMessage(t, conn)
	assert.Equal(t, "device_connected", event["type"])

	// Known device: subscribed ack carrying the current snapshot.
	writeMessage(t, conn, map[string]string{"type": "subscribe", "deviceId": "m-1"})
	resp = readMessage(t, conn)
	require.Equal(t, "subscribed", resp["type"])
	dev := resp["device"].(map[string]interface{})
	assert.Equal(t, "m-1", dev["deviceId"])
	assert.Equal(t, "plant-7", dev["groupId"])
	assert.Equal(t, true, dev["connected"])

	focus, focused := h.subs.Focus(observers[0].ID)
	assert.True(t, focused)
	assert.Equal(t, fleethub.DeviceID("m-1"), focus)
}

func TestPingAndDeviceListRequests(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readMessage(t, conn)
	readMessage(t, conn)

	writeMessage(t, conn, map[string]string{"type": "ping"})
	resp := readMessage(t, conn)
	assert.Equal(t, "pong", resp["type"])

	_, _, err := h.registry.Upsert(fleethub.Report{DeviceID: "m-1"})
	require.NoError(t, err)
	readMessage(t, conn) // device_connected event

	writeMessage(t, conn, map[string]string{"type": "get_active_devices"})
	resp = readMessage(t, conn)
	assert.Equal(t, "device_list", resp["type"])
	assert.Equal(t, float64(1), resp["total"])
}

func TestMalformedMessageKeepsConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readMessage(t, conn)
	readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp := readMessage(t, conn)
	assert.Equal(t, "error", resp["type"])

	// Still serviceable afterwards.
	writeMessage(t, conn, map[string]string{"type": "ping"})
	resp = readMessage(t, conn)
	assert.Equal(t, "pong", resp["type"])
}

func TestDisconnectRemovesObserver(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	readMessage(t, conn)
	readMessage(t, conn)

	require.Eventually(t, func() bool { return h.subs.Len() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return h.subs.Len() == 0 },
		time.Second, 10*time.Millisecond)

	// Publishing after removal reaches nobody and does not panic.
	_, _, err := h.registry.Upsert(fleethub.Report{DeviceID: "m-1"})
	require.NoError(t, err)
}

type captureTransport struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (c *captureTransport) Send(msg interface{}) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestFullSendQueueIsASendFailure(t *testing.T) {
	// No writePump: nothing drains the queue, as with a stalled peer.
	stalled := &client{id: "obs-stalled", send: make(chan []byte, sendQueueSize)}
	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, stalled.Send(map[string]string{"type": "ping"}))
	}
	assert.ErrorIs(t, stalled.Send(map[string]string{"type": "ping"}), fleethub.ErrSendBufferFull)

	subs := hub.NewSubscriptions()
	liveness := fleethub.DefaultOptions().Liveness
	broadcast := hub.New(subs, liveness, zerolog.Nop())
	healthy := &captureTransport{}
	subs.Add(stalled.id, stalled)
	subs.Add("obs-healthy", healthy)

	now := time.Now()
	broadcast.Publish(fleethub.Event{
		Kind:       fleethub.EventDataUpdated,
		Device:     fleethub.Device{ID: "m-1", LastSeen: now},
		OccurredAt: now,
	})

	// The stalled observer is dropped and closed; the healthy one was
	// delivered to without waiting on it.
	assert.Equal(t, 1, subs.Len())
	assert.Equal(t, 1, healthy.count())
	observers := subs.Snapshot()
	require.Len(t, observers, 1)
	assert.Equal(t, fleethub.ObserverID("obs-healthy"), observers[0].ID)
	assert.ErrorIs(t, stalled.Send(map[string]string{"type": "ping"}), fleethub.ErrObserverClosed)
}

func TestWelcomeCountsOnlyActiveDevices(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.registry.Upsert(fleethub.Report{DeviceID: "m-1"})
	require.NoError(t, err)
	_, _, err = h.registry.Upsert(fleethub.Report{DeviceID: "m-2"})
	require.NoError(t, err)

	// Shift the gateway clock past the active window: both devices are
	// stale-but-retained, so they stay listed but no longer count as
	// connected.
	h.gateway.now = func() time.Time { return time.Now().Add(150 * time.Second) }

	conn := h.dial(t)
	welcome := readMessage(t, conn)
	require.Equal(t, "welcome", welcome["type"])
	assert.Equal(t, float64(0), welcome["activeDevices"])

	list := readMessage(t, conn)
	require.Equal(t, "device_list", list["type"])
	assert.Equal(t, float64(2), list["total"])
}

func TestGreetingPrecedesEvents(t *testing.T) {
	h := newHarness(t)

	// Hammer the registry while the observer connects; whatever is in
	// flight, the first two messages must be the greeting.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			id := fleethub.DeviceID(fmt.Sprintf("m-%d", i%5))
			if _, _, err := h.registry.Upsert(fleethub.Report{DeviceID: id}); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	conn := h.dial(t)
	first := readMessage(t, conn)
	assert.Equal(t, "welcome", first["type"])
	second := readMessage(t, conn)
	assert.Equal(t, "device_list", second["type"])

	close(stop)
	wg.Wait()
}

func TestEventsFanOutToMultipleObservers(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t)
	second := h.dial(t)
	for _, conn := range []*websocket.Conn{first, second} {
		readMessage(t, conn)
		readMessage(t, conn)
	}

	_, _, err := h.registry.Upsert(fleethub.Report{DeviceID: "m-1"})
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{first, second} {
		event := readMessage(t, conn)
		assert.Equal(t, "device_connected", event["type"])
		dev := event["device"].(map[string]interface{})
		assert.Equal(t, "m-1", dev["deviceId"])
	}
}
