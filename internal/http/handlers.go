// Package httpapi exposes the ingest and query endpoints used by field
// devices and dashboards.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/stepherg/fleethub"
	"github.com/stepherg/fleethub/hub"
	"github.com/stepherg/fleethub/registry"
	"github.com/stepherg/fleethub/translate"
)

// API bundles the handler dependencies.
type API struct {
	registry *registry.Registry
	subs     *hub.Subscriptions
	logger   zerolog.Logger
	started  time.Time
	now      func() time.Time
}

func NewAPI(reg *registry.Registry, subs *hub.Subscriptions, logger zerolog.Logger) *API {
	return &API{
		registry: reg,
		subs:     subs,
		logger:   logger.With().Str("component", "httpapi").Logger(),
		started:  time.Now(),
		now:      time.Now,
	}
}

type connectRequest struct {
	DeviceID  string `json:"deviceId"`
	GroupID   string `json:"groupId"`
	Location  string `json:"location"`
	LocalAddr string `json:"localAddr"`
}

type dataRequest struct {
	DeviceID        string           `json:"deviceId"`
	GroupID         string           `json:"groupId"`
	Payload         fleethub.Payload `json:"payload"`
	UplinkConnected bool             `json:"uplinkConnected"`
}

// ConnectHandler serves explicit device registration.
func (a *API) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if done := preflight(w, r, http.MethodPost); done {
			return
		}
		var body connectRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid json"})
			return
		}
		if body.DeviceID == "" || body.GroupID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":    "missing required fields",
				"required": []string{"deviceId", "groupId"},
			})
			return
		}

		dev, registered, err := a.registry.Upsert(fleethub.Report{
			DeviceID:  fleethub.DeviceID(body.DeviceID),
			GroupID:   body.GroupID,
			Location:  body.Location,
			LocalAddr: body.LocalAddr,
		})
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
			return
		}

		a.logger.Info().
			Str("device_id", body.DeviceID).
			Str("group_id", body.GroupID).
			Bool("registered", registered).
			Msg("Device connect")

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "connected",
			"deviceId":   string(dev.ID),
			"registered": registered,
			"timestamp":  a.now().UnixMilli(),
		})
	}
}

// DataHandler serves periodic telemetry submissions, auto-registering
// unknown devices.
func (a *API) DataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if done := preflight(w, r, http.MethodPost); done {
			return
		}
		var body dataRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid json"})
			return
		}

		a.acceptReport(w, fleethub.Report{
			DeviceID:        fleethub.DeviceID(body.DeviceID),
			GroupID:         body.GroupID,
			Payload:         body.Payload,
			UplinkConnected: body.UplinkConnected,
		})
	}
}

// WRPHandler accepts WRP simple events (msgpack or JSON per Content-Type)
// and feeds them through the same ingest path as /api/data.
func (a *API) WRPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if done := preflight(w, r, http.MethodPost); done {
			return
		}
		format := translate.FormatFromContentType(r.Header.Get("Content-Type"))
		rep, err := translate.DecodeReport(r.Body, format)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
			return
		}
		a.acceptReport(w, rep)
	}
}

func (a *API) acceptReport(w http.ResponseWriter, rep fleethub.Report) {
	dev, registered, err := a.registry.Upsert(rep)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	a.logger.Debug().
		Str("device_id", string(dev.ID)).
		Bool("registered", registered).
		Msg("Telemetry received")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "received",
		"registered": registered,
		"dataPoints": len(rep.Payload),
		"timestamp":  a.now().UnixMilli(),
	})
}

// DevicesHandler lists every retained device with derived liveness.
func (a *API) DevicesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if done := preflight(w, r, http.MethodGet); done {
			return
		}
		now := a.now()
		records := a.registry.ListActive(now)
		devices := make([]hub.DeviceView, 0, len(records))
		for _, dev := range records {
			devices = append(devices, hub.View(dev, a.registry.Liveness(), now))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"devices":    devices,
			"total":      len(devices),
			"serverTime": now.UnixMilli(),
		})
	}
}

// HealthHandler reports process status and live counts.
func (a *API) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if done := preflight(w, r, http.MethodGet); done {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"devices":   a.registry.Len(),
			"observers": a.subs.Len(),
			"uptime":    time.Since(a.started).Seconds(),
			"timestamp": a.now().UnixMilli(),
		})
	}
}

// preflight writes CORS headers, answers OPTIONS, and rejects other
// unexpected methods. Field devices and browser dashboards call these
// endpoints cross-origin.
func preflight(w http.ResponseWriter, r *http.Request, method string) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", method+", OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	if r.Method != method {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
