// Package translate maps WRP-encoded device traffic onto telemetry
// reports, for fleets reporting through an xmidt-style routing fabric
// instead of the plain JSON ingest endpoints.
package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/stepherg/fleethub"
	wrp "github.com/xmidt-org/wrp-go/v3"
)

// Metadata keys carrying the optional descriptive fields of a report.
const (
	MetaGroupID         = "/group-id"
	MetaLocation        = "/location"
	MetaLocalAddr       = "/local-addr"
	MetaUplinkConnected = "/uplink-connected"
)

var (
	errNotSimpleEvent = errors.New("wrp: message is not a simple event")
	errBadPayload     = errors.New("wrp: payload is not a JSON object")
)

// DecodeReport reads one WRP message from r and converts it into a
// telemetry report.
func DecodeReport(r io.Reader, format wrp.Format) (fleethub.Report, error) {
	var msg wrp.Message
	if err := wrp.NewDecoder(r, format).Decode(&msg); err != nil {
		return fleethub.Report{}, fmt.Errorf("wrp decode: %w", err)
	}
	return ReportFromMessage(&msg)
}

// ReportFromMessage converts a decoded simple event into a report. The
// device id comes from the source locator with any service suffix
// stripped; descriptive fields ride in metadata; the payload, when
// present, must be a JSON object and becomes the telemetry body.
func ReportFromMessage(msg *wrp.Message) (fleethub.Report, error) {
	if msg.Type != wrp.SimpleEventMessageType {
		return fleethub.Report{}, errNotSimpleEvent
	}

	id := DeviceIDFromLocator(msg.Source)
	if id == "" {
		return fleethub.Report{}, fleethub.ErrMissingDeviceID
	}

	rep := fleethub.Report{
		DeviceID:        fleethub.DeviceID(id),
		GroupID:         msg.Metadata[MetaGroupID],
		Location:        msg.Metadata[MetaLocation],
		LocalAddr:       msg.Metadata[MetaLocalAddr],
		UplinkConnected: msg.Metadata[MetaUplinkConnected] == "true",
	}

	if len(msg.Payload) > 0 {
		var payload fleethub.Payload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fleethub.Report{}, errBadPayload
		}
		rep.Payload = payload
	}

	return rep, nil
}

// DeviceIDFromLocator trims the service and path parts from a WRP source
// locator: "mac:112233445566/telemetry" yields "mac:112233445566".
func DeviceIDFromLocator(source string) string {
	source = strings.TrimSpace(source)
	if i := strings.IndexByte(source, '/'); i >= 0 {
		source = source[:i]
	}
	return source
}

// FormatFromContentType picks the WRP encoding for an HTTP Content-Type,
// defaulting to msgpack, the canonical WRP wire form.
func FormatFromContentType(contentType string) wrp.Format {
	if strings.Contains(contentType, "json") {
		return wrp.JSON
	}
	return wrp.Msgpack
}
