package soap

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/castbridge/castbridge/internal/domain"
)

// Action names a SOAP action and the service URN it belongs to. The pair
// forms the SOAPAction header value.
type Action struct {
	Name       string
	ServiceURN string
}

func avAction(name string) Action {
	return Action{Name: name, ServiceURN: "urn:schemas-upnp-org:service:AVTransport:1"}
}

func rcAction(name string) Action {
	return Action{Name: name, ServiceURN: "urn:schemas-upnp-org:service:RenderingControl:1"}
}

var (
	ActionSetAVTransportURI = avAction("SetAVTransportURI")
	ActionPlay              = avAction("Play")
	ActionPause             = avAction("Pause")
	ActionStop              = avAction("Stop")
	ActionSeek              = avAction("Seek")
	ActionGetPositionInfo   = avAction("GetPositionInfo")
	ActionGetTransportInfo  = avAction("GetTransportInfo")
	ActionSetVolume         = rcAction("SetVolume")
)

const envelopeFormat = `<?xml version="1.0" encoding="utf-8"?>` +
	`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
	`<s:Body>%s</s:Body></s:Envelope>`

// Envelope wraps one action element in a SOAP 1.1 envelope. Argument
// values must already be XML-escaped by the caller.
func Envelope(action Action, args string) string {
	inner := fmt.Sprintf(`<u:%s xmlns:u="%s">%s</u:%s>`, action.Name, action.ServiceURN, args, action.Name)
	return fmt.Sprintf(envelopeFormat, inner)
}

// SetAVTransportURIBody loads mediaURL onto instance 0 along with DIDL-Lite
// metadata describing the item.
func SetAVTransportURIBody(mediaURL string, meta domain.MediaMetadata) string {
	didl := BuildDIDL(mediaURL, meta)
	args := fmt.Sprintf(
		`<InstanceID>0</InstanceID><CurrentURI>%s</CurrentURI><CurrentURIMetaData>%s</CurrentURIMetaData>`,
		escape(mediaURL), escape(didl))
	return Envelope(ActionSetAVTransportURI, args)
}

func PlayBody() string {
	return Envelope(ActionPlay, `<InstanceID>0</InstanceID><Speed>1</Speed>`)
}

func PauseBody() string {
	return Envelope(ActionPause, `<InstanceID>0</InstanceID>`)
}

func StopBody() string {
	return Envelope(ActionStop, `<InstanceID>0</InstanceID>`)
}

// SeekBody seeks to an absolute offset using REL_TIME, which is the mode
// renderers actually implement for position jumps.
func SeekBody(seconds int) string {
	args := fmt.Sprintf(`<InstanceID>0</InstanceID><Unit>REL_TIME</Unit><Target>%s</Target>`,
		formatClock(seconds))
	return Envelope(ActionSeek, args)
}

func SetVolumeBody(volume int) string {
	args := fmt.Sprintf(`<InstanceID>0</InstanceID><Channel>Master</Channel><DesiredVolume>%d</DesiredVolume>`,
		volume)
	return Envelope(ActionSetVolume, args)
}

func GetPositionInfoBody() string {
	return Envelope(ActionGetPositionInfo, `<InstanceID>0</InstanceID>`)
}

func GetTransportInfoBody() string {
	return Envelope(ActionGetTransportInfo, `<InstanceID>0</InstanceID>`)
}

// BuildDIDL renders the DIDL-Lite metadata document for a media item.
// Empty metadata fields fall back to generic values so renderers that
// insist on a title still accept the item.
func BuildDIDL(mediaURL string, meta domain.MediaMetadata) string {
	title := meta.Title
	if title == "" {
		title = "Media"
	}
	var b strings.Builder
	b.WriteString(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"` +
		` xmlns:dc="http://purl.org/dc/elements/1.1/"` +
		` xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`)
	b.WriteString(`<item id="0" parentID="-1" restricted="1">`)
	fmt.Fprintf(&b, `<dc:title>%s</dc:title>`, escape(title))
	if meta.Artist != "" {
		fmt.Fprintf(&b, `<dc:creator>%s</dc:creator>`, escape(meta.Artist))
	}
	if meta.Album != "" {
		fmt.Fprintf(&b, `<upnp:album>%s</upnp:album>`, escape(meta.Album))
	}
	b.WriteString(`<upnp:class>object.item.videoItem</upnp:class>`)
	fmt.Fprintf(&b, `<res protocolInfo="http-get:*:*:*">%s</res>`, escape(mediaURL))
	b.WriteString(`</item></DIDL-Lite>`)
	return b.String()
}

// ParsePositionInfo pulls RelTime and TrackDuration out of a
// GetPositionInfo response.
func ParsePositionInfo(body string) domain.PositionInfo {
	values := responseValues(body, "RelTime", "TrackDuration")
	return domain.PositionInfo{
		PositionSeconds: parseClock(values["RelTime"]),
		DurationSeconds: parseClock(values["TrackDuration"]),
	}
}

// ParseTransportInfo pulls the transport state triple out of a
// GetTransportInfo response.
func ParseTransportInfo(body string) domain.TransportInfo {
	values := responseValues(body, "CurrentTransportState", "CurrentTransportStatus", "CurrentSpeed")
	return domain.TransportInfo{
		State:  values["CurrentTransportState"],
		Status: values["CurrentTransportStatus"],
		Speed:  values["CurrentSpeed"],
	}
}

// responseValues scans a response envelope for the character data of the
// named elements, ignoring namespaces. SOAP responses vary in prefixing
// across vendors, so matching on local names is the tolerant path.
func responseValues(body string, names ...string) map[string]string {
	wanted := map[string]bool{}
	for _, name := range names {
		wanted[name] = true
	}
	out := map[string]string{}

	dec := xml.NewDecoder(strings.NewReader(body))
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if wanted[t.Name.Local] {
				current = t.Name.Local
			} else {
				current = ""
			}
		case xml.CharData:
			if current != "" {
				out[current] += string(t)
			}
		case xml.EndElement:
			current = ""
		}
	}
}

// formatClock renders seconds as zero-padded H:MM:SS.
func formatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds/60)%60, seconds%60)
}

// parseClock converts "H:MM:SS[.fraction]" to whole seconds. Renderers
// report "NOT_IMPLEMENTED" or empty strings for unknown positions; those
// map to zero.
func parseClock(value string) int {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "NOT_IMPLEMENTED") {
		return 0
	}
	if dot := strings.Index(value, "."); dot >= 0 {
		value = value[:dot]
	}
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	return h*3600 + m*60 + s
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
