package domain

import (
	"strings"
	"time"
)

// DeviceStatus tracks whether a device responded during the most recent
// discovery cycle. Devices are demoted to offline, never deleted.
type DeviceStatus string

const (
	StatusAvailable DeviceStatus = "available"
	StatusOffline   DeviceStatus = "offline"
)

// DeviceClass is derived from the services advertised in the description XML.
type DeviceClass string

const (
	// ClassMediaRenderer means both AVTransport and RenderingControl are present.
	ClassMediaRenderer DeviceClass = "media_renderer"
	// ClassCompatible means only AVTransport is present.
	ClassCompatible DeviceClass = "compatible"
	// ClassGenericUPnP is any other UPnP responder.
	ClassGenericUPnP DeviceClass = "generic_upnp"
)

const (
	AVTransportPrefix      = "urn:schemas-upnp-org:service:AVTransport:"
	RenderingControlPrefix = "urn:schemas-upnp-org:service:RenderingControl:"
)

// Service is one <service> entry from the device description, with its
// control URL resolved absolute against the description location.
type Service struct {
	ServiceType string `json:"service_type"`
	ControlURL  string `json:"control_url"`
}

// Device is a discovered network endpoint, uniquely identified by
// (address, uuid). Repeated SSDP responses merge into the same record.
type Device struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
	Location     string `json:"location"`
	DeviceType   string `json:"device_type,omitempty"`
	FriendlyName string `json:"friendly_name"`
	Manufacturer string `json:"manufacturer,omitempty"`
	ModelName    string `json:"model_name,omitempty"`

	Class    DeviceClass  `json:"class"`
	Services []Service    `json:"services,omitempty"`
	Status   DeviceStatus `json:"status"`

	// SupportedServiceTypes accumulates the SSDP search targets observed
	// for this device across responses, sorted.
	SupportedServiceTypes []string  `json:"supported_service_types,omitempty"`
	LastSeen              time.Time `json:"last_seen"`
}

// ServiceByPrefix returns the first service whose type starts with prefix,
// e.g. AVTransportPrefix.
func (d *Device) ServiceByPrefix(prefix string) (Service, bool) {
	for _, svc := range d.Services {
		if strings.HasPrefix(svc.ServiceType, prefix) {
			return svc, true
		}
	}
	return Service{}, false
}

// DeviceDescription is the parsed subset of a UPnP description document.
type DeviceDescription struct {
	DeviceType       string
	FriendlyName     string
	Manufacturer     string
	ModelName        string
	ModelDescription string
	Services         []Service
}

// Classify derives the device class from the advertised services.
func (dd *DeviceDescription) Classify() DeviceClass {
	hasAVT := false
	hasRC := false
	for _, svc := range dd.Services {
		switch {
		case strings.HasPrefix(svc.ServiceType, AVTransportPrefix):
			hasAVT = true
		case strings.HasPrefix(svc.ServiceType, RenderingControlPrefix):
			hasRC = true
		}
	}
	switch {
	case hasAVT && hasRC:
		return ClassMediaRenderer
	case hasAVT:
		return ClassCompatible
	default:
		return ClassGenericUPnP
	}
}
