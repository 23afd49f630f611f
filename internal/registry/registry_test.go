package registry

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/domain"
)

type fakeResolver struct {
	mu      sync.Mutex
	fetches int
	desc    *domain.DeviceDescription
	err     error
}

func (f *fakeResolver) Fetch(context.Context, string) (*domain.DeviceDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return f.desc, nil
}

func (f *fakeResolver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func ssdpResponse(location, st, usn string) []byte {
	msg := "HTTP/1.1 200 OK\r\n"
	if location != "" {
		msg += "LOCATION: " + location + "\r\n"
	}
	if st != "" {
		msg += "ST: " + st + "\r\n"
	}
	if usn != "" {
		msg += "USN: " + usn + "\r\n"
	}
	return []byte(msg + "\r\n")
}

func sender(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 1900}
}

func quiesce(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Quiesce(ctx)
}

func TestObserveDropsMessageWithoutLocation(t *testing.T) {
	r := New(&fakeResolver{})

	r.ObserveSSDP(ssdpResponse("", "upnp:rootdevice", "uuid:abc::upnp:rootdevice"), sender("192.168.1.50"))

	assert.Empty(t, r.Snapshot())
}

func TestObserveDeduplicatesByAddressAndUUID(t *testing.T) {
	r := New(&fakeResolver{desc: &domain.DeviceDescription{FriendlyName: "TV"}})
	usn := "uuid:0ec42c77-9c1a-4d6e-9f2e-000000000001::urn:schemas-upnp-org:device:MediaRenderer:1"

	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", usn), sender("192.168.1.50"))
	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "urn:schemas-upnp-org:service:AVTransport:1", usn), sender("192.168.1.50"))
	quiesce(t, r)

	devices := r.Snapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, "192.168.1.50_0ec42c77-9c1a-4d6e-9f2e-000000000001", devices[0].ID)
	assert.Equal(t, []string{
		"upnp:rootdevice",
		"urn:schemas-upnp-org:service:AVTransport:1",
	}, devices[0].SupportedServiceTypes)
}

func TestObserveSameUUIDDifferentAddressIsTwoDevices(t *testing.T) {
	r := New(&fakeResolver{desc: &domain.DeviceDescription{}})
	usn := "uuid:0ec42c77-9c1a-4d6e-9f2e-000000000001::upnp:rootdevice"

	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", usn), sender("192.168.1.50"))
	r.ObserveSSDP(ssdpResponse("http://192.168.1.51:8060/d.xml", "upnp:rootdevice", usn), sender("192.168.1.51"))
	quiesce(t, r)

	assert.Len(t, r.Snapshot(), 2)
}

func TestObserveWithoutUUIDKeysOnAddress(t *testing.T) {
	r := New(&fakeResolver{desc: &domain.DeviceDescription{}})

	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", "no-uuid-here"), sender("192.168.1.50"))
	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "ssdp:all", "still-no-uuid"), sender("192.168.1.50"))
	quiesce(t, r)

	devices := r.Snapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, "192.168.1.50", devices[0].ID)
}

func TestEnrichmentAppliesDescription(t *testing.T) {
	resolver := &fakeResolver{desc: &domain.DeviceDescription{
		FriendlyName: "Living Room TV",
		Manufacturer: "Acme",
		Services: []domain.Service{
			{ServiceType: "urn:schemas-upnp-org:service:AVTransport:1", ControlURL: "http://192.168.1.50:8060/avt"},
			{ServiceType: "urn:schemas-upnp-org:service:RenderingControl:1", ControlURL: "http://192.168.1.50:8060/rc"},
		},
	}}
	r := New(resolver)

	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", "uuid:abc::upnp:rootdevice"), sender("192.168.1.50"))
	quiesce(t, r)

	devices := r.Snapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, "Living Room TV", devices[0].FriendlyName)
	assert.Equal(t, domain.ClassMediaRenderer, devices[0].Class)
	assert.Len(t, devices[0].Services, 2)
	assert.Equal(t, 1, resolver.count())
}

func TestDegradedRefetchKeepsKnownClassAndServices(t *testing.T) {
	resolver := &fakeResolver{desc: &domain.DeviceDescription{
		FriendlyName: "Living Room TV",
		Services: []domain.Service{
			{ServiceType: "urn:schemas-upnp-org:service:AVTransport:1", ControlURL: "http://192.168.1.50:8060/avt"},
			{ServiceType: "urn:schemas-upnp-org:service:RenderingControl:1", ControlURL: "http://192.168.1.50:8060/rc"},
		},
	}}
	r := New(resolver)

	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", "uuid:abc::upnp:rootdevice"), sender("192.168.1.50"))
	quiesce(t, r)

	// A later re-fetch that parses a broken document yields an empty
	// description; the renderer must not lose its class or services.
	r.ApplyDescription("192.168.1.50_abc", &domain.DeviceDescription{})

	dev, ok := r.Get("192.168.1.50_abc")
	require.True(t, ok)
	assert.Equal(t, domain.ClassMediaRenderer, dev.Class)
	assert.Len(t, dev.Services, 2)
	assert.Equal(t, "Living Room TV", dev.FriendlyName)
}

func TestEnrichmentFailureKeepsPlaceholder(t *testing.T) {
	r := New(&fakeResolver{err: errors.New("connection refused")})

	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", "uuid:abc::upnp:rootdevice"), sender("192.168.1.50"))
	quiesce(t, r)

	devices := r.Snapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, "UPnP Device (192.168.1.50)", devices[0].FriendlyName)
	assert.Equal(t, domain.ClassGenericUPnP, devices[0].Class)
}

func TestEndCycleDemotesUnseenDevices(t *testing.T) {
	r := New(&fakeResolver{desc: &domain.DeviceDescription{}})
	usnA := "uuid:aaaaaaaa-0000-0000-0000-000000000001::upnp:rootdevice"
	usnB := "uuid:bbbbbbbb-0000-0000-0000-000000000002::upnp:rootdevice"

	r.BeginCycle()
	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", usnA), sender("192.168.1.50"))
	r.ObserveSSDP(ssdpResponse("http://192.168.1.51:8060/d.xml", "upnp:rootdevice", usnB), sender("192.168.1.51"))
	r.EndCycle()

	r.BeginCycle()
	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", usnA), sender("192.168.1.50"))
	r.EndCycle()
	quiesce(t, r)

	devices := r.Snapshot()
	require.Len(t, devices, 2)
	byAddr := map[string]domain.DeviceStatus{}
	for _, d := range devices {
		byAddr[d.Address] = d.Status
	}
	assert.Equal(t, domain.StatusAvailable, byAddr["192.168.1.50"])
	assert.Equal(t, domain.StatusOffline, byAddr["192.168.1.51"])
}

func TestRestoreExistingEntryWins(t *testing.T) {
	r := New(&fakeResolver{desc: &domain.DeviceDescription{FriendlyName: "Live Name"}})

	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", "uuid:abc::upnp:rootdevice"), sender("192.168.1.50"))
	quiesce(t, r)

	r.Restore([]domain.Device{{ID: "192.168.1.50_abc", FriendlyName: "Stale Cached Name"}})

	dev, ok := r.Get("192.168.1.50_abc")
	require.True(t, ok)
	assert.Equal(t, "Live Name", dev.FriendlyName)
}

func TestObserverCallbackFires(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	r := New(&fakeResolver{desc: &domain.DeviceDescription{FriendlyName: "TV"}},
		WithObserver(func(d domain.Device) {
			mu.Lock()
			seen = append(seen, d.FriendlyName)
			mu.Unlock()
		}))

	r.ObserveSSDP(ssdpResponse("http://192.168.1.50:8060/d.xml", "upnp:rootdevice", "uuid:abc::upnp:rootdevice"), sender("192.168.1.50"))
	quiesce(t, r)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Contains(t, seen, "TV")
}

func TestParseHeaders(t *testing.T) {
	headers := parseHeaders([]byte("HTTP/1.1 200 OK\r\nLocation: http://x/d.xml\r\nST:  upnp:rootdevice \r\nBroken-line\r\n\r\n"))

	assert.Equal(t, "http://x/d.xml", headers["location"])
	assert.Equal(t, "upnp:rootdevice", headers["st"])
	_, ok := headers["broken-line"]
	assert.False(t, ok)
}

func TestExtractUUIDNormalizesCanonicalForm(t *testing.T) {
	assert.Equal(t, "0ec42c77-9c1a-4d6e-9f2e-000000000001",
		extractUUID("uuid:0EC42C77-9C1A-4D6E-9F2E-000000000001::upnp:rootdevice"))
	assert.Equal(t, "RINCON_000E58A0B1C201400", extractUUID("uuid:RINCON_000E58A0B1C201400"))
	assert.Equal(t, "", extractUUID("no uuid present"))
}
