package description

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/domain"
)

const rendererXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
 <device>
  <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
  <friendlyName>Living Room TV</friendlyName>
  <manufacturer>Acme</manufacturer>
  <modelName>TV-9000</modelName>
  <serviceList>
   <service>
    <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
    <controlURL>/AVTransport/control</controlURL>
   </service>
   <service>
    <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
    <controlURL>RenderingControl/control</controlURL>
   </service>
  </serviceList>
 </device>
</root>`

const nestedXML = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
 <device>
  <deviceType>urn:schemas-upnp-org:device:Basic:1</deviceType>
  <friendlyName>Combo Box</friendlyName>
  <deviceList>
   <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <serviceList>
     <service>
      <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
      <controlURL>http://192.168.1.9:9000/avt</controlURL>
     </service>
    </serviceList>
   </device>
  </deviceList>
 </device>
</root>`

func TestFetchParsesRendererDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rendererXML))
	}))
	defer srv.Close()

	dd, err := NewFetcher(zerolog.Nop()).Fetch(context.Background(), srv.URL+"/description.xml")
	require.NoError(t, err)

	assert.Equal(t, "Living Room TV", dd.FriendlyName)
	assert.Equal(t, "Acme", dd.Manufacturer)
	assert.Equal(t, "TV-9000", dd.ModelName)
	assert.Equal(t, domain.ClassMediaRenderer, dd.Classify())

	require.Len(t, dd.Services, 2)
	// Absolute path and bare relative path both resolve against the location.
	assert.Equal(t, srv.URL+"/AVTransport/control", dd.Services[0].ControlURL)
	assert.Equal(t, srv.URL+"/RenderingControl/control", dd.Services[1].ControlURL)
}

func TestFetchCollectsNestedDeviceServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(nestedXML))
	}))
	defer srv.Close()

	dd, err := NewFetcher(zerolog.Nop()).Fetch(context.Background(), srv.URL+"/description.xml")
	require.NoError(t, err)

	require.Len(t, dd.Services, 1)
	assert.Equal(t, "http://192.168.1.9:9000/avt", dd.Services[0].ControlURL)
	assert.Equal(t, domain.ClassCompatible, dd.Classify())
}

func TestFetchRetriesOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(rendererXML))
	}))
	defer srv.Close()

	dd, err := NewFetcher(zerolog.Nop()).Fetch(context.Background(), srv.URL+"/description.xml")
	require.NoError(t, err)
	assert.Equal(t, "Living Room TV", dd.FriendlyName)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchNon200Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewFetcher(zerolog.Nop()).Fetch(context.Background(), srv.URL+"/description.xml")
	require.Error(t, err)
}

func TestParseMalformedXMLIsBestEffort(t *testing.T) {
	dd := Parse([]byte(`<root><device><friendlyName>Broken`), "http://192.168.1.9/d.xml", zerolog.Nop())

	require.NotNil(t, dd)
	assert.Equal(t, domain.ClassGenericUPnP, dd.Classify())
}

func TestParseGarbageYieldsEmptyDescription(t *testing.T) {
	dd := Parse([]byte("not xml at all"), "http://192.168.1.9/d.xml", zerolog.Nop())

	require.NotNil(t, dd)
	assert.Empty(t, dd.FriendlyName)
	assert.Empty(t, dd.Services)
}
