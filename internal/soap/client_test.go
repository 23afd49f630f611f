package soap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castbridge/castbridge/internal/domain"
)

const faultBody = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
 <s:Body>
  <s:Fault>
   <faultcode>s:Client</faultcode>
   <faultstring>UPnPError</faultstring>
   <detail>
    <UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
     <errorCode>718</errorCode>
     <errorDescription>Invalid InstanceID</errorDescription>
    </UPnPError>
   </detail>
  </s:Fault>
 </s:Body>
</s:Envelope>`

func TestInvokeReturnsResponseBody(t *testing.T) {
	var gotSOAPAction, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSOAPAction = r.Header.Get("SOAPAction")
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte("<ok/>"))
	}))
	defer srv.Close()

	client := NewClient()
	body, err := client.Invoke(context.Background(), srv.URL, ActionPlay, PlayBody())
	require.NoError(t, err)
	assert.Equal(t, "<ok/>", body)
	assert.Equal(t, `"urn:schemas-upnp-org:service:AVTransport:1#Play"`, gotSOAPAction)
	assert.Equal(t, `text/xml; charset="utf-8"`, gotContentType)
}

func TestInvokeClassifiesUPnPFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(faultBody))
	}))
	defer srv.Close()

	client := NewClient()
	_, err := client.Invoke(context.Background(), srv.URL, ActionSetAVTransportURI,
		SetAVTransportURIBody("http://example.local/a.mp4", domain.MediaMetadata{}))
	require.Error(t, err)

	var fault *domain.UPnPFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 718, fault.Code)
	assert.Equal(t, "Invalid InstanceID", fault.Description)
	assert.Equal(t, "SetAVTransportURI", fault.Action)
	assert.Contains(t, fault.FriendlyMessage(), "format")
}

func TestInvokeNonFaultErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient()
	_, err := client.Invoke(context.Background(), srv.URL, ActionStop, StopBody())
	require.Error(t, err)
	assert.True(t, domain.IsTransportError(err))
}

func TestInvokeRejectsBadControlURL(t *testing.T) {
	client := NewClient()

	_, err := client.Invoke(context.Background(), "ftp://10.0.0.5/ctl", ActionPlay, PlayBody())
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
}

func TestInvokeAbortsOversizedResponse(t *testing.T) {
	chunk := strings.Repeat("x", 64<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for written := 0; written <= maxResponseSize; written += len(chunk) {
			if _, err := w.Write([]byte(chunk)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient()
	_, err := client.Invoke(context.Background(), srv.URL, ActionGetPositionInfo, GetPositionInfoBody())
	require.Error(t, err)
	assert.True(t, domain.IsTransportError(err))
	assert.Contains(t, err.Error(), "exceeds")
}

func TestInvokeRejectsOversizedBody(t *testing.T) {
	client := NewClient()

	big := strings.Repeat("x", maxRequestSize+1)
	_, err := client.Invoke(context.Background(), "http://10.0.0.5/ctl", ActionPlay, big)
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
}

func TestSetAVTransportURIBodyEscapesMetadata(t *testing.T) {
	body := SetAVTransportURIBody("http://h/a.mp4?x=1&y=2", domain.MediaMetadata{Title: "Tom & Jerry"})

	assert.Contains(t, body, "x=1&amp;y=2")
	assert.NotContains(t, body, "Tom & Jerry")
	assert.Contains(t, body, "<InstanceID>0</InstanceID>")
	// DIDL metadata is itself escaped inside CurrentURIMetaData.
	assert.Contains(t, body, "&lt;DIDL-Lite")
	assert.Contains(t, body, "Tom &amp;amp; Jerry")
}

func TestBuildDIDLDefaultsTitle(t *testing.T) {
	didl := BuildDIDL("http://h/a.mp4", domain.MediaMetadata{})
	assert.Contains(t, didl, "<dc:title>Media</dc:title>")
	assert.Contains(t, didl, "object.item.videoItem")
}

func TestSeekBodyFormatsClock(t *testing.T) {
	body := SeekBody(3725)
	assert.Contains(t, body, "<Target>01:02:05</Target>")
	assert.Contains(t, body, "<Unit>REL_TIME</Unit>")
}

func TestParseClock(t *testing.T) {
	assert.Equal(t, 0, parseClock(""))
	assert.Equal(t, 0, parseClock("NOT_IMPLEMENTED"))
	assert.Equal(t, 95, parseClock("0:01:35"))
	assert.Equal(t, 3601, parseClock("01:00:01.500"))
	assert.Equal(t, 0, parseClock("garbage"))
}

func TestParsePositionInfo(t *testing.T) {
	resp := `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>
	<u:GetPositionInfoResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">
	 <Track>1</Track>
	 <TrackDuration>0:02:00</TrackDuration>
	 <RelTime>0:00:30</RelTime>
	</u:GetPositionInfoResponse></s:Body></s:Envelope>`

	info := ParsePositionInfo(resp)
	assert.Equal(t, 30, info.PositionSeconds)
	assert.Equal(t, 120, info.DurationSeconds)
}

func TestParseTransportInfo(t *testing.T) {
	resp := `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>
	<u:GetTransportInfoResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">
	 <CurrentTransportState>PLAYING</CurrentTransportState>
	 <CurrentTransportStatus>OK</CurrentTransportStatus>
	 <CurrentSpeed>1</CurrentSpeed>
	</u:GetTransportInfoResponse></s:Body></s:Envelope>`

	info := ParseTransportInfo(resp)
	assert.Equal(t, "PLAYING", info.State)
	assert.Equal(t, "OK", info.Status)
	assert.Equal(t, "1", info.Speed)
}
