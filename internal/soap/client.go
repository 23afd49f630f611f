// Package soap executes UPnP SOAP actions against device control URLs and
// classifies the outcome into the casting error taxonomy.
package soap

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/domain"
	"github.com/castbridge/castbridge/internal/metrics"
)

const (
	callTimeout     = 15 * time.Second
	maxRequestSize  = 1 << 20
	maxResponseSize = 5 << 20
)

type faultEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault struct {
			FaultCode   string `xml:"faultcode"`
			FaultString string `xml:"faultstring"`
			Detail      struct {
				UPnPError struct {
					ErrorCode        int    `xml:"errorCode"`
					ErrorDescription string `xml:"errorDescription"`
				} `xml:"UPnPError"`
			} `xml:"detail"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

// Client sends SOAP envelopes over HTTP. The zero value is not usable;
// call NewClient.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient swaps the transport; tests use httptest servers through it.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: callTimeout},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke posts one SOAP envelope to controlURL and returns the raw
// response body. Non-HTTP(S) destinations and oversized request bodies are
// rejected before sending; destinations outside private ranges are logged
// but allowed. A non-200 response carrying a SOAP fault becomes a
// domain.UPnPFault, any other non-200 a domain.TransportError.
func (c *Client) Invoke(ctx context.Context, controlURL string, action Action, body string) (string, error) {
	parsed, err := url.Parse(controlURL)
	if err != nil {
		return "", domain.NewValidationError("control_url", controlURL, "not a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", domain.NewValidationError("control_url", controlURL, "only http and https are supported")
	}
	if len(body) > maxRequestSize {
		return "", domain.NewValidationError("body", len(body), "request body exceeds 1 MiB")
	}
	if host := parsed.Hostname(); !isPrivateHost(host) {
		c.logger.Warn().Str("host", host).Str("action", action.Name).
			Msg("SOAP destination is outside private address ranges")
	}

	metrics.SOAPCallsTotal.WithLabelValues(action.Name).Inc()

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, controlURL, strings.NewReader(body))
	if err != nil {
		return "", domain.NewTransportError(action.Name, controlURL, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, action.ServiceURN, action.Name))
	req.Header.Set("Connection", "Close")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.NewTransportError(action.Name, controlURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return "", domain.NewTransportError(action.Name, controlURL, err)
	}
	if len(respBody) > maxResponseSize {
		// The deferred Body.Close with unread data tears down the
		// connection instead of draining the rest.
		return "", domain.NewTransportError(action.Name, controlURL,
			fmt.Errorf("response exceeds %d bytes", maxResponseSize))
	}

	if resp.StatusCode == http.StatusOK {
		return string(respBody), nil
	}

	if fault := classifyFault(action.Name, respBody); fault != nil {
		metrics.SOAPFaultsTotal.WithLabelValues(fmt.Sprintf("%d", fault.Code)).Inc()
		return "", fault
	}
	return "", domain.NewTransportError(action.Name, controlURL,
		fmt.Errorf("HTTP %d", resp.StatusCode))
}

// classifyFault extracts faultstring and the UPnP errorCode/errorDescription
// pair from a SOAP fault body. Returns nil when the body is not a fault.
func classifyFault(action string, body []byte) *domain.UPnPFault {
	var env faultEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil
	}
	fault := env.Body.Fault
	if fault.FaultString == "" && fault.Detail.UPnPError.ErrorCode == 0 {
		return nil
	}
	return &domain.UPnPFault{
		Action:      action,
		Code:        fault.Detail.UPnPError.ErrorCode,
		Description: fault.Detail.UPnPError.ErrorDescription,
		FaultString: fault.FaultString,
	}
}

func isPrivateHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostnames cannot be range-checked without resolving; let them pass.
		return true
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
