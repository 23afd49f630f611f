// Package description retrieves and parses UPnP device description
// documents.
package description

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/buildinfo"
	"github.com/castbridge/castbridge/internal/domain"
)

const (
	fetchTimeout = 8 * time.Second
	maxRetries   = 1
	maxBodySize  = 2 << 20
)

type descriptionRoot struct {
	XMLName xml.Name          `xml:"root"`
	Device  descriptionDevice `xml:"device"`
}

type descriptionDevice struct {
	DeviceType       string               `xml:"deviceType"`
	FriendlyName     string               `xml:"friendlyName"`
	Manufacturer     string               `xml:"manufacturer"`
	ModelName        string               `xml:"modelName"`
	ModelDescription string               `xml:"modelDescription"`
	Services         []descriptionService `xml:"serviceList>service"`
	Devices          []descriptionDevice  `xml:"deviceList>device"`
}

type descriptionService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

// Fetcher turns a description location URL into structured device metadata.
type Fetcher struct {
	client *retryablehttp.Client
	logger zerolog.Logger
}

// NewFetcher builds a fetcher with an 8s per-request timeout and at most
// one retry on transient failures.
func NewFetcher(logger zerolog.Logger) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = fetchTimeout
	client.Logger = nil
	return &Fetcher{client: client, logger: logger}
}

// Fetch retrieves the description XML at location. Malformed or partial XML
// never fails the fetch: whatever fields parsed are returned and the rest
// stay unset, so a device with a broken document remains usable.
func (f *Fetcher) Fetch(ctx context.Context, location string) (*domain.DeviceDescription, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build description request: %w", err)
	}
	req.Header.Set("User-Agent", "castbridge/"+buildinfo.Version+" UPnP/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch description %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch description %s: HTTP %d", location, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read description %s: %w", location, err)
	}

	return Parse(body, location, f.logger), nil
}

// Parse extracts the known fields from a description document. Parsing is
// best-effort by contract: an unparseable document yields an empty
// description, not an error.
func Parse(body []byte, location string, logger zerolog.Logger) *domain.DeviceDescription {
	var root descriptionRoot
	if err := xml.Unmarshal(body, &root); err != nil {
		logger.Debug().Err(err).Str("location", location).Msg("description XML did not parse cleanly")
	}

	base, baseErr := url.Parse(location)

	dd := &domain.DeviceDescription{
		DeviceType:       root.Device.DeviceType,
		FriendlyName:     root.Device.FriendlyName,
		Manufacturer:     root.Device.Manufacturer,
		ModelName:        root.Device.ModelName,
		ModelDescription: root.Device.ModelDescription,
	}

	collectServices(root.Device, func(svc descriptionService) {
		controlURL := svc.ControlURL
		if baseErr == nil {
			controlURL = resolveControlURL(base, svc.ControlURL)
		}
		dd.Services = append(dd.Services, domain.Service{
			ServiceType: svc.ServiceType,
			ControlURL:  controlURL,
		})
	})

	return dd
}

// collectServices walks the device tree depth-first; renderers commonly
// nest their AVTransport service under an embedded device.
func collectServices(dev descriptionDevice, fn func(descriptionService)) {
	for _, svc := range dev.Services {
		fn(svc)
	}
	for _, nested := range dev.Devices {
		collectServices(nested, fn)
	}
}

// resolveControlURL makes a control URL absolute against the description
// location. Devices ship absolute URLs, absolute paths, and bare relative
// paths; all three occur in the wild.
func resolveControlURL(base *url.URL, controlURL string) string {
	if controlURL == "" {
		return ""
	}
	ref, err := url.Parse(controlURL)
	if err != nil {
		return controlURL
	}
	return base.ResolveReference(ref).String()
}
