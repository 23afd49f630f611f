// Package registry deduplicates SSDP observations into Device records and
// answers discovery queries.
package registry

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/domain"
	"github.com/castbridge/castbridge/internal/metrics"
)

// DescriptionResolver enriches a device from its description location.
type DescriptionResolver interface {
	Fetch(ctx context.Context, location string) (*domain.DeviceDescription, error)
}

// ObserverFunc is invoked after a device is created or updated. It is
// called outside the registry lock and may be nil.
type ObserverFunc func(domain.Device)

// Registry is the in-memory device table. One mutex guards the whole
// table; entries are mutated in place and never deleted, only demoted
// to offline when a cycle ends without re-observing them.
type Registry struct {
	resolver DescriptionResolver
	observer ObserverFunc
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	devices     map[string]*domain.Device
	seenInCycle map[string]bool

	enrichWG sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithObserver registers a device found/updated callback.
func WithObserver(fn ObserverFunc) Option {
	return func(r *Registry) { r.observer = fn }
}

func New(resolver DescriptionResolver, opts ...Option) *Registry {
	r := &Registry{
		resolver:    resolver,
		logger:      zerolog.Nop(),
		now:         time.Now,
		devices:     map[string]*domain.Device{},
		seenInCycle: map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ObserveSSDP ingests one raw SSDP datagram. Messages without a Location
// header are dropped. A new (address, uuid) pair creates a Device and
// triggers asynchronous enrichment; a known pair merges the observed
// search target and refreshes LastSeen.
func (r *Registry) ObserveSSDP(raw []byte, from *net.UDPAddr) {
	metrics.SSDPResponsesTotal.Inc()

	headers := parseHeaders(raw)
	location := headers["location"]
	if location == "" {
		return
	}

	address := from.IP.String()
	id := deviceID(address, headers["usn"], headers["nt"])

	serviceType := headers["st"]
	if serviceType == "" {
		serviceType = headers["nt"]
	}

	var snapshot domain.Device
	created := false

	r.mu.Lock()
	dev, ok := r.devices[id]
	if !ok {
		created = true
		dev = &domain.Device{
			ID:           id,
			Address:      address,
			Port:         from.Port,
			Location:     location,
			FriendlyName: placeholderName(address),
			Class:        domain.ClassGenericUPnP,
			Status:       domain.StatusAvailable,
		}
		r.devices[id] = dev
		metrics.DevicesKnown.Set(float64(len(r.devices)))
	}
	dev.Location = location
	dev.Status = domain.StatusAvailable
	dev.LastSeen = r.now()
	if serviceType != "" {
		dev.SupportedServiceTypes = mergeSorted(dev.SupportedServiceTypes, serviceType)
	}
	r.seenInCycle[id] = true
	snapshot = cloneDevice(dev)
	r.mu.Unlock()

	if created && r.resolver != nil {
		r.enrichWG.Add(1)
		go r.enrich(id, location)
	}
	if r.observer != nil {
		r.observer(snapshot)
	}
}

// enrich fetches the description document and folds the result into the
// device record. Fetch failures leave the device in place with degraded
// metadata; it may answer a later sweep.
func (r *Registry) enrich(id, location string) {
	defer r.enrichWG.Done()

	dd, err := r.resolver.Fetch(context.Background(), location)
	if err != nil {
		metrics.DescriptionFetchErrors.Inc()
		r.logger.Warn().Err(err).Str("device_id", id).Str("location", location).
			Msg("device description fetch failed")
		return
	}
	r.ApplyDescription(id, dd)
}

// ApplyDescription merges fetched metadata into a device and notifies the
// observer. It is also used by the orchestrator after a validation re-fetch.
func (r *Registry) ApplyDescription(id string, dd *domain.DeviceDescription) {
	var snapshot domain.Device

	r.mu.Lock()
	dev, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if dd.FriendlyName != "" {
		dev.FriendlyName = dd.FriendlyName
	}
	if dd.DeviceType != "" {
		dev.DeviceType = dd.DeviceType
	}
	if dd.Manufacturer != "" {
		dev.Manufacturer = dd.Manufacturer
	}
	if dd.ModelName != "" {
		dev.ModelName = dd.ModelName
	}
	if len(dd.Services) > 0 {
		dev.Services = append([]domain.Service(nil), dd.Services...)
		dev.Class = dd.Classify()
	}
	dev.LastSeen = r.now()
	snapshot = cloneDevice(dev)
	r.mu.Unlock()

	if r.observer != nil {
		r.observer(snapshot)
	}
}

// Get returns a copy of the device with the given id.
func (r *Registry) Get(id string) (domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	if !ok {
		return domain.Device{}, false
	}
	return cloneDevice(dev), true
}

// Snapshot returns a copy of the current table, sorted by friendly name
// then id so discovery results are stable for the caller.
func (r *Registry) Snapshot() []domain.Device {
	r.mu.RLock()
	out := make([]domain.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, cloneDevice(dev))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !strings.EqualFold(out[i].FriendlyName, out[j].FriendlyName) {
			return strings.ToLower(out[i].FriendlyName) < strings.ToLower(out[j].FriendlyName)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BeginCycle resets the seen set for a new discovery sweep.
func (r *Registry) BeginCycle() {
	r.mu.Lock()
	r.seenInCycle = map[string]bool{}
	r.mu.Unlock()
}

// EndCycle demotes every device not observed during the cycle to offline.
// Nothing is deleted.
func (r *Registry) EndCycle() {
	r.mu.Lock()
	for id, dev := range r.devices {
		if !r.seenInCycle[id] {
			dev.Status = domain.StatusOffline
		}
	}
	r.mu.Unlock()
}

// Restore seeds the table from cached devices without marking them seen.
// Existing entries win over cached ones.
func (r *Registry) Restore(devices []domain.Device) {
	r.mu.Lock()
	for i := range devices {
		dev := devices[i]
		if _, ok := r.devices[dev.ID]; ok {
			continue
		}
		copied := dev
		r.devices[dev.ID] = &copied
	}
	metrics.DevicesKnown.Set(float64(len(r.devices)))
	r.mu.Unlock()
}

// Quiesce waits for outstanding enrichment fetches, bounded by ctx.
func (r *Registry) Quiesce(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.enrichWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// deviceID keys a device on (address, uuid). When no well-formed uuid is
// present in USN/NT, the key falls back to the address alone, keeping
// repeated responses from the same responder deduplicated across sweeps.
func deviceID(address, usn, nt string) string {
	if id := extractUUID(usn); id != "" {
		return address + "_" + id
	}
	if id := extractUUID(nt); id != "" {
		return address + "_" + id
	}
	return address
}

// extractUUID pulls the value out of a "uuid:<value>[::...]" header field.
// Canonical RFC 4122 values are normalized through uuid.Parse; vendor
// formats (Sonos RINCON ids and the like) are kept verbatim.
func extractUUID(header string) string {
	header = strings.TrimSpace(header)
	idx := strings.Index(strings.ToLower(header), "uuid:")
	if idx < 0 {
		return ""
	}
	value := header[idx+len("uuid:"):]
	if end := strings.Index(value, "::"); end >= 0 {
		value = value[:end]
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if parsed, err := uuid.Parse(value); err == nil {
		return parsed.String()
	}
	return value
}

// parseHeaders reads the colon-delimited header lines of an SSDP datagram
// into a lowercase-keyed map. The start line is skipped.
func parseHeaders(raw []byte) map[string]string {
	headers := map[string]string{}
	lines := strings.Split(string(raw), "\r\n")
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		if key == "" || value == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

func mergeSorted(existing []string, value string) []string {
	for _, v := range existing {
		if v == value {
			return existing
		}
	}
	existing = append(existing, value)
	sort.Strings(existing)
	return existing
}

func cloneDevice(dev *domain.Device) domain.Device {
	out := *dev
	out.Services = append([]domain.Service(nil), dev.Services...)
	out.SupportedServiceTypes = append([]string(nil), dev.SupportedServiceTypes...)
	return out
}

func placeholderName(address string) string {
	return fmt.Sprintf("UPnP Device (%s)", address)
}
