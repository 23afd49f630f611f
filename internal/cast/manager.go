// Package cast orchestrates discovery, caching, and playback control
// against renderers found on the local network.
package cast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/devcache"
	"github.com/castbridge/castbridge/internal/domain"
	"github.com/castbridge/castbridge/internal/metrics"
	"github.com/castbridge/castbridge/internal/registry"
	"github.com/castbridge/castbridge/internal/soap"
	"github.com/castbridge/castbridge/internal/ssdp"
)

const (
	setURIAttempts    = 3
	setURIBackoffUnit = time.Second
	playAttempts      = 3
	playBackoffUnit   = 500 * time.Millisecond

	// settleDelay gives the renderer time to load the URI before Play.
	settleDelay = time.Second

	quiesceWait = 2 * time.Second

	avTransportFallbackPath      = "/control/AVTransport1"
	renderingControlFallbackPath = "/control/RenderingControl1"
)

type sweeper interface {
	Sweep(ctx context.Context, timeout time.Duration, fn ssdp.ResponseFunc) error
}

type descriptionFetcher interface {
	Fetch(ctx context.Context, location string) (*domain.DeviceDescription, error)
}

type soapInvoker interface {
	Invoke(ctx context.Context, controlURL string, action soap.Action, body string) (string, error)
}

// Manager ties the discovery sweep, the device registry, the snapshot
// cache, and the SOAP client together behind the operations the command
// surface exposes.
type Manager struct {
	messenger sweeper
	fetcher   descriptionFetcher
	soap      soapInvoker
	registry  *registry.Registry
	cache     *devcache.Cache
	logger    zerolog.Logger

	discoveryTimeout time.Duration
	cacheTTL         time.Duration

	// sleep and now are swappable so tests don't wait out real backoffs.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	refreshMu      sync.Mutex
	refreshRunning bool
	refreshDone    chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// Options carries the constructor knobs that come from configuration.
type Options struct {
	DiscoveryTimeout time.Duration
	CacheTTL         time.Duration
	Logger           zerolog.Logger
}

func NewManager(messenger sweeper, fetcher descriptionFetcher, soapClient soapInvoker, reg *registry.Registry, cache *devcache.Cache, opts Options) *Manager {
	m := &Manager{
		messenger:        messenger,
		fetcher:          fetcher,
		soap:             soapClient,
		registry:         reg,
		cache:            cache,
		logger:           opts.Logger,
		discoveryTimeout: opts.DiscoveryTimeout,
		cacheTTL:         opts.CacheTTL,
		sleep:            sleepCtx,
		now:              time.Now,
	}
	if m.discoveryTimeout <= 0 {
		m.discoveryTimeout = 5 * time.Second
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Discover returns the known devices, running a sweep only when the
// cached snapshot is stale. A fresh cache answers immediately and kicks a
// background refresh so the next call sees live data; a failed sweep falls
// back to the last snapshot rather than returning nothing.
func (m *Manager) Discover(ctx context.Context, timeout time.Duration) ([]domain.Device, error) {
	if timeout <= 0 {
		timeout = m.discoveryTimeout
	}

	cached, stamp := m.cache.Load()
	if m.cache.IsFresh(stamp, m.cacheTTL) {
		m.registry.Restore(cached)
		m.startBackgroundRefresh(timeout)
		return m.registry.Snapshot(), nil
	}

	if err := m.sweep(ctx, timeout); err != nil {
		if len(cached) > 0 {
			m.logger.Warn().Err(err).Msg("discovery sweep failed, serving last snapshot")
			m.registry.Restore(cached)
			return m.registry.Snapshot(), nil
		}
		return nil, err
	}
	return m.registry.Snapshot(), nil
}

// sweep runs one full discovery cycle and persists the result.
func (m *Manager) sweep(ctx context.Context, timeout time.Duration) error {
	start := m.now()
	m.registry.BeginCycle()
	err := m.messenger.Sweep(ctx, timeout, m.registry.ObserveSSDP)
	m.registry.EndCycle()
	metrics.DiscoveryDuration.Observe(m.now().Sub(start).Seconds())
	if err != nil {
		return err
	}

	// Give in-flight description fetches a moment so the snapshot carries
	// friendly names, then persist whatever we have.
	quiesceCtx, cancel := context.WithTimeout(context.Background(), quiesceWait)
	m.registry.Quiesce(quiesceCtx)
	cancel()

	if saveErr := m.cache.Save(m.registry.Snapshot()); saveErr != nil {
		m.logger.Warn().Err(saveErr).Msg("failed to persist device snapshot")
	}
	return nil
}

// startBackgroundRefresh runs at most one detached sweep at a time.
func (m *Manager) startBackgroundRefresh(timeout time.Duration) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.refreshRunning || m.isClosed() {
		return
	}
	m.refreshRunning = true
	m.refreshDone = make(chan struct{})

	go func() {
		defer func() {
			m.refreshMu.Lock()
			m.refreshRunning = false
			close(m.refreshDone)
			m.refreshMu.Unlock()
		}()
		if err := m.sweep(context.Background(), timeout); err != nil {
			m.logger.Warn().Err(err).Msg("background discovery refresh failed")
		}
	}()
}

// Cast loads a media URL onto the device and starts playback. The URI is
// set with retries; a Play failure after the URI was accepted is reported
// as success with a warning, since many renderers auto-start.
func (m *Manager) Cast(ctx context.Context, req domain.CastRequest) (*domain.CastResult, error) {
	mediaURL, err := resolveMediaURL(req)
	if err != nil {
		metrics.CastsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	device, controlURL, err := m.resolveAVTransport(ctx, req.DeviceID)
	if err != nil {
		metrics.CastsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	log := m.logger.With().Str("device_id", device.ID).Str("device", device.FriendlyName).Logger()
	log.Info().Str("media_url", mediaURL).Msg("casting")

	body := soap.SetAVTransportURIBody(mediaURL, req.Metadata)
	err = m.withRetry(ctx, setURIAttempts, setURIBackoffUnit, "SetAVTransportURI", func() error {
		_, callErr := m.soap.Invoke(ctx, controlURL, soap.ActionSetAVTransportURI, body)
		return callErr
	})
	if err != nil {
		metrics.CastsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("set transport URI on %s: %w", device.FriendlyName, err)
	}

	if err := m.sleep(ctx, settleDelay); err != nil {
		metrics.CastsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	err = m.withRetry(ctx, playAttempts, playBackoffUnit, "Play", func() error {
		_, callErr := m.soap.Invoke(ctx, controlURL, soap.ActionPlay, soap.PlayBody())
		return callErr
	})
	if err != nil {
		// The URI is loaded; most renderers begin playback on their own.
		log.Warn().Err(err).Msg("play could not be confirmed after URI was set")
		metrics.CastsTotal.WithLabelValues("warning").Inc()
		return &domain.CastResult{
			Success: true,
			Message: fmt.Sprintf("media sent to %s", device.FriendlyName),
			Warning: "playback start could not be confirmed; the device may begin playing on its own",
		}, nil
	}

	metrics.CastsTotal.WithLabelValues("success").Inc()
	return &domain.CastResult{
		Success: true,
		Message: fmt.Sprintf("playing on %s", device.FriendlyName),
	}, nil
}

// Pause pauses playback on the device.
func (m *Manager) Pause(ctx context.Context, deviceID string) error {
	return m.avTransportAction(ctx, deviceID, soap.ActionPause, soap.PauseBody())
}

// Stop stops playback on the device.
func (m *Manager) Stop(ctx context.Context, deviceID string) error {
	return m.avTransportAction(ctx, deviceID, soap.ActionStop, soap.StopBody())
}

// Seek jumps to an absolute position in the current track.
func (m *Manager) Seek(ctx context.Context, deviceID string, seconds int) error {
	if seconds < 0 {
		return domain.NewValidationError("position_seconds", seconds, "must not be negative")
	}
	return m.avTransportAction(ctx, deviceID, soap.ActionSeek, soap.SeekBody(seconds))
}

// SetVolume sets the master channel volume (0-100).
func (m *Manager) SetVolume(ctx context.Context, deviceID string, volume int) error {
	if volume < 0 || volume > 100 {
		return domain.NewValidationError("volume", volume, "must be between 0 and 100")
	}

	device, err := m.lookupDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	controlURL := m.renderingControlURL(device)
	_, err = m.soap.Invoke(ctx, controlURL, soap.ActionSetVolume, soap.SetVolumeBody(volume))
	return err
}

// PositionInfo reports the playback position of the current track.
func (m *Manager) PositionInfo(ctx context.Context, deviceID string) (*domain.PositionInfo, error) {
	device, controlURL, err := m.resolveAVTransport(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	resp, err := m.soap.Invoke(ctx, controlURL, soap.ActionGetPositionInfo, soap.GetPositionInfoBody())
	if err != nil {
		return nil, fmt.Errorf("position info from %s: %w", device.FriendlyName, err)
	}
	info := soap.ParsePositionInfo(resp)
	return &info, nil
}

// TransportInfo reports the transport state of the device.
func (m *Manager) TransportInfo(ctx context.Context, deviceID string) (*domain.TransportInfo, error) {
	device, controlURL, err := m.resolveAVTransport(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	resp, err := m.soap.Invoke(ctx, controlURL, soap.ActionGetTransportInfo, soap.GetTransportInfoBody())
	if err != nil {
		return nil, fmt.Errorf("transport info from %s: %w", device.FriendlyName, err)
	}
	info := soap.ParseTransportInfo(resp)
	return &info, nil
}

// avTransportAction resolves the device and fires a single AVTransport
// action without retries. Transport control is cheap to re-issue, so the
// caller decides whether to try again.
func (m *Manager) avTransportAction(ctx context.Context, deviceID string, action soap.Action, body string) error {
	device, controlURL, err := m.resolveAVTransport(ctx, deviceID)
	if err != nil {
		return err
	}
	if _, err := m.soap.Invoke(ctx, controlURL, action, body); err != nil {
		return fmt.Errorf("%s on %s: %w", action.Name, device.FriendlyName, err)
	}
	return nil
}

// lookupDevice fetches the device record, enriching it once from its
// description when no services are known yet.
func (m *Manager) lookupDevice(ctx context.Context, deviceID string) (domain.Device, error) {
	device, ok := m.registry.Get(deviceID)
	if !ok {
		return domain.Device{}, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	if len(device.Services) == 0 && device.Location != "" {
		if dd, err := m.fetcher.Fetch(ctx, device.Location); err == nil {
			m.registry.ApplyDescription(device.ID, dd)
			if refreshed, ok := m.registry.Get(deviceID); ok {
				device = refreshed
			}
		}
	}
	return device, nil
}

// resolveAVTransport validates the device is reachable right now and
// returns its AVTransport control URL. The description is always
// re-fetched first: a stale registry entry must not produce a SOAP call
// against a device that left the network.
func (m *Manager) resolveAVTransport(ctx context.Context, deviceID string) (domain.Device, string, error) {
	device, ok := m.registry.Get(deviceID)
	if !ok {
		return domain.Device{}, "", fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}

	dd, err := m.fetcher.Fetch(ctx, device.Location)
	if err != nil {
		return domain.Device{}, "", domain.NewUnreachableError(deviceID, err)
	}
	m.registry.ApplyDescription(device.ID, dd)
	if refreshed, ok := m.registry.Get(deviceID); ok {
		device = refreshed
	}

	if svc, ok := device.ServiceByPrefix(domain.AVTransportPrefix); ok && svc.ControlURL != "" {
		return device, svc.ControlURL, nil
	}

	// Some renderers omit AVTransport from the description but still answer
	// on the conventional control path.
	fallback := m.fallbackControlURL(device, avTransportFallbackPath)
	if fallback == "" {
		return domain.Device{}, "", fmt.Errorf("%w: %s", domain.ErrNoAVTransport, deviceID)
	}
	m.logger.Debug().Str("device_id", deviceID).Str("control_url", fallback).
		Msg("no AVTransport in description, using conventional control path")
	return device, fallback, nil
}

// renderingControlURL resolves the RenderingControl control URL, falling
// back to the conventional path when the description does not carry one.
func (m *Manager) renderingControlURL(device domain.Device) string {
	if svc, ok := device.ServiceByPrefix(domain.RenderingControlPrefix); ok && svc.ControlURL != "" {
		return svc.ControlURL
	}
	return m.fallbackControlURL(device, renderingControlFallbackPath)
}

// fallbackControlURL builds http://host:port<path> from the description
// location, or from address+port when the location does not parse.
func (m *Manager) fallbackControlURL(device domain.Device, path string) string {
	if loc, err := url.Parse(device.Location); err == nil && loc.Host != "" {
		return (&url.URL{Scheme: loc.Scheme, Host: loc.Host, Path: path}).String()
	}
	if device.Address == "" || device.Port == 0 {
		return ""
	}
	host := net.JoinHostPort(device.Address, fmt.Sprintf("%d", device.Port))
	return (&url.URL{Scheme: "http", Host: host, Path: path}).String()
}

// withRetry runs call up to attempts times with a linearly growing
// backoff (attempt x unit). Validation errors and UPnP faults are never
// retried: the device answered, it just said no.
func (m *Manager) withRetry(ctx context.Context, attempts int, unit time.Duration, operation string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= attempts || !isRetryable(err) {
			break
		}
		backoff := time.Duration(attempt) * unit
		m.logger.Debug().Str("operation", operation).Int("attempt", attempt).
			Dur("backoff", backoff).Err(err).Msg("retrying")
		if waitErr := m.sleep(ctx, backoff); waitErr != nil {
			return waitErr
		}
	}
	return lastErr
}

// isRetryable reports whether another attempt could plausibly succeed.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if domain.IsValidationError(err) || domain.IsUPnPFault(err) {
		return false
	}
	return true
}

// resolveMediaURL picks MediaURL, falling back to FallbackURL, and
// validates the scheme.
func resolveMediaURL(req domain.CastRequest) (string, error) {
	mediaURL := strings.TrimSpace(req.MediaURL)
	if mediaURL == "" {
		mediaURL = strings.TrimSpace(req.FallbackURL)
	}
	if mediaURL == "" {
		return "", domain.NewValidationError("media_url", "", "no media URL provided")
	}
	parsed, err := url.Parse(mediaURL)
	if err != nil || parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", domain.NewValidationError("media_url", mediaURL, "must be an http or https URL")
	}
	return mediaURL, nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close waits for a running background refresh and persists a final
// snapshot, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.refreshMu.Lock()
		done := m.refreshDone
		running := m.refreshRunning
		m.refreshMu.Unlock()
		if running && done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				closeErr = ctx.Err()
				return
			}
		}

		m.registry.Quiesce(ctx)
		if err := m.cache.Save(m.registry.Snapshot()); err != nil {
			closeErr = err
		}
	})
	return closeErr
}
