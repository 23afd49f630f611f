// Package ssdp performs SSDP M-SEARCH discovery sweeps over UDP multicast.
package ssdp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/castbridge/castbridge/internal/buildinfo"
	"github.com/castbridge/castbridge/internal/domain"
)

const (
	multicastAddr = "239.255.255.250:1900"

	// graceAfterFirstResponse is how much longer the sweep keeps listening
	// after the first device answered, once the minimum wait has elapsed.
	graceAfterFirstResponse = 1 * time.Second
	minWaitCap              = 3 * time.Second

	readChunk    = 4096
	readDeadline = 200 * time.Millisecond
)

// searchTargets is the fixed list of ST values queried in one sweep.
var searchTargets = []string{
	"upnp:rootdevice",
	"urn:schemas-upnp-org:device:MediaRenderer:1",
	"urn:schemas-upnp-org:device:MediaRenderer:2",
	"urn:schemas-upnp-org:device:MediaServer:1",
	"urn:schemas-upnp-org:service:AVTransport:1",
	"urn:schemas-upnp-org:service:AVTransport:2",
	"urn:schemas-upnp-org:service:RenderingControl:1",
	"urn:schemas-upnp-org:service:ConnectionManager:1",
	"urn:dial-multiscreen-org:service:dial:1",
	"ssdp:all",
}

// ResponseFunc receives one raw SSDP datagram and its sender.
type ResponseFunc func(msg []byte, from *net.UDPAddr)

// Messenger sends M-SEARCH queries and collects the responses of one
// discovery sweep. The zero value is not usable; call NewMessenger.
type Messenger struct {
	dest   string
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Messenger.
type Option func(*Messenger)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Messenger) { m.logger = logger }
}

// WithDestination overrides the multicast destination. Tests point this at
// a loopback responder.
func WithDestination(addr string) Option {
	return func(m *Messenger) { m.dest = addr }
}

func NewMessenger(opts ...Option) *Messenger {
	m := &Messenger{
		dest:   multicastAddr,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sweep binds an ephemeral UDP socket, fires one M-SEARCH per search target
// concurrently, and hands every datagram received before the deadline to fn.
// The sweep ends at timeout, or earlier once at least one response arrived
// and both the minimum wait floor (min(3s, timeout/2)) and a 1s grace after
// the first response have passed. The socket is closed on every path.
func (m *Messenger) Sweep(ctx context.Context, timeout time.Duration, fn ResponseFunc) error {
	if timeout <= 0 {
		return domain.NewValidationError("timeout", timeout, "must be positive")
	}

	dest, err := net.ResolveUDPAddr("udp4", m.dest)
	if err != nil {
		return domain.NewDiscoveryError("resolve multicast address", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return domain.NewDiscoveryError("bind udp socket", err)
	}
	defer conn.Close()
	_ = conn.SetReadBuffer(64 * 1024)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	m.sendSearches(ctx, conn, dest)

	start := m.now()
	deadline := start.Add(timeout)
	minWait := timeout / 2
	if minWait > minWaitCap {
		minWait = minWaitCap
	}

	var firstSeen time.Time
	buf := make([]byte, readChunk)
	for {
		now := m.now()
		if !now.Before(deadline) {
			return nil
		}
		if !firstSeen.IsZero() && now.Sub(start) >= minWait && now.Sub(firstSeen) >= graceAfterFirstResponse {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = conn.SetReadDeadline(now.Add(readDeadline))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.NewDiscoveryError("read udp", err)
		}

		if firstSeen.IsZero() {
			firstSeen = m.now()
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		fn(msg, from)
	}
}

// sendSearches fires one datagram per search target. Individual send
// failures are logged and skipped; the sweep proceeds with what went out.
func (m *Messenger) sendSearches(ctx context.Context, conn *net.UDPConn, dest *net.UDPAddr) {
	g, _ := errgroup.WithContext(ctx)
	for _, target := range searchTargets {
		target := target
		g.Go(func() error {
			if _, err := conn.WriteToUDP(buildSearchRequest(m.dest, target), dest); err != nil {
				m.logger.Warn().Err(err).Str("st", target).Msg("failed to send M-SEARCH")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func buildSearchRequest(host, target string) []byte {
	var b strings.Builder
	b.WriteString("M-SEARCH * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "HOST: %s\r\n", host)
	b.WriteString("MAN: \"ssdp:discover\"\r\n")
	b.WriteString("MX: 3\r\n")
	fmt.Fprintf(&b, "ST: %s\r\n", target)
	fmt.Fprintf(&b, "USER-AGENT: castbridge/%s UPnP/1.0\r\n", buildinfo.Version)
	b.WriteString("\r\n")
	return []byte(b.String())
}
