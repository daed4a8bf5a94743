package peerhub

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	// discoveryPollInterval bounds how long the responder blocks before checking for shutdown.
	discoveryPollInterval = 250 * time.Millisecond
	// defaultDiscoverTimeout applies when Discover is given a non-positive timeout.
	defaultDiscoverTimeout = 10 * time.Second
	// datagramBufferSize is larger than any valid discovery datagram, so oversized
	// input is seen as oversized rather than silently truncated to a valid length.
	datagramBufferSize = 64
)

// NoResponder is returned by Discover when no hub answered.
var NoResponder netip.AddrPort

// discoveryResponder answers discovery probes on a UDP socket with the hub's TCP port.
type discoveryResponder struct {
	conn    *net.UDPConn
	tcpPort int
	enabled atomic.Bool
	closed  atomic.Bool

	logger    Logger
	metrics   *Metrics
	onRequest func(DiscoveryRequest)
}

func listenDiscovery(port, tcpPort int, logger Logger, metrics *Metrics, onRequest func(DiscoveryRequest)) (*discoveryResponder, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "listen for discovery on udp port %d", port)
	}

	d := &discoveryResponder{
		conn:      conn,
		tcpPort:   tcpPort,
		logger:    logger,
		metrics:   metrics,
		onRequest: onRequest,
	}
	d.enabled.Store(true)
	return d, nil
}

// run answers probes until ctx is done or the responder is closed, which return nil.
// Malformed datagrams are ignored. A socket error stops the loop and is returned as a
// *LoopError of kind ErrDiscoveryFailure.
func (d *discoveryResponder) run(ctx context.Context) error {
	d.logger.Info("discovery started", "addr", d.conn.LocalAddr(), "tcp_port", d.tcpPort)

	buf := make([]byte, datagramBufferSize)
	for {
		if ctx.Err() != nil || d.closed.Load() {
			d.logger.Info("discovery stopped", "addr", d.conn.LocalAddr())
			return nil
		}

		_ = d.conn.SetReadDeadline(time.Now().Add(discoveryPollInterval))
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || d.closed.Load() {
				continue
			}
			return &LoopError{Kind: ErrDiscoveryFailure, Err: err}
		}

		d.handle(buf[:n], from)
	}
}

func (d *discoveryResponder) handle(datagram []byte, from *net.UDPAddr) {
	if !isDiscoveryProbe(datagram) {
		d.metrics.discoveryIgnored()
		d.logger.Debug("ignoring malformed discovery datagram", "from", from, "size", len(datagram))
		return
	}

	replied := false
	if d.enabled.Load() {
		if _, err := d.conn.WriteToUDP(DiscoveryReplyFrame(d.tcpPort), from); err != nil {
			d.logger.Warn("discovery reply failed", "to", from, "error", err)
		} else {
			replied = true
		}
	}

	d.metrics.discoveryRequest()
	d.logger.Debug("discovery request", "from", from, "replied", replied)
	if d.onRequest != nil {
		d.onRequest(DiscoveryRequest{From: from, Replied: replied})
	}
}

func (d *discoveryResponder) setEnabled(enabled bool) {
	d.enabled.Store(enabled)
}

func (d *discoveryResponder) addr() net.Addr {
	return d.conn.LocalAddr()
}

func (d *discoveryResponder) close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.conn.Close()
}

// Discover broadcasts a discovery probe on broadcastPort and waits up to timeout for a
// single reply. It returns the responder's address with the announced TCP port, or
// NoResponder on timeout, malformed reply or any error. It never blocks past timeout.
func Discover(ctx context.Context, broadcastPort int, timeout time.Duration) netip.AddrPort {
	return DiscoverAddr(ctx, &net.UDPAddr{IP: net.IPv4bcast, Port: broadcastPort}, timeout)
}

// DiscoverAddr is Discover with an explicit probe destination, for unicast discovery
// or directed broadcast addresses.
func DiscoverAddr(ctx context.Context, target *net.UDPAddr, timeout time.Duration) netip.AddrPort {
	if timeout <= 0 {
		timeout = defaultDiscoverTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	network := "udp4"
	if target.IP != nil && target.IP.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return NoResponder
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteToUDP(DiscoveryProbeFrame(), target); err != nil {
		return NoResponder
	}

	buf := make([]byte, datagramBufferSize)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		return NoResponder
	}

	port, err := parseDiscoveryReply(buf[:n])
	if err != nil {
		return NoResponder
	}
	return netip.AddrPortFrom(from.AddrPort().Addr().Unmap(), uint16(port))
}
