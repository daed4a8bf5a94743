package peerhub

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Hub accepts inbound channels, keeps at most one per remote identity, routes sends by
// identity and answers discovery probes.
//
// Message handlers configured through HubChannelOptions are invoked directly by every
// accepted channel, on that channel's reception goroutine.
type Hub struct {
	listener  *net.TCPListener
	discovery *discoveryResponder // nil when discovery is disabled
	registry  *registry
	logger    Logger
	metrics   *Metrics

	opts        hubOptions
	channelOpts options

	enabled atomic.Bool
	serving atomic.Bool
	closed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// hubOptions holds the configuration for a hub.
type hubOptions struct {
	channelOpts   []Option
	discoveryPort int
	maxChannels   int // 0 means unlimited

	logger  Logger
	metrics *Metrics

	onConnected    func(ChannelConnected)
	onRefused      func(ConnectionRefused)
	onDisconnected func(Disconnected)
	onDiscovery    func(DiscoveryRequest)
	onFailure      func(error)
}

// HubOption configures a Hub.
type HubOption func(*hubOptions)

// HubChannelOptions sets the options every accepted channel is created with.
// Use OnChannelDisconnectedOption instead of OnDisconnectedOption.
func HubChannelOptions(opts ...Option) HubOption {
	return func(o *hubOptions) {
		o.channelOpts = append(o.channelOpts, opts...)
	}
}

// DiscoveryPortOption sets the UDP port discovery probes are answered on.
// Zero disables discovery. Default is DefaultDiscoveryPort.
func DiscoveryPortOption(port int) HubOption {
	return func(o *hubOptions) {
		o.discoveryPort = port
	}
}

// MaxChannelsOption caps the number of registered channels. Zero means unlimited.
func MaxChannelsOption(n int) HubOption {
	return func(o *hubOptions) {
		o.maxChannels = n
	}
}

// OnChannelConnectedOption sets the handler invoked after a channel is registered,
// before its first message is delivered. It runs on the accept goroutine, so no new
// connection is accepted until it returns.
func OnChannelConnectedOption(cb func(ChannelConnected)) HubOption {
	return func(o *hubOptions) {
		o.onConnected = cb
	}
}

// OnConnectionRefusedOption sets the handler invoked when a connection is closed
// because the hub already holds the maximum number of channels.
func OnConnectionRefusedOption(cb func(ConnectionRefused)) HubOption {
	return func(o *hubOptions) {
		o.onRefused = cb
	}
}

// OnChannelDisconnectedOption sets the handler invoked when a registered channel ends
// on its own. Channels removed with Disconnect or Close do not raise it.
func OnChannelDisconnectedOption(cb func(Disconnected)) HubOption {
	return func(o *hubOptions) {
		o.onDisconnected = cb
	}
}

// OnDiscoveryRequestOption sets the handler invoked for every valid discovery probe.
func OnDiscoveryRequestOption(cb func(DiscoveryRequest)) HubOption {
	return func(o *hubOptions) {
		o.onDiscovery = cb
	}
}

// OnFailureOption sets the handler invoked when the accept loop or the discovery loop
// stops permanently. The error is a *LoopError matching ErrListenerFailure or
// ErrDiscoveryFailure.
func OnFailureOption(cb func(error)) HubOption {
	return func(o *hubOptions) {
		o.onFailure = cb
	}
}

// HubLoggerOption sets the logger of the hub and, unless overridden, of its channels.
func HubLoggerOption(logger Logger) HubOption {
	return func(o *hubOptions) {
		o.logger = logger
	}
}

// HubMetricsOption records hub and channel activity in m.
func HubMetricsOption(m *Metrics) HubOption {
	return func(o *hubOptions) {
		o.metrics = m
	}
}

// checkHubOptions validates hub options and resolves the channel options they carry.
func checkHubOptions(opts *hubOptions) (options, error) {
	if opts.discoveryPort < 0 || opts.discoveryPort > 65535 {
		return options{}, invalidOption("discovery port must be within [0, 65535], got %d", opts.discoveryPort)
	}

	if opts.maxChannels < 0 {
		return options{}, invalidOption("max channels must not be negative, got %d", opts.maxChannels)
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	base := []Option{LoggerOption(opts.logger), MetricsOption(opts.metrics)}
	channelOpts, err := newOptions(append(base, opts.channelOpts...)...)
	if err != nil {
		return options{}, err
	}
	if channelOpts.onDisconnected != nil {
		return options{}, invalidOption("use OnChannelDisconnectedOption for hub channels")
	}

	return channelOpts, nil
}

// NewHub validates the options and binds the TCP listener and, unless disabled,
// the discovery UDP socket. Call Serve to start accepting.
func NewHub(addr *net.TCPAddr, opt ...HubOption) (*Hub, error) {
	opts := hubOptions{discoveryPort: DefaultDiscoveryPort}
	for _, o := range opt {
		o(&opts)
	}

	channelOpts, err := checkHubOptions(&opts)
	if err != nil {
		return nil, err
	}

	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	h := &Hub{
		listener:    listener,
		registry:    newRegistry(),
		logger:      opts.logger,
		metrics:     opts.metrics,
		opts:        opts,
		channelOpts: channelOpts,
	}

	if opts.discoveryPort > 0 {
		tcpPort := listener.Addr().(*net.TCPAddr).Port
		h.discovery, err = listenDiscovery(opts.discoveryPort, tcpPort, opts.logger, opts.metrics, opts.onDiscovery)
		if err != nil {
			_ = listener.Close()
			return nil, err
		}
	}

	h.enabled.Store(true)
	return h, nil
}

// Serve runs the accept loop and the discovery loop until ctx is canceled or Close is
// called, then disposes every channel. It returns ctx.Err() after cancellation and nil
// after Close.
//
// A fatal error in either loop stops only that loop; it is reported through
// OnFailureOption while the other loop and existing channels keep running.
// Shutdown may lag by up to one accept or discovery poll interval.
func (h *Hub) Serve(ctx context.Context) error {
	if h.closed.Load() {
		return errors.Wrap(net.ErrClosed, "serve")
	}
	if h.serving.Swap(true) {
		return errors.New("hub is already serving")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer cancel()
	if h.closed.Load() {
		// Close ran before cancel was published.
		cancel()
	}

	h.logger.Info("hub started", "addr", h.listener.Addr(), "discovery_port", h.opts.discoveryPort)

	var group errgroup.Group
	group.Go(func() error {
		h.acceptLoop(runCtx)
		return nil
	})
	if h.discovery != nil {
		group.Go(func() error {
			if err := h.discovery.run(runCtx); err != nil {
				h.logger.Error("discovery loop stopped", "error", err)
				h.fail(err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-runCtx.Done()
		// Unblock Accept.
		_ = h.listener.SetDeadline(time.Now())
		return nil
	})

	_ = group.Wait()
	h.shutdown()

	h.logger.Info("hub stopped", "addr", h.listener.Addr())
	return ctx.Err()
}

func (h *Hub) acceptLoop(ctx context.Context) {
	for {
		conn, err := h.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || h.closed.Load() {
				return
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			h.logger.Error("accept loop stopped", "error", err)
			h.fail(&LoopError{Kind: ErrListenerFailure, Err: err})
			return
		}

		h.handleConn(conn)
	}
}

func (h *Hub) handleConn(conn *net.TCPConn) {
	_ = conn.SetNoDelay(true)
	id := IdentityOf(conn.RemoteAddr())

	if !h.enabled.Load() {
		h.logger.Debug("connection dropped, hub disabled", "identity", id)
		h.metrics.connectionRefused()
		_ = conn.Close()
		return
	}

	if limit := h.opts.maxChannels; limit > 0 && h.registry.len() >= limit {
		h.logger.Info("connection refused, hub full", "identity", id, "max_channels", limit)
		h.metrics.connectionRefused()
		_ = conn.Close()
		if cb := h.opts.onRefused; cb != nil {
			cb(ConnectionRefused{Identity: id})
		}
		return
	}

	opts := h.channelOpts
	var ch *Channel
	opts.onDisconnected = func(e Disconnected) {
		h.channelDisconnected(ch, e)
	}
	ch = newChannel(conn, opts)

	if old := h.registry.put(ch); old != nil {
		h.logger.Info("replacing stale channel", "identity", id)
		h.metrics.channelReplaced()
		_ = old.Dispose()
	}
	if h.closed.Load() {
		// Close drained the registry while this connection was being registered.
		h.registry.removeChannel(ch)
		_ = ch.Dispose()
		return
	}
	h.metrics.connectionAccepted()
	h.metrics.setChannels(h.registry.len())

	if cb := h.opts.onConnected; cb != nil {
		cb(ChannelConnected{Identity: id})
	}
	ch.start()
}

func (h *Hub) channelDisconnected(ch *Channel, e Disconnected) {
	if h.registry.removeChannel(ch) {
		h.metrics.setChannels(h.registry.len())
	}
	if cb := h.opts.onDisconnected; cb != nil {
		cb(e)
	}
}

func (h *Hub) fail(err error) {
	if cb := h.opts.onFailure; cb != nil {
		cb(err)
	}
}

// Send writes a binary message to the channel registered under id.
// It fails with an *OfflineError when no such channel exists.
func (h *Hub) Send(id Identity, data []byte) error {
	ch, ok := h.registry.get(id)
	if !ok {
		return &OfflineError{Identity: id}
	}
	return ch.Send(data)
}

// SendText writes a text message to the channel registered under id.
func (h *Hub) SendText(id Identity, text string) error {
	ch, ok := h.registry.get(id)
	if !ok {
		return &OfflineError{Identity: id}
	}
	return ch.SendText(text)
}

// Disconnect removes and disposes the channel registered under id.
func (h *Hub) Disconnect(id Identity) error {
	ch, ok := h.registry.remove(id)
	if !ok {
		return &OfflineError{Identity: id}
	}
	h.metrics.setChannels(h.registry.len())
	h.logger.Info("disconnecting channel", "identity", id)
	return ch.Dispose()
}

// IsOnline reports whether a channel is registered under id.
func (h *Hub) IsOnline(id Identity) bool {
	_, ok := h.registry.get(id)
	return ok
}

// Channels returns the identities of all registered channels, in no particular order.
func (h *Hub) Channels() []Identity {
	return h.registry.identities()
}

// SetEnabled switches acceptance of new connections. While disabled, accepted sockets
// are closed immediately. Enabling or disabling also enables or disables discovery.
func (h *Hub) SetEnabled(enabled bool) {
	h.enabled.Store(enabled)
	h.SetDiscoveryEnabled(enabled)
}

// Enabled reports whether new connections are accepted.
func (h *Hub) Enabled() bool {
	return h.enabled.Load()
}

// SetDiscoveryEnabled switches discovery replies. Probes are still reported through
// OnDiscoveryRequestOption while replies are disabled. It has no effect on a hub
// created with discovery disabled.
func (h *Hub) SetDiscoveryEnabled(enabled bool) {
	if h.discovery != nil {
		h.discovery.setEnabled(enabled)
	}
}

// DiscoveryEnabled reports whether discovery probes are answered.
func (h *Hub) DiscoveryEnabled() bool {
	return h.discovery != nil && h.discovery.enabled.Load()
}

// Addr returns the listener's network address.
func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

// DiscoveryAddr returns the discovery socket address, or nil when discovery is disabled.
func (h *Hub) DiscoveryAddr() net.Addr {
	if h.discovery == nil {
		return nil
	}
	return h.discovery.addr()
}

// Close stops the hub in order: no more connections, no more discovery replies,
// then every channel is disposed. It is safe to call more than once.
func (h *Hub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.enabled.Store(false)

	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	return h.shutdown()
}

// shutdown releases sockets and channels. Safe to run from both Close and Serve.
func (h *Hub) shutdown() error {
	h.closed.Store(true)
	err := h.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if h.discovery != nil {
		if derr := h.discovery.close(); derr != nil && err == nil {
			err = derr
		}
	}

	for _, ch := range h.registry.drain() {
		_ = ch.Dispose()
	}
	h.metrics.setChannels(0)
	return err
}
