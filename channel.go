package peerhub

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// keepAlivePeriod is the TCP keep-alive interval of actively monitored channels.
const keepAlivePeriod = 15 * time.Second

// Channel is one live TCP connection carrying length-prefixed messages.
// It owns the socket, a FrameCodec and a reception goroutine that surfaces messages
// through the configured handlers. Send is safe for concurrent use.
type Channel struct {
	identity Identity
	rawConn  *net.TCPConn
	codec    *FrameCodec
	logger   Logger
	metrics  *Metrics

	opts options

	writeMu sync.Mutex
	sendErr atomic.Pointer[SendError]

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel wraps an established TCP connection and starts its reception loop.
// The options are validated first; on error the connection is left untouched.
func NewChannel(conn *net.TCPConn, opt ...Option) (*Channel, error) {
	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}

	c := newChannel(conn, opts)
	c.start()
	return c, nil
}

// Dial connects to a hub at addr ("host:port") and returns a running channel.
func Dial(ctx context.Context, addr string, opt ...Option) (*Channel, error) {
	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	c := newChannel(conn.(*net.TCPConn), opts)
	c.start()
	return c, nil
}

// newChannel builds a channel without starting it, so a hub can register it first.
func newChannel(conn *net.TCPConn, opts options) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		identity: IdentityOf(conn.RemoteAddr()),
		rawConn:  conn,
		codec:    NewFrameCodec(opts.maxMessageSize),
		logger:   opts.logger,
		metrics:  opts.metrics,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (c *Channel) start() {
	if c.opts.activeMonitoring {
		_ = c.rawConn.SetKeepAlive(true)
		_ = c.rawConn.SetKeepAlivePeriod(keepAlivePeriod)
	}

	c.logger.Info("channel established", "identity", c.identity)
	c.logger.Debug("channel options", "identity", c.identity,
		"binary", c.opts.encoding == nil,
		"reception_buffer_size", c.opts.receptionBufferSize,
		"max_message_size", c.opts.maxMessageSize,
		"active_monitoring", c.opts.activeMonitoring)

	go c.receptionLoop()
}

// Identity returns the remote identity of the channel.
func (c *Channel) Identity() Identity {
	return c.identity
}

// Addr returns the remote address of the connection.
func (c *Channel) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Channel) LocalAddr() net.Addr {
	return c.rawConn.LocalAddr()
}

// Done returns a channel that is closed once the reception loop has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// IsClosed returns true once the channel has been disposed or has disconnected.
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// Send writes one binary message. It fails with ErrEncodingMismatch on a text channel
// and with ErrEmptyMessage for an empty payload.
func (c *Channel) Send(data []byte) error {
	if c.opts.encoding != nil {
		return errors.Wrap(ErrEncodingMismatch, "binary message on a text channel")
	}
	return c.send(data)
}

// SendText encodes text with the channel encoding and writes it as one message.
func (c *Channel) SendText(text string) error {
	if c.opts.encoding == nil {
		return errors.Wrap(ErrEncodingMismatch, "text message on a binary channel")
	}
	if text == "" {
		return ErrEmptyMessage
	}
	data, err := encodeText(c.opts.encoding, text)
	if err != nil {
		return err
	}
	return c.send(data)
}

// send frames payload and writes header and payload with a single Write.
// A transport error marks the channel failed; the reception loop then ends it
// with a Disconnected notification.
func (c *Channel) send(payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	if c.closed.Load() {
		return &SendError{Identity: c.identity, Err: ErrChannelClosed}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.writeTimeout > 0 {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}

	if _, err = c.rawConn.Write(frame); err != nil {
		sendErr := &SendError{Identity: c.identity, Err: err}
		c.sendErr.CompareAndSwap(nil, sendErr)
		// Wake the reception loop so it observes the failure now.
		_ = c.rawConn.SetReadDeadline(time.Now())
		c.metrics.sendFailed()
		c.logger.Warn("send failed", "identity", c.identity, "error", err)
		return sendErr
	}

	c.metrics.sent(len(frame))
	return nil
}

// Dispose stops the reception loop and closes the socket. It never raises Disconnected
// and is safe to call repeatedly, concurrently, and from within a handler.
func (c *Channel) Dispose() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.cancel()
	return c.rawConn.Close()
}

// receptionLoop runs receive and converts its outcome into at most one notification.
func (c *Channel) receptionLoop() {
	defer close(c.done)

	err := c.receive()
	c.codec.release()

	if err == nil {
		c.logger.Info("channel closed", "identity", c.identity)
		return
	}

	c.closeConn()

	var cause error
	reason := reasonEOF
	switch {
	case errors.Is(err, io.EOF):
	case errors.Is(err, ErrProtocolViolation):
		cause, reason = err, reasonViolation
	case errors.Is(err, ErrPeerClosed):
		cause, reason = err, reasonPeer
	case errors.Is(err, ErrSendFailed):
		cause, reason = err, reasonSend
	default:
		cause, reason = err, reasonError
	}
	c.metrics.disconnected(reason)

	if cause != nil {
		c.logger.Info("channel disconnected with error", "identity", c.identity, "error", cause)
	} else {
		c.logger.Info("channel disconnected", "identity", c.identity)
	}

	if cb := c.opts.onDisconnected; cb != nil {
		cb(Disconnected{Identity: c.identity, Err: cause})
	}
}

// receive reads until the peer goes away, the codec breaks, a send fails or the
// channel is disposed. Disposal returns nil.
func (c *Channel) receive() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("reception loop panic: %v", r)
		}
	}()

	buf := make([]byte, c.opts.receptionBufferSize)
	for {
		if c.ctx.Err() != nil {
			return nil
		}
		if sendErr := c.sendErr.Load(); sendErr != nil {
			return sendErr
		}

		_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleInterval))
		n, readErr := c.rawConn.Read(buf)
		if n > 0 {
			if err := c.deliver(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == nil {
			continue
		}

		if c.ctx.Err() != nil {
			return nil
		}
		if sendErr := c.sendErr.Load(); sendErr != nil {
			return sendErr
		}

		var netErr net.Error
		if errors.As(readErr, &netErr) && netErr.Timeout() {
			if c.opts.activeMonitoring {
				closed, probeErr := peerClosed(c.rawConn)
				if probeErr != nil {
					c.logger.Debug("liveness probe failed", "identity", c.identity, "error", probeErr)
				} else if closed {
					return ErrPeerClosed
				}
			}
			continue
		}

		return readErr
	}
}

// deliver feeds raw bytes through the codec and dispatches every completed message.
// Messages completed before a protocol violation are still delivered.
func (c *Channel) deliver(data []byte) error {
	messages, feedErr := c.codec.Feed(data)
	c.metrics.received(len(data), len(messages))

	for _, payload := range messages {
		if err := c.dispatch(payload); err != nil {
			return err
		}
	}

	if feedErr != nil {
		c.logger.Warn("protocol violation", "identity", c.identity, "error", feedErr)
	}
	return feedErr
}

func (c *Channel) dispatch(payload []byte) error {
	if c.opts.encoding == nil {
		if cb := c.opts.onBinary; cb != nil {
			cb(BinaryMessage{Identity: c.identity, Data: payload})
		}
		return nil
	}

	text, err := decodeText(c.opts.encoding, payload)
	if err != nil {
		return err
	}
	if cb := c.opts.onText; cb != nil {
		cb(TextMessage{Identity: c.identity, Text: text})
	}
	return nil
}

// closeConn marks the channel closed and closes the underlying TCP connection.
func (c *Channel) closeConn() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	_ = c.rawConn.Close()
}
