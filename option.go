package peerhub

import (
	"time"

	"golang.org/x/text/encoding"
)

// Default configuration values.
const (
	// DefaultReceptionBufferSize is the largest number of bytes read from a socket at once.
	DefaultReceptionBufferSize = 32767
	// DefaultDiscoveryPort is the UDP port a hub answers discovery probes on.
	DefaultDiscoveryPort = 11000
	// defaultIdleInterval bounds how long a reception loop waits before checking
	// liveness and cancellation again.
	defaultIdleInterval = 100 * time.Millisecond
)

// options holds the configuration for a channel.
type options struct {
	encoding encoding.Encoding // nil selects binary messages
	logger   Logger
	metrics  *Metrics

	onText         func(TextMessage)
	onBinary       func(BinaryMessage)
	onDisconnected func(Disconnected)

	receptionBufferSize int
	maxMessageSize      int // 0 means unlimited
	activeMonitoring    bool
	idleInterval        time.Duration
	writeTimeout        time.Duration // 0 means no deadline
}

// Option is a function that configures channel options.
type Option func(*options)

func defaultOptions() options {
	return options{
		encoding:            DefaultEncoding,
		receptionBufferSize: DefaultReceptionBufferSize,
		idleInterval:        defaultIdleInterval,
	}
}

// newOptions applies opt over the defaults and validates the result.
func newOptions(opt ...Option) (options, error) {
	opts := defaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return options{}, err
	}
	return opts, nil
}

// checkOptions validates channel options and fills in the remaining defaults.
func checkOptions(opts *options) error {
	if opts.receptionBufferSize <= 0 {
		return invalidOption("reception buffer size must be positive, got %d", opts.receptionBufferSize)
	}

	if opts.encoding != nil {
		if need := maxEncodedRuneLen(opts.encoding); opts.receptionBufferSize < need {
			return invalidOption("reception buffer size %d is smaller than the %d bytes one encoded character can take",
				opts.receptionBufferSize, need)
		}
		if opts.onBinary != nil {
			return invalidOption("binary message handler set on a channel with a text encoding")
		}
	} else if opts.onText != nil {
		return invalidOption("text message handler set on a channel without a text encoding")
	}

	if opts.maxMessageSize < 0 {
		return invalidOption("max message size must not be negative, got %d", opts.maxMessageSize)
	}

	if opts.writeTimeout < 0 {
		return invalidOption("write timeout must not be negative, got %v", opts.writeTimeout)
	}

	if opts.idleInterval <= 0 {
		opts.idleInterval = defaultIdleInterval
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// EncodingOption returns an Option that sets the text encoding of messages.
// A nil encoding switches the channel to binary messages.
func EncodingOption(enc encoding.Encoding) Option {
	return func(o *options) {
		o.encoding = enc
	}
}

// ReceptionBufferSizeOption returns an Option that sets how many bytes are read from
// the socket at once. Message size is independent of it.
func ReceptionBufferSizeOption(size int) Option {
	return func(o *options) {
		o.receptionBufferSize = size
	}
}

// ActiveMonitoringOption returns an Option that enables liveness monitoring.
// A monitored channel uses TCP keep-alive and probes an idle socket for a closed peer.
func ActiveMonitoringOption(enabled bool) Option {
	return func(o *options) {
		o.activeMonitoring = enabled
	}
}

// MessageMaxSize returns an Option that sets the maximum payload size of a single message.
// Frames declaring a larger payload end the channel. Zero means unlimited.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// IdleIntervalOption returns an Option that sets how long the reception loop blocks
// waiting for data before it checks liveness and cancellation.
func IdleIntervalOption(d time.Duration) Option {
	return func(o *options) {
		o.idleInterval = d
	}
}

// WriteTimeoutOption returns an Option that bounds every Send. Zero disables the deadline.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// OnTextMessageOption returns an Option that sets the handler for decoded text messages.
// It requires a text encoding. Handlers run on the channel's reception goroutine.
func OnTextMessageOption(cb func(TextMessage)) Option {
	return func(o *options) {
		o.onText = cb
	}
}

// OnBinaryMessageOption returns an Option that sets the handler for raw messages.
// It requires EncodingOption(nil).
func OnBinaryMessageOption(cb func(BinaryMessage)) Option {
	return func(o *options) {
		o.onBinary = cb
	}
}

// OnDisconnectedOption returns an Option that sets the handler invoked once when the
// channel ends on its own. It may call Dispose.
func OnDisconnectedOption(cb func(Disconnected)) Option {
	return func(o *options) {
		o.onDisconnected = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that records channel activity in m.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
