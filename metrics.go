package peerhub

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by a hub and its channels.
// A nil *Metrics records nothing.
type Metrics struct {
	channels           prometheus.Gauge
	accepted           prometheus.Counter
	refused            prometheus.Counter
	replaced           prometheus.Counter
	disconnects        *prometheus.CounterVec
	messagesReceived   prometheus.Counter
	bytesReceived      prometheus.Counter
	messagesSent       prometheus.Counter
	bytesSent          prometheus.Counter
	sendFailures       prometheus.Counter
	discoveryRequests  prometheus.Counter
	discoveryMalformed prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg returns nil metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peerhub",
			Subsystem: "hub",
			Name:      "channels",
			Help:      "Channels currently registered in the hub.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "hub",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted and registered as channels.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "hub",
			Name:      "connections_refused_total",
			Help:      "Connections closed because the hub was full or disabled.",
		}),
		replaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "hub",
			Name:      "channels_replaced_total",
			Help:      "Registered channels disposed because their identity reconnected.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "channel",
			Name:      "disconnects_total",
			Help:      "Channel disconnections by reason.",
		}, []string{"reason"}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "channel",
			Name:      "messages_received_total",
			Help:      "Messages reassembled from the wire.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "channel",
			Name:      "bytes_received_total",
			Help:      "Raw bytes read from sockets.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Messages written to the wire.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "channel",
			Name:      "bytes_sent_total",
			Help:      "Framed bytes written to sockets.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "channel",
			Name:      "send_failures_total",
			Help:      "Sends that failed with a transport error.",
		}),
		discoveryRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "discovery",
			Name:      "requests_total",
			Help:      "Valid discovery probes received.",
		}),
		discoveryMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peerhub",
			Subsystem: "discovery",
			Name:      "malformed_total",
			Help:      "Datagrams ignored on the discovery port.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.channels, m.accepted, m.refused, m.replaced, m.disconnects,
		m.messagesReceived, m.bytesReceived, m.messagesSent, m.bytesSent, m.sendFailures,
		m.discoveryRequests, m.discoveryMalformed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register peerhub metrics")
		}
	}

	return m, nil
}

// Disconnect reasons.
const (
	reasonEOF       = "eof"
	reasonViolation = "protocol_violation"
	reasonPeer      = "peer_closed"
	reasonSend      = "send_failed"
	reasonError     = "error"
)

func (m *Metrics) setChannels(n int) {
	if m == nil {
		return
	}
	m.channels.Set(float64(n))
}

func (m *Metrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

func (m *Metrics) connectionRefused() {
	if m == nil {
		return
	}
	m.refused.Inc()
}

func (m *Metrics) channelReplaced() {
	if m == nil {
		return
	}
	m.replaced.Inc()
}

func (m *Metrics) disconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) received(bytes, messages int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(bytes))
	m.messagesReceived.Add(float64(messages))
}

func (m *Metrics) sent(bytes int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(bytes))
	m.messagesSent.Inc()
}

func (m *Metrics) sendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) discoveryRequest() {
	if m == nil {
		return
	}
	m.discoveryRequests.Inc()
}

func (m *Metrics) discoveryIgnored() {
	if m == nil {
		return
	}
	m.discoveryMalformed.Inc()
}
