package peerhub

import "net"

// TextMessage is a received message decoded with the channel's text encoding.
type TextMessage struct {
	Identity Identity
	Text     string
}

// BinaryMessage is a received message on a channel without text encoding.
type BinaryMessage struct {
	Identity Identity
	Data     []byte
}

// Disconnected is raised exactly once when a channel's reception loop ends on its own.
// Err is nil for an orderly end of stream.
type Disconnected struct {
	Identity Identity
	Err      error
}

// ChannelConnected is raised by a Hub after a new channel has been registered.
type ChannelConnected struct {
	Identity Identity
}

// ConnectionRefused is raised by a Hub that closed a connection because it was full.
type ConnectionRefused struct {
	Identity Identity
}

// DiscoveryRequest is raised for every structurally valid discovery probe,
// whether or not a reply was sent.
type DiscoveryRequest struct {
	From    *net.UDPAddr
	Replied bool
}
