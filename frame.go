package peerhub

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// HeaderSize is the length of the big-endian length prefix of every frame.
const HeaderSize = 4

// EncodeFrame wraps payload with its length header.
// Data frames must carry at least one byte.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyMessage
	}
	if uint64(len(payload)) > math.MaxInt32 {
		return nil, errors.Wrapf(ErrMessageTooLarge, "payload of %d bytes", len(payload))
	}
	return appendFrame(make([]byte, 0, HeaderSize+len(payload)), payload), nil
}

// DiscoveryProbeFrame returns a zero-length frame: a header declaring 0 and no payload.
func DiscoveryProbeFrame() []byte {
	return make([]byte, HeaderSize)
}

// DiscoveryReplyFrame returns a frame whose 4-byte payload is the hub's TCP port.
func DiscoveryReplyFrame(port int) []byte {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(port))
	return appendFrame(make([]byte, 0, HeaderSize+len(payload)), payload[:])
}

func appendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// isDiscoveryProbe reports whether a datagram is exactly one zero-length frame.
func isDiscoveryProbe(datagram []byte) bool {
	return len(datagram) == HeaderSize && binary.BigEndian.Uint32(datagram) == 0
}

// parseDiscoveryReply extracts the TCP port announced in a discovery reply datagram.
func parseDiscoveryReply(datagram []byte) (int, error) {
	if len(datagram) != HeaderSize+4 {
		return 0, errors.Wrapf(ErrProtocolViolation, "discovery reply of %d bytes", len(datagram))
	}
	if n := binary.BigEndian.Uint32(datagram); n != 4 {
		return 0, errors.Wrapf(ErrProtocolViolation, "discovery reply declares %d bytes", n)
	}
	port := binary.BigEndian.Uint32(datagram[HeaderSize:])
	if port == 0 || port > math.MaxUint16 {
		return 0, errors.Wrapf(ErrProtocolViolation, "discovery reply announces port %d", port)
	}
	return int(port), nil
}

// maxInitialPayload caps the buffer reserved when a header arrives. Larger payloads
// grow as their bytes are received.
const maxInitialPayload = 64 << 10

// FrameCodec reassembles length-prefixed messages from an arbitrarily chunked stream.
//
// The codec is either awaiting a header or awaiting a payload of known size. A completed
// header immediately starts a payload (or is dropped when it declares zero bytes),
// and a completed payload is immediately emitted.
//
// Once Feed returns an error wrapping ErrProtocolViolation the codec is permanently broken
// and every later call returns the same error. A FrameCodec is not safe for concurrent use.
type FrameCodec struct {
	maxMessageSize int

	header  [HeaderSize]byte
	filled  int    // header bytes collected
	want    int    // declared payload size, 0 while awaiting a header
	payload []byte // payload bytes collected

	err error
}

// NewFrameCodec returns a codec rejecting payloads above maxMessageSize bytes.
// Zero means unlimited.
func NewFrameCodec(maxMessageSize int) *FrameCodec {
	return &FrameCodec{maxMessageSize: maxMessageSize}
}

// Feed consumes newly received stream bytes and returns the messages they complete, in order.
// Zero-length frames are consumed without producing a message.
func (c *FrameCodec) Feed(data []byte) ([][]byte, error) {
	if c.err != nil {
		return nil, c.err
	}

	var messages [][]byte
	for len(data) > 0 {
		if c.want == 0 {
			n := copy(c.header[c.filled:], data)
			data = data[n:]
			c.filled += n
			if c.filled < HeaderSize {
				break
			}
			c.filled = 0

			if err := c.beginPayload(binary.BigEndian.Uint32(c.header[:])); err != nil {
				c.err = err
				return messages, err
			}
			continue
		}

		n := min(c.want-len(c.payload), len(data))
		c.payload = append(c.payload, data[:n]...)
		data = data[n:]
		if len(c.payload) == c.want {
			messages = append(messages, c.payload)
			c.payload = nil
			c.want = 0
		}
	}

	return messages, nil
}

func (c *FrameCodec) beginPayload(size uint32) error {
	switch {
	case size > math.MaxInt32:
		return errors.Wrapf(ErrDesync, "header declares %d bytes", size)
	case c.maxMessageSize > 0 && int64(size) > int64(c.maxMessageSize):
		return errors.Wrapf(ErrMessageTooLarge, "header declares %d bytes, limit is %d", size, c.maxMessageSize)
	case size == 0:
		return nil
	}
	c.want = int(size)
	c.payload = make([]byte, 0, min(c.want, maxInitialPayload))
	return nil
}

// Err returns the violation that broke the codec, if any.
func (c *FrameCodec) Err() error {
	return c.err
}

// release drops any partially assembled message.
func (c *FrameCodec) release() {
	c.payload = nil
	c.want = 0
	c.filled = 0
}
