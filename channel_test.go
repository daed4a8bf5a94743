package peerhub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// events collects channel notifications.
type events struct {
	text         chan TextMessage
	binary       chan BinaryMessage
	disconnected chan Disconnected
}

func newEvents() *events {
	return &events{
		text:         make(chan TextMessage, 1024),
		binary:       make(chan BinaryMessage, 1024),
		disconnected: make(chan Disconnected, 4),
	}
}

func (e *events) textOptions() []Option {
	return []Option{
		LoggerOption(discardLogger{}),
		OnTextMessageOption(func(m TextMessage) { e.text <- m }),
		OnDisconnectedOption(func(d Disconnected) { e.disconnected <- d }),
	}
}

func (e *events) binaryOptions() []Option {
	return []Option{
		LoggerOption(discardLogger{}),
		EncodingOption(nil),
		OnBinaryMessageOption(func(m BinaryMessage) { e.binary <- m }),
		OnDisconnectedOption(func(d Disconnected) { e.disconnected <- d }),
	}
}

func (e *events) waitDisconnected(t *testing.T) Disconnected {
	t.Helper()
	select {
	case d := <-e.disconnected:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Disconnected")
		return Disconnected{}
	}
}

func (e *events) expectNoDisconnected(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case d := <-e.disconnected:
		t.Fatalf("unexpected Disconnected: %+v", d)
	case <-time.After(wait):
	}
}

func waitDone(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reception loop to exit")
	}
}

func TestNewChannel(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ch, err := NewChannel(serverConn, LoggerOption(discardLogger{}))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer ch.Dispose()

	if ch.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}
	if ch.Identity() != IdentityOf(clientConn.LocalAddr()) {
		t.Errorf("identity = %s, want %s", ch.Identity(), clientConn.LocalAddr())
	}
	if ch.Addr() == nil || ch.LocalAddr() == nil {
		t.Error("Addr returned nil")
	}
	if ch.IsClosed() {
		t.Error("new channel reports closed")
	}
}

func TestNewChannel_InvalidOptions(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewChannel(serverConn, ReceptionBufferSizeOption(0))
	if !errors.Is(err, ErrInvalidOption) {
		t.Errorf("expected ErrInvalidOption, got %v", err)
	}

	// The connection is left usable.
	if _, err := serverConn.Write([]byte{1}); err != nil {
		t.Errorf("connection unusable after rejected options: %v", err)
	}
}

func TestChannel_TextRoundTrip(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	serverEvents := newEvents()
	server, err := NewChannel(serverConn, serverEvents.textOptions()...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer server.Dispose()

	clientEvents := newEvents()
	client, err := NewChannel(clientConn, clientEvents.textOptions()...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer client.Dispose()

	if err := client.SendText("héllo €"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	select {
	case m := <-serverEvents.text:
		if m.Text != "héllo €" {
			t.Errorf("text = %q, want %q", m.Text, "héllo €")
		}
		if m.Identity != server.Identity() {
			t.Errorf("identity = %s, want %s", m.Identity, server.Identity())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for text message")
	}

	if err := server.SendText("reply"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	select {
	case m := <-clientEvents.text:
		if m.Text != "reply" {
			t.Errorf("text = %q, want %q", m.Text, "reply")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reply")
	}
}

func TestChannel_SendWritesFrame(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ch, err := NewChannel(serverConn, newEvents().binaryOptions()...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer ch.Dispose()

	if err := ch.Send([]byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 9)
	if _, err := io.ReadFull(clientConn, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	want := []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(got, want) {
		t.Errorf("frame = %v, want %v", got, want)
	}
}

func TestChannel_ReceivesChunkedStream(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ev := newEvents()
	ch, err := NewChannel(serverConn, append(ev.binaryOptions(), ReceptionBufferSizeOption(3))...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer ch.Dispose()

	one, _ := EncodeFrame([]byte("first"))
	two, _ := EncodeFrame([]byte("second"))
	stream := append(append(one, DiscoveryProbeFrame()...), two...)

	for _, chunk := range [][]byte{stream[:2], stream[2:7], stream[7:]} {
		if _, err := clientConn.Write(chunk); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, want := range []string{"first", "second"} {
		select {
		case m := <-ev.binary:
			if string(m.Data) != want {
				t.Errorf("data = %q, want %q", m.Data, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestChannel_Dispose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ev := newEvents()
	ch, err := NewChannel(serverConn, ev.textOptions()...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}

	if err := ch.Dispose(); err != nil {
		t.Errorf("Dispose failed: %v", err)
	}
	if err := ch.Dispose(); err != nil {
		t.Errorf("second Dispose failed: %v", err)
	}

	waitDone(t, ch)
	ev.expectNoDisconnected(t, 200*time.Millisecond)

	if !ch.IsClosed() {
		t.Error("disposed channel reports open")
	}

	// The peer sees the socket closed.
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := clientConn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF on peer, got %v", err)
	}
}

func TestChannel_DisposeConcurrent(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ch, err := NewChannel(serverConn, LoggerOption(discardLogger{}))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ch.Dispose()
		}()
	}
	wg.Wait()
	waitDone(t, ch)
}

func TestChannel_PeerCloseRaisesDisconnectedOnce(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	ev := newEvents()
	ch, err := NewChannel(serverConn, ev.textOptions()...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer ch.Dispose()

	clientConn.Close()

	d := ev.waitDisconnected(t)
	if d.Err != nil {
		t.Errorf("orderly close should carry no error, got %v", d.Err)
	}
	if d.Identity != ch.Identity() {
		t.Errorf("identity = %s, want %s", d.Identity, ch.Identity())
	}

	waitDone(t, ch)
	_ = ch.Dispose()
	ev.expectNoDisconnected(t, 200*time.Millisecond)
}

func TestChannel_ActiveMonitoringDetectsPeerClose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	ev := newEvents()
	opts := append(ev.textOptions(), ActiveMonitoringOption(true), IdleIntervalOption(20*time.Millisecond))
	ch, err := NewChannel(serverConn, opts...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer ch.Dispose()

	// Let at least one idle probe run on a healthy socket first.
	time.Sleep(100 * time.Millisecond)
	select {
	case d := <-ev.disconnected:
		t.Fatalf("healthy channel disconnected: %+v", d)
	default:
	}

	clientConn.Close()

	d := ev.waitDisconnected(t)
	if d.Err != nil && !errors.Is(d.Err, ErrPeerClosed) {
		t.Errorf("unexpected disconnect cause: %v", d.Err)
	}
}

func TestChannel_OversizedFrameEndsChannel(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ev := newEvents()
	ch, err := NewChannel(serverConn, append(ev.binaryOptions(), MessageMaxSize(4))...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer ch.Dispose()

	ok, _ := EncodeFrame([]byte("tiny"))
	big, _ := EncodeFrame([]byte("too big"))
	if _, err := clientConn.Write(append(ok, big...)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case m := <-ev.binary:
		if string(m.Data) != "tiny" {
			t.Errorf("data = %q, want %q", m.Data, "tiny")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message before the violation was not delivered")
	}

	d := ev.waitDisconnected(t)
	if !errors.Is(d.Err, ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", d.Err)
	}
	if !errors.Is(d.Err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", d.Err)
	}
}

func TestChannel_SendValidation(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	text, err := NewChannel(serverConn, LoggerOption(discardLogger{}))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer text.Dispose()

	if err := text.Send([]byte("x")); !errors.Is(err, ErrEncodingMismatch) {
		t.Errorf("Send on text channel: expected ErrEncodingMismatch, got %v", err)
	}
	if err := text.SendText(""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}

	binary, err := NewChannel(clientConn, EncodingOption(nil), LoggerOption(discardLogger{}))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer binary.Dispose()

	if err := binary.SendText("x"); !errors.Is(err, ErrEncodingMismatch) {
		t.Errorf("SendText on binary channel: expected ErrEncodingMismatch, got %v", err)
	}
	if err := binary.Send(nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestChannel_SendAfterDispose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ch, err := NewChannel(serverConn, LoggerOption(discardLogger{}))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	_ = ch.Dispose()

	err = ch.SendText("late")
	if !errors.Is(err, ErrSendFailed) {
		t.Errorf("expected ErrSendFailed, got %v", err)
	}
	if !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}

	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Identity != ch.Identity() {
		t.Errorf("expected *SendError for %s, got %v", ch.Identity(), err)
	}
}

func TestChannel_SendFailureDisconnects(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ev := newEvents()
	// A deadline that has passed before the write starts.
	ch, err := NewChannel(serverConn, append(ev.textOptions(), WriteTimeoutOption(time.Nanosecond))...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer ch.Dispose()

	err = ch.SendText("lost")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Identity != ch.Identity() {
		t.Errorf("expected *SendError for %s, got %v", ch.Identity(), err)
	}

	d := ev.waitDisconnected(t)
	if !errors.Is(d.Err, ErrSendFailed) {
		t.Errorf("expected disconnect cause ErrSendFailed, got %v", d.Err)
	}
	if d.Identity != ch.Identity() {
		t.Errorf("identity = %s, want %s", d.Identity, ch.Identity())
	}

	waitDone(t, ch)
	ev.expectNoDisconnected(t, 200*time.Millisecond)
}

func TestChannel_ConcurrentSendsDoNotInterleave(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	sender, err := NewChannel(serverConn, EncodingOption(nil), LoggerOption(discardLogger{}))
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer sender.Dispose()

	ev := newEvents()
	receiver, err := NewChannel(clientConn, ev.binaryOptions()...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	defer receiver.Dispose()

	const senders, perSender, size = 8, 50, 1500

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{b}, size)
			for j := 0; j < perSender; j++ {
				if err := sender.Send(payload); err != nil {
					t.Errorf("Send failed: %v", err)
					return
				}
			}
		}(byte('a' + i))
	}
	wg.Wait()

	counts := make(map[byte]int)
	for i := 0; i < senders*perSender; i++ {
		select {
		case m := <-ev.binary:
			if len(m.Data) != size {
				t.Fatalf("message %d has %d bytes, want %d", i, len(m.Data), size)
			}
			if !bytes.Equal(m.Data, bytes.Repeat(m.Data[:1], size)) {
				t.Fatalf("message %d is interleaved", i)
			}
			counts[m.Data[0]]++
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout after %d messages", i)
		}
	}

	for i := 0; i < senders; i++ {
		if counts[byte('a'+i)] != perSender {
			t.Errorf("sender %c: got %d messages, want %d", 'a'+i, counts[byte('a'+i)], perSender)
		}
	}
}

func TestChannel_DisposeFromHandler(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ev := newEvents()
	var ch *Channel
	ready := make(chan struct{})
	opts := append(ev.textOptions(), OnTextMessageOption(func(TextMessage) {
		<-ready
		_ = ch.Dispose()
	}))

	var err error
	ch, err = NewChannel(serverConn, opts...)
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	close(ready)

	frame, _ := EncodeFrame([]byte("bye"))
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitDone(t, ch)
	ev.expectNoDisconnected(t, 200*time.Millisecond)
}

func TestDial(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		conn, err := listener.AcceptTCP()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, listener.Addr().String(), LoggerOption(discardLogger{}))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ch.Dispose()

	var peer *net.TCPConn
	select {
	case peer = <-accepted:
		defer peer.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for accept")
	}

	if ch.Identity() != IdentityOf(listener.Addr()) {
		t.Errorf("identity = %s, want %s", ch.Identity(), listener.Addr())
	}

	if err := ch.SendText("hi"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	_ = peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 6)
	if _, err := io.ReadFull(peer, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0, 0, 0, 2, 'h', 'i'}) {
		t.Errorf("frame = %v", got)
	}
}

func TestDial_Refused(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	if _, err := Dial(context.Background(), addr); err == nil {
		t.Error("expected dial error")
	}
}
