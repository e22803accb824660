package service

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/SkynetNext/relay-gateway/internal/command"
	"github.com/SkynetNext/relay-gateway/internal/config"
	"github.com/SkynetNext/relay-gateway/internal/protocol"
)

var testTimings = Timings{
	RequestTimeout:   time.Second,
	CompletionWindow: 50 * time.Millisecond,
}

func testTable() *command.Table {
	return command.NewTable(&config.Default().Commands)
}

// fakeBackend is the service side of a net.Pipe. Every frame the gateway
// writes is decoded onto frames.
type fakeBackend struct {
	conn   net.Conn
	frames chan protocol.Frame
}

func startFakeBackend(conn net.Conn) *fakeBackend {
	b := &fakeBackend{conn: conn, frames: make(chan protocol.Frame, 64)}
	go func() {
		defer close(b.frames)
		dec := protocol.NewDecoder(0)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			frames, _ := dec.Decode(buf[:n])
			for _, f := range frames {
				b.frames <- f
			}
			if err != nil {
				return
			}
		}
	}()
	return b
}

func (b *fakeBackend) send(t *testing.T, f protocol.Frame) {
	t.Helper()
	if err := protocol.WriteFrame(b.conn, f); err != nil {
		t.Fatalf("backend write failed: %v", err)
	}
}

func (b *fakeBackend) expect(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-b.frames:
		if !ok {
			t.Fatal("backend connection closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame from the gateway")
	}
	return protocol.Frame{}
}

// registeredConnection completes a passive handshake for "game" and starts Serve
func registeredConnection(t *testing.T, opts Options) (*Connection, *fakeBackend) {
	t.Helper()
	if opts.Matcher == nil {
		opts.Matcher = testTable()
	}

	gw, be := net.Pipe()
	c := NewConnection(gw, opts)
	b := startFakeBackend(be)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Accept(map[uint32]string{9002: config.ServiceGame}, time.Second)
		errCh <- err
	}()
	b.send(t, protocol.NewFrame(9002, 0, 0, nil))
	if err := <-errCh; err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if ack := b.expect(t); ack.CommandID != 9002 || ack.Status != 0 {
		t.Fatalf("unexpected ack: %s", ack)
	}

	go c.Serve()
	t.Cleanup(func() {
		c.Close(nil)
		be.Close()
	})
	return c, b
}

func waitResult(t *testing.T, p *PendingRequest, within time.Duration) Result {
	t.Helper()
	select {
	case res := <-p.Done():
		return res
	case <-time.After(within):
		t.Fatalf("request %d/%d did not resolve within %v", p.Key.CommandID, p.Key.SubjectID, within)
	}
	return Result{}
}

func TestConnection_AcceptRegisters(t *testing.T) {
	c, _ := registeredConnection(t, Options{})

	if c.State() != StateRegistered {
		t.Errorf("Expected state registered, got %s", c.State())
	}
	if c.Name() != config.ServiceGame {
		t.Errorf("Expected name %q, got %q", config.ServiceGame, c.Name())
	}
	if c.RegisteredAt().IsZero() {
		t.Error("Expected RegisteredAt to be set")
	}
}

func TestConnection_AcceptRejectsNonAnnounce(t *testing.T) {
	gw, be := net.Pipe()
	defer be.Close()
	c := NewConnection(gw, Options{Matcher: testTable()})
	defer c.Close(nil)
	startFakeBackend(be)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Accept(map[uint32]string{9002: config.ServiceGame}, time.Second)
		errCh <- err
	}()
	if err := protocol.WriteFrame(be, protocol.NewFrame(2001, 7, 0, nil)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err := <-errCh
	if !errors.Is(err, ErrAnnounceRejected) {
		t.Fatalf("Expected ErrAnnounceRejected, got %v", err)
	}
	if c.State() == StateRegistered {
		t.Error("Connection must not be registered after a rejected first frame")
	}
}

func TestConnection_AcceptFirstFrameTimeout(t *testing.T) {
	gw, be := net.Pipe()
	defer be.Close()
	c := NewConnection(gw, Options{Matcher: testTable()})
	defer c.Close(nil)

	start := time.Now()
	_, err := c.Accept(map[uint32]string{9002: config.ServiceGame}, 30*time.Millisecond)
	if err == nil {
		t.Fatal("Expected an error when no first frame arrives")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Accept took %v, expected to give up after the connect timeout", elapsed)
	}
}

func TestConnection_Announce(t *testing.T) {
	gw, be := net.Pipe()
	defer be.Close()
	c := NewConnection(gw, Options{Matcher: testTable()})
	defer c.Close(nil)
	b := startFakeBackend(be)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Announce(config.ServiceMail, 9003, time.Second)
	}()

	announce := b.expect(t)
	if announce.CommandID != 9003 {
		t.Fatalf("Expected announce opcode 9003, got %d", announce.CommandID)
	}
	b.send(t, protocol.NewFrame(9003, 0, 0, nil))

	if err := <-errCh; err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if c.Name() != config.ServiceMail || c.State() != StateRegistered {
		t.Errorf("Expected registered mail connection, got %q in %s", c.Name(), c.State())
	}
}

func TestConnection_AnnounceRejectedAck(t *testing.T) {
	gw, be := net.Pipe()
	defer be.Close()
	c := NewConnection(gw, Options{Matcher: testTable()})
	defer c.Close(nil)
	b := startFakeBackend(be)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Announce(config.ServiceMail, 9003, time.Second)
	}()
	b.expect(t)
	b.send(t, protocol.NewFrame(9003, 0, 5, nil))

	if err := <-errCh; !errors.Is(err, ErrAnnounceRejected) {
		t.Fatalf("Expected ErrAnnounceRejected, got %v", err)
	}
}

func TestConnection_HandshakeOnlyOnce(t *testing.T) {
	c, _ := registeredConnection(t, Options{})

	_, err := c.Accept(map[uint32]string{9002: config.ServiceGame}, time.Second)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if err := c.Announce(config.ServiceGame, 9002, time.Second); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestConnection_SubmitBeforeRegistration(t *testing.T) {
	gw, be := net.Pipe()
	defer be.Close()
	c := NewConnection(gw, Options{Matcher: testTable()})
	defer c.Close(nil)

	if _, err := c.Submit(protocol.NewFrame(2001, 7, 0, nil), testTimings); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestConnection_DefaultBySubject(t *testing.T) {
	c, b := registeredConnection(t, Options{})

	p, err := c.Submit(protocol.NewFrame(2001, 42, 0, []byte("enter")), testTimings)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	req := b.expect(t)
	if req.CommandID != 2001 || req.SubjectID != 42 || string(req.Body) != "enter" {
		t.Fatalf("Backend received %s", req)
	}

	b.send(t, protocol.NewFrame(2001, 42, 0, nil))
	b.send(t, protocol.NewFrame(2003, 42, 0, nil))
	b.send(t, protocol.NewFrame(2004, 42, 0, nil))

	res := waitResult(t, p, time.Second)
	if res.Reason != ReasonComplete {
		t.Errorf("Expected reason complete, got %s", res.Reason)
	}
	want := []uint32{2001, 2003, 2004}
	if len(res.Frames) != len(want) {
		t.Fatalf("Expected %d frames, got %d", len(want), len(res.Frames))
	}
	for i, f := range res.Frames {
		if f.CommandID != want[i] || f.SubjectID != 42 {
			t.Errorf("Frame %d: expected cmd %d subject 42, got %s", i, want[i], f)
		}
	}
	if c.PendingCount() != 0 {
		t.Errorf("Expected no pending requests, got %d", c.PendingCount())
	}
}

func TestConnection_FifoByOpcode(t *testing.T) {
	c, b := registeredConnection(t, Options{})

	first, err := c.Submit(protocol.NewFrame(104, 0, 0, []byte("a")), testTimings)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	second, err := c.Submit(protocol.NewFrame(104, 0, 0, []byte("b")), testTimings)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	b.expect(t)
	b.expect(t)

	b.send(t, protocol.NewFrame(104, 1001, 0, []byte("first")))
	res := waitResult(t, first, time.Second)
	if len(res.Frames) != 1 || string(res.Frames[0].Body) != "first" {
		t.Fatalf("First request got %v", res.Frames)
	}

	select {
	case <-second.Done():
		t.Fatal("Second request resolved by the first reply")
	default:
	}

	b.send(t, protocol.NewFrame(104, 1002, 0, []byte("second")))
	res = waitResult(t, second, time.Second)
	if len(res.Frames) != 1 || string(res.Frames[0].Body) != "second" {
		t.Fatalf("Second request got %v", res.Frames)
	}
}

func TestConnection_CombatNotification(t *testing.T) {
	c, b := registeredConnection(t, Options{})

	p, err := c.Submit(protocol.NewFrame(2404, 9, 0, nil), testTimings)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	b.expect(t)

	b.send(t, protocol.NewFrame(2501, 9, 0, nil))
	b.send(t, protocol.NewFrame(2404, 9, 0, nil))

	res := waitResult(t, p, time.Second)
	if len(res.Frames) != 2 || res.Frames[0].CommandID != 2501 || res.Frames[1].CommandID != 2404 {
		t.Fatalf("Expected notification then echo, got %v", res.Frames)
	}
}

func TestConnection_Timeout(t *testing.T) {
	c, b := registeredConnection(t, Options{})

	timings := Timings{RequestTimeout: 100 * time.Millisecond, CompletionWindow: 50 * time.Millisecond}
	p, err := c.Submit(protocol.NewFrame(2001, 7, 0, nil), timings)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	b.expect(t)

	res := waitResult(t, p, time.Second)
	if res.Reason != ReasonTimeout {
		t.Errorf("Expected reason timeout, got %s", res.Reason)
	}
	if len(res.Frames) != 0 {
		t.Errorf("Expected no frames, got %d", len(res.Frames))
	}
	if res.Elapsed < timings.RequestTimeout || res.Elapsed > timings.RequestTimeout+200*time.Millisecond {
		t.Errorf("Expected resolution after ~%v, got %v", timings.RequestTimeout, res.Elapsed)
	}
}

func TestConnection_CompletionWindowExtends(t *testing.T) {
	c, b := registeredConnection(t, Options{})

	p, err := c.Submit(protocol.NewFrame(2001, 7, 0, nil), testTimings)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	b.expect(t)

	start := time.Now()
	b.send(t, protocol.NewFrame(2001, 7, 0, nil))
	time.Sleep(40 * time.Millisecond)
	b.send(t, protocol.NewFrame(2002, 7, 0, nil))

	res := waitResult(t, p, time.Second)
	elapsed := time.Since(start)
	if len(res.Frames) != 2 {
		t.Fatalf("Expected both frames, got %d", len(res.Frames))
	}
	if elapsed < 85*time.Millisecond {
		t.Errorf("Expected the second frame to extend the window to ~90ms, resolved after %v", elapsed)
	}
}

func TestConnection_CompletionWindowSingleFrame(t *testing.T) {
	c, b := registeredConnection(t, Options{})

	p, err := c.Submit(protocol.NewFrame(2001, 7, 0, nil), testTimings)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	b.expect(t)

	start := time.Now()
	b.send(t, protocol.NewFrame(2001, 7, 0, nil))

	res := waitResult(t, p, time.Second)
	elapsed := time.Since(start)
	if len(res.Frames) != 1 {
		t.Fatalf("Expected one frame, got %d", len(res.Frames))
	}
	if elapsed < 45*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("Expected resolution after ~50ms, got %v", elapsed)
	}
}

func TestConnection_UnmatchedFrameDropped(t *testing.T) {
	c, b := registeredConnection(t, Options{})

	b.send(t, protocol.NewFrame(2001, 99, 0, nil))

	p, err := c.Submit(protocol.NewFrame(2001, 7, 0, nil), testTimings)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	b.expect(t)
	b.send(t, protocol.NewFrame(2001, 7, 0, nil))

	res := waitResult(t, p, time.Second)
	if len(res.Frames) != 1 || res.Frames[0].SubjectID != 7 {
		t.Fatalf("Expected only the matching frame, got %v", res.Frames)
	}
}

func TestConnection_DisconnectDrainsPending(t *testing.T) {
	dir := NewDirectory()
	closed := make(chan struct{})
	c, b := registeredConnection(t, Options{
		OnClose: func(c *Connection, err error) {
			dir.Remove(c)
			close(closed)
		},
	})
	dir.Put(c)

	var pending []*PendingRequest
	for subject := uint32(1); subject <= 3; subject++ {
		p, err := c.Submit(protocol.NewFrame(2001, subject, 0, nil), testTimings)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		b.expect(t)
		pending = append(pending, p)
	}

	start := time.Now()
	b.conn.Close()

	for _, p := range pending {
		res := waitResult(t, p, 500*time.Millisecond)
		if res.Reason != ReasonDisconnected || len(res.Frames) != 0 {
			t.Errorf("Expected empty disconnected result, got %s with %d frames", res.Reason, len(res.Frames))
		}
	}
	if elapsed := time.Since(start); elapsed >= testTimings.RequestTimeout {
		t.Errorf("Drain took %v", elapsed)
	}

	<-closed
	if _, ok := dir.Get(config.ServiceGame); ok {
		t.Error("Expected directory slot to be cleared")
	}
	if _, err := c.Submit(protocol.NewFrame(2001, 1, 0, nil), testTimings); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after disconnect, got %v", err)
	}
}

func TestConnection_WriteFailure(t *testing.T) {
	gw, be := net.Pipe()
	defer be.Close()
	c := NewConnection(gw, Options{Matcher: testTable(), WriteTimeout: 20 * time.Millisecond})
	defer c.Close(nil)

	// Backend completes the handshake, then stops reading
	go func() {
		_ = protocol.WriteFrame(be, protocol.NewFrame(9002, 0, 0, nil))
		buf := make([]byte, protocol.HeaderSizeBasic)
		_, _ = be.Read(buf)
	}()
	if _, err := c.Accept(map[uint32]string{9002: config.ServiceGame}, time.Second); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	p, err := c.Submit(protocol.NewFrame(2001, 7, 0, nil), testTimings)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res := waitResult(t, p, time.Second)
	if res.Reason != ReasonWriteFailed {
		t.Errorf("Expected reason write_failed, got %s", res.Reason)
	}

	select {
	case <-c.Closed():
	case <-time.After(time.Second):
		t.Fatal("Expected the connection to close after a write failure")
	}
}
