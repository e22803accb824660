package protocol

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestSniffPolicyRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte(PolicyRequest + "\x00"))
		client.Write(Encode(NewFrame(104, 0, 0, nil)))
	}()

	sc := NewSniffConn(server)
	isProbe, err := sc.SniffPolicyRequest()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !isProbe {
		t.Fatal("Expected policy request to be detected")
	}

	buf := make([]byte, HeaderSizeBasic)
	if _, err := io.ReadFull(sc, buf); err != nil {
		t.Fatalf("Failed to read frame after probe: %v", err)
	}
	frames, err := NewDecoder(0).Decode(buf)
	if err != nil || len(frames) != 1 || frames[0].CommandID != 104 {
		t.Errorf("Expected login frame after probe, got %v (err=%v)", frames, err)
	}
}

func TestSniffPolicyRequest_Frame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	frame := Encode(NewFrame(1, 2, 0, nil))
	go client.Write(frame)

	sc := NewSniffConn(server)
	isProbe, err := sc.SniffPolicyRequest()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if isProbe {
		t.Fatal("Frame must not be mistaken for a policy request")
	}

	buf := make([]byte, len(frame))
	if _, err := io.ReadFull(sc, buf); err != nil {
		t.Fatalf("Sniffing must not consume frame bytes: %v", err)
	}
}

func TestSniffConn_PassThrough(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sc := NewSniffConn(server)
	if sc.RemoteAddr() != server.RemoteAddr() || sc.LocalAddr() != server.LocalAddr() {
		t.Error("Expected addresses of the wrapped connection")
	}

	go sc.Write([]byte(PolicyResponse))
	got := make([]byte, len(PolicyResponse))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("Failed to read through wrapper: %v", err)
	}
	if string(got) != PolicyResponse {
		t.Errorf("Unexpected bytes %q", got)
	}

	// Nobody reads, so the deadline must fail the write
	if err := sc.SetWriteDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetWriteDeadline failed: %v", err)
	}
	if _, err := sc.Write([]byte{1}); err == nil {
		t.Error("Expected write to time out")
	}
	if err := sc.SetDeadline(time.Time{}); err != nil {
		t.Fatalf("SetDeadline failed: %v", err)
	}

	if err := sc.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	if _, err := sc.Read(make([]byte, 1)); err == nil {
		t.Error("Expected read to time out")
	}

	if err := sc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := client.Write([]byte{1}); err == nil {
		t.Error("Expected peer write to fail after Close")
	}
}
