package yamux

import (
	"io"
	"net"
	"testing"
	"time"
)

func sessionPair(t *testing.T) (client, server *Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	client = NewSession(c1, true)
	server = NewSession(c2, false)
	return client, server
}

func TestOpenStreamUsesCorrectParity(t *testing.T) {
	client, server := sessionPair(t)
	defer client.Close()
	defer server.Close()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if cs.id%2 == 0 {
		t.Fatalf("client stream id %d is not odd", cs.id)
	}
	ss, err := server.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if ss.id%2 != 0 {
		t.Fatalf("server stream id %d is not even", ss.id)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	client, server := sessionPair(t)
	defer client.Close()
	defer server.Close()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	msg := []byte("hello over yamux")
	writeErr := make(chan error, 1)
	go func() {
		_, err := cs.Write(msg)
		writeErr <- err
	}()

	ss, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(ss, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func TestStreamCloseDeliversEOF(t *testing.T) {
	client, server := sessionPair(t)
	defer client.Close()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	// force the SYN out so the server learns about the stream.
	if _, err := cs.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ss, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	if err := cs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ss.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := io.ReadFull(ss, buf); err != nil {
		t.Fatalf("Read payload: %v", err)
	}
	if string(buf) != "x" {
		t.Fatalf("got %q want %q", buf, "x")
	}
	if _, err := ss.Read(buf); err != io.EOF {
		t.Fatalf("got err %v, want io.EOF", err)
	}
}

func TestWindowUpdateUnblocksWriter(t *testing.T) {
	client, server := sessionPair(t)
	defer client.Close()
	defer server.Close()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	cs.mu.Lock()
	cs.sendWindow = 4
	cs.mu.Unlock()

	payload := []byte("this payload is larger than the window")
	writeErr := make(chan error, 1)
	go func() {
		_, err := cs.Write(payload)
		writeErr <- err
	}()

	ss, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	buf := make([]byte, len(payload))
	readErr := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(ss, buf)
		readErr <- err
	}()

	// The first chunk (4 bytes) arrives and exhausts cs's artificially
	// small window; grant more directly rather than waiting for ss's
	// Read-side auto-announce, which only fires once consumption drains
	// half of the (much larger) default window.
	time.Sleep(50 * time.Millisecond)
	if err := ss.session.sendFrame(frameHeader{typ: typeWindowUpdate, streamID: cs.id, length: uint32(len(payload))}, nil); err != nil {
		t.Fatalf("sendFrame: %v", err)
	}

	if err := <-readErr; err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("got %q want %q", buf, payload)
	}
}

func TestReadAfterLocalCloseDeliversPeerData(t *testing.T) {
	client, server := sessionPair(t)
	defer client.Close()
	defer server.Close()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := cs.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ss, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	if _, err := io.ReadFull(ss, make([]byte, 4)); err != nil {
		t.Fatalf("Read request: %v", err)
	}

	// the client half-closes its write side before the response exists
	if err := cs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// the server's half is still open: it can respond and then finish
	if _, err := ss.Write([]byte("pong")); err != nil {
		t.Fatalf("Write response: %v", err)
	}
	if err := ss.Close(); err != nil {
		t.Fatalf("Close response side: %v", err)
	}

	// the locally-half-closed stream must still deliver the response
	// and then a clean EOF
	cs.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(cs, buf); err != nil {
		t.Fatalf("Read response after local close: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q want %q", buf, "pong")
	}
	if _, err := cs.Read(buf); err != io.EOF {
		t.Fatalf("got err %v, want io.EOF", err)
	}
}

func TestStreamResetLeavesSessionUsable(t *testing.T) {
	client, server := sessionPair(t)
	defer client.Close()
	defer server.Close()

	cs, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := cs.Write([]byte("before reset")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ss, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	if err := ss.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	// the writer observes the reset on a subsequent operation
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err = cs.Write([]byte("x")); err != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != ErrStreamReset {
		t.Fatalf("got err %v, want ErrStreamReset", err)
	}

	// the session itself survives and can carry a fresh stream
	cs2, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream after reset: %v", err)
	}
	msg := []byte("still alive")
	go cs2.Write(msg)
	ss2, err := server.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream after reset: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(ss2, buf); err != nil {
		t.Fatalf("Read after reset: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func TestSessionCloseDrainsStreamsCleanly(t *testing.T) {
	client, server := sessionPair(t)
	defer server.Close()

	cs1, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	cs2, err := client.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := cs1.Write([]byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := cs2.Write([]byte("b")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// both streams observe a clean EOF, not a reset
	for i, cs := range []*Stream{cs1, cs2} {
		if _, err := cs.Read(make([]byte, 1)); err != io.EOF {
			t.Fatalf("stream %d: got err %v, want io.EOF", i+1, err)
		}
	}
	if _, err := client.OpenStream(); err == nil {
		t.Fatal("expected OpenStream to fail after session close")
	}
}

func TestGoAwayRejectsNewLocalStreams(t *testing.T) {
	client, server := sessionPair(t)
	defer server.Close()

	if err := client.GoAway(GoAwayNormal); err != nil {
		t.Fatalf("GoAway: %v", err)
	}
	if _, err := client.OpenStream(); err != ErrGoAway {
		t.Fatalf("got err %v, want ErrGoAway", err)
	}
}
