package udx

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func newLoopbackEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return NewEndpoint(pc)
}

func dialAndAccept(t *testing.T) (client, server *Stream) {
	t.Helper()
	srvEp := newLoopbackEndpoint(t)
	cliEp := newLoopbackEndpoint(t)

	serverDone := make(chan *Stream, 1)
	go func() {
		s, err := srvEp.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		serverDone <- s
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := cliEp.Dial(ctx, srvEp.LocalAddr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	select {
	case srv := <-serverDone:
		return cli, srv
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	return nil, nil
}

func TestHandshakeEstablishesStream(t *testing.T) {
	cli, srv := dialAndAccept(t)
	defer cli.Close()
	defer srv.Close()

	if cli.remoteID != srv.localID {
		t.Fatalf("client remoteID %d != server localID %d", cli.remoteID, srv.localID)
	}
	if srv.remoteID != cli.localID {
		t.Fatalf("server remoteID %d != client localID %d", srv.remoteID, cli.localID)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	cli, srv := dialAndAccept(t)
	defer cli.Close()
	defer srv.Close()

	msg := []byte("hello udx")
	go func() {
		if _, err := cli.Write(msg); err != nil {
			t.Errorf("Write: %v", err)
		}
	}()

	buf := make([]byte, len(msg))
	if err := readFull(srv, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func TestFinDeliversEOF(t *testing.T) {
	cli, srv := dialAndAccept(t)
	defer srv.Close()

	if err := cli.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf := make([]byte, 1)
	_, err := srv.Read(buf)
	if err != io.EOF {
		t.Fatalf("got err %v, want io.EOF", err)
	}
}

func TestResetPropagatesToPeer(t *testing.T) {
	cli, srv := dialAndAccept(t)
	defer cli.Close()

	if err := srv.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	buf := make([]byte, 1)
	deadline := time.Now().Add(2 * time.Second)
	cli.SetReadDeadline(deadline)
	if _, err := cli.Read(buf); err == nil {
		t.Fatal("expected error after peer reset, got nil")
	}
}
