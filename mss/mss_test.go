package mss

import (
	"net"
	"testing"
)

type staticLookup struct {
	protos []ProtocolID
}

func (l staticLookup) Supports(p ProtocolID) bool {
	for _, want := range l.protos {
		if want == p {
			return true
		}
	}
	return false
}

func (l staticLookup) List() []ProtocolID { return l.protos }

func TestNegotiateAgreesOnSupportedProtocol(t *testing.T) {
	c1, c2 := net.Pipe()
	lookup := staticLookup{protos: []ProtocolID{"/yamux/1.0.0", "/noise"}}

	negErr := make(chan error, 1)
	go func() {
		negErr <- Negotiate(c1, "/yamux/1.0.0")
	}()

	got, err := Respond(c2, lookup)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "/yamux/1.0.0" {
		t.Fatalf("got %q want /yamux/1.0.0", got)
	}
	if err := <-negErr; err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
}

func TestNegotiateFailsOnUnsupportedProtocol(t *testing.T) {
	c1, c2 := net.Pipe()
	lookup := staticLookup{protos: []ProtocolID{"/yamux/1.0.0"}}

	negErr := make(chan error, 1)
	go func() {
		negErr <- Negotiate(c1, "/unsupported/1.0.0")
	}()

	respErr := make(chan error, 1)
	go func() {
		_, err := Respond(c2, lookup)
		respErr <- err
	}()

	if err := <-negErr; err == nil {
		t.Fatal("expected Negotiate to fail for an unsupported protocol")
	}
	c1.Close()
	c2.Close()
	<-respErr
}

func TestRespondRejectsWrongHeader(t *testing.T) {
	c1, c2 := net.Pipe()
	go func() {
		writeLine(c1, "/garbage/1.0.0")
		c1.Close()
	}()
	lookup := staticLookup{protos: []ProtocolID{"/yamux/1.0.0"}}
	if _, err := Respond(c2, lookup); err == nil {
		t.Fatal("expected Respond to reject an unrecognized multistream header")
	}
}
