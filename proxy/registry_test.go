package proxy

import (
	"net"
	"testing"
	"time"
)

func TestRegistryRegisterUnregister(t *testing.T) {
	r := newRegistry()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %v", r.Len())
	}

	c1, _ := net.Pipe()
	c2, _ := net.Pipe()
	ctx1 := newConnContext(c1, nil)
	ctx2 := newConnContext(c2, nil)

	r.register(ctx1)
	r.register(ctx2)
	if r.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %v", r.Len())
	}

	r.unregister(ctx1.Id())
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %v", r.Len())
	}

	// unregistering twice is a no-op
	r.unregister(ctx1.Id())
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %v", r.Len())
	}
}

func TestRegistryCloseAllUnblocksReads(t *testing.T) {
	r := newRegistry()

	client, server := net.Pipe()
	connCtx := newConnContext(client, nil)
	r.register(connCtx)

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := server.Read(buf)
		readDone <- err
	}()

	r.CloseAll()

	select {
	case err := <-readDone:
		if err == nil {
			t.Fatal("expected a close-induced read error")
		}
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after CloseAll")
	}
}

func TestSessionStateTransitions(t *testing.T) {
	c, _ := net.Pipe()
	connCtx := newConnContext(c, nil)

	if connCtx.State() != StateAccepted {
		t.Fatalf("expected accepted, got %v", connCtx.State())
	}

	connCtx.setState(StateHostResolved)
	connCtx.setState(StateTLSEstablished)
	connCtx.setState(StateRequestForwarded)
	connCtx.setState(StateResponseRelayed)
	if connCtx.State() != StateResponseRelayed {
		t.Fatalf("expected response_relayed, got %v", connCtx.State())
	}

	// terminal states stick
	connCtx.setState(StateErrored)
	connCtx.setState(StateHostResolved)
	if connCtx.State() != StateErrored {
		t.Fatalf("expected errored to stick, got %v", connCtx.State())
	}
}
