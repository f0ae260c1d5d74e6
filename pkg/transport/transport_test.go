package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type echoRequest struct {
	Value string `json:"value" validate:"required"`
}

type echoResponse struct {
	Value string `json:"value"`
	From  string `json:"from"`
}

var errTestConflict = errors.New("test conflict")

func init() {
	RegisterErrorCode("test.conflict", errTestConflict)
}

const actionEcho = "internal:test/echo"

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, from NodeRef, req *echoRequest) (*echoResponse, error) {
		return &echoResponse{Value: req.Value, From: from.ID}, nil
	})
}

func newPair(t *testing.T) (*LocalNetwork, *LocalTransport, *LocalTransport) {
	t.Helper()
	net := NewLocalNetwork(nil, nil)
	a := net.NewTransport("node-a")
	b := net.NewTransport("node-b")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return net, a, b
}

func TestLocalTransport_Roundtrip(t *testing.T) {
	_, a, b := newPair(t)
	b.Register(actionEcho, echoHandler())

	var resp echoResponse
	if err := a.Send(context.Background(), b.LocalNode(), actionEcho, &echoRequest{Value: "hi"}, &resp); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.Value != "hi" {
		t.Errorf("Expected echo 'hi', got %q", resp.Value)
	}
	if resp.From != "node-a" {
		t.Errorf("Expected handler to see sender node-a, got %q", resp.From)
	}
}

func TestLocalTransport_HandlerNotFound(t *testing.T) {
	_, a, b := newPair(t)

	err := a.Send(context.Background(), b.LocalNode(), "internal:test/missing", Empty{}, nil)
	if !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("Expected ErrHandlerNotFound, got %v", err)
	}
	if !IsRemote(err) {
		t.Error("Expected a remote error")
	}
}

func TestLocalTransport_ValidationFailure(t *testing.T) {
	_, a, b := newPair(t)
	b.Register(actionEcho, echoHandler())

	err := a.Send(context.Background(), b.LocalNode(), actionEcho, &echoRequest{}, nil)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for missing value, got %v", err)
	}
}

func TestLocalTransport_RegisteredErrorCode(t *testing.T) {
	_, a, b := newPair(t)
	b.Register(actionEcho, func(ctx context.Context, from NodeRef, msg *Message) (any, error) {
		return nil, errTestConflict
	})

	err := a.Send(context.Background(), b.LocalNode(), actionEcho, &echoRequest{Value: "x"}, nil)
	if !errors.Is(err, errTestConflict) {
		t.Fatalf("Expected remote error to match registered sentinel, got %v", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != "test.conflict" {
		t.Errorf("Expected code test.conflict, got %+v", re)
	}
}

func TestLocalTransport_UnregisteredErrorIsInternal(t *testing.T) {
	_, a, b := newPair(t)
	b.Register(actionEcho, func(ctx context.Context, from NodeRef, msg *Message) (any, error) {
		return nil, errors.New("disk on fire")
	})

	err := a.Send(context.Background(), b.LocalNode(), actionEcho, &echoRequest{Value: "x"}, nil)
	if !errors.Is(err, ErrInternal) {
		t.Errorf("Expected ErrInternal, got %v", err)
	}
}

func TestLocalTransport_PanicRecovered(t *testing.T) {
	_, a, b := newPair(t)
	b.Register(actionEcho, func(ctx context.Context, from NodeRef, msg *Message) (any, error) {
		panic("boom")
	})

	err := a.Send(context.Background(), b.LocalNode(), actionEcho, &echoRequest{Value: "x"}, nil)
	if !errors.Is(err, ErrInternal) {
		t.Errorf("Expected ErrInternal after panic, got %v", err)
	}
}

func TestLocalTransport_UnknownNode(t *testing.T) {
	_, a, _ := newPair(t)

	err := a.Send(context.Background(), NodeRef{ID: "nobody"}, actionEcho, Empty{}, nil)
	if !errors.Is(err, ErrNodeNotConnected) {
		t.Errorf("Expected ErrNodeNotConnected, got %v", err)
	}
	if IsRemote(err) {
		t.Error("Expected a local error")
	}
}

func TestLocalTransport_Disconnect(t *testing.T) {
	net, a, b := newPair(t)
	b.Register(actionEcho, echoHandler())
	net.Disconnect("node-b")

	err := a.Send(context.Background(), b.LocalNode(), actionEcho, &echoRequest{Value: "x"}, nil)
	if !errors.Is(err, ErrNodeNotConnected) {
		t.Errorf("Expected ErrNodeNotConnected, got %v", err)
	}

	net.SetFault(nil)
	if err := a.Send(context.Background(), b.LocalNode(), actionEcho, &echoRequest{Value: "x"}, nil); err != nil {
		t.Errorf("Expected send to succeed after clearing fault, got %v", err)
	}
}

func TestLocalTransport_Timeout(t *testing.T) {
	_, a, b := newPair(t)
	b.Register(actionEcho, func(ctx context.Context, from NodeRef, msg *Message) (any, error) {
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := a.Send(ctx, b.LocalNode(), actionEcho, &echoRequest{Value: "x"}, nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Expected ErrRequestTimeout, got %v", err)
	}
}

func TestLocalTransport_CloseCancelsHandlers(t *testing.T) {
	_, a, b := newPair(t)
	var cancelled atomic.Bool
	started := make(chan struct{})
	b.Register(actionEcho, func(ctx context.Context, from NodeRef, msg *Message) (any, error) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return nil, ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Send(context.Background(), b.LocalNode(), actionEcho, &echoRequest{Value: "x"}, nil)
	}()
	<-started
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !cancelled.Load() {
		t.Error("Expected Close to cancel the running handler")
	}
	if err := <-errCh; err == nil {
		t.Error("Expected the in-flight send to fail")
	}

	if err := b.Send(context.Background(), a.LocalNode(), actionEcho, Empty{}, nil); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed from a closed transport, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{NodeID: "n1"}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}

	bad := Config{ListenAddr: "tcp://x:1", Workers: 0, MaxMessageSize: 10}
	if err := bad.Validate(); err == nil {
		t.Error("Expected validation errors")
	}
}

func TestNewNetworkTransport_UnknownBackend(t *testing.T) {
	if _, err := NewNetworkTransport("carrier-pigeon", Config{NodeID: "n"}, nil, nil); err == nil {
		t.Error("Expected error for unknown backend")
	}
	found := false
	for _, b := range Backends() {
		if b == "nng" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected nng backend to be registered, got %v", Backends())
	}
}
