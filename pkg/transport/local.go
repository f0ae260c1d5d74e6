package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
)

// FaultFunc decides whether a request between two nodes should fail. A non-nil error is
// returned to the sender and the request is never delivered.
type FaultFunc func(from, to NodeRef, action string) error

// LocalNetwork connects LocalTransports inside one process. Requests still go through
// envelope encoding so handlers see exactly what a socket transport would deliver.
type LocalNetwork struct {
	mu     sync.RWMutex
	nodes  map[string]*LocalTransport
	fault  FaultFunc
	delay  time.Duration
	logger logging.Logger
	reg    *metrics.Registry
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork(logger logging.Logger, reg *metrics.Registry) *LocalNetwork {
	return &LocalNetwork{
		nodes:  make(map[string]*LocalTransport),
		logger: logger,
		reg:    reg,
	}
}

// NewTransport joins a node to the network.
func (n *LocalNetwork) NewTransport(nodeID string) *LocalTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &LocalTransport{network: n, ctx: ctx, cancel: cancel}
	t.endpoint = newEndpoint(NodeRef{ID: nodeID, Address: "local://" + nodeID}, t, 0, n.logger, n.reg)

	n.mu.Lock()
	n.nodes[nodeID] = t
	n.mu.Unlock()
	return t
}

// SetFault installs (or with nil clears) a fault injector.
func (n *LocalNetwork) SetFault(f FaultFunc) {
	n.mu.Lock()
	n.fault = f
	n.mu.Unlock()
}

// SetDelay adds latency to every delivered request.
func (n *LocalNetwork) SetDelay(d time.Duration) {
	n.mu.Lock()
	n.delay = d
	n.mu.Unlock()
}

// Disconnect makes every request to or from nodeID fail with ErrNodeNotConnected.
func (n *LocalNetwork) Disconnect(nodeID string) {
	n.SetFault(func(from, to NodeRef, _ string) error {
		if from.ID == nodeID || to.ID == nodeID {
			return fmt.Errorf("%w: %s", ErrNodeNotConnected, nodeID)
		}
		return nil
	})
}

func (n *LocalNetwork) route(from, to NodeRef, action string) (*LocalTransport, time.Duration, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.fault != nil {
		if err := n.fault(from, to, action); err != nil {
			return nil, 0, err
		}
	}
	peer, ok := n.nodes[to.ID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNodeNotConnected, to.ID)
	}
	return peer, n.delay, nil
}

// LocalTransport is one node's view of a LocalNetwork.
type LocalTransport struct {
	*endpoint
	network *LocalNetwork

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func (t *LocalTransport) roundTrip(ctx context.Context, to NodeRef, payload []byte) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, err
	}
	peer, delay, err := t.network.route(t.local, to, msg.Action)
	if err != nil {
		return nil, err
	}
	if !peer.acquire() {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotConnected, to.ID)
	}

	done := make(chan []byte, 1)
	go func() {
		defer peer.inflight.Done()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-peer.ctx.Done():
			}
		}
		done <- peer.dispatcher.DispatchBytes(peer.ctx, payload)
	}()

	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *LocalTransport) acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.inflight.Add(1)
	return true
}

func (t *LocalTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close leaves the network, cancels in-flight handlers and waits for them to return.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.network.mu.Lock()
	if t.network.nodes[t.local.ID] == t {
		delete(t.network.nodes, t.local.ID)
	}
	t.network.mu.Unlock()

	t.cancel()
	t.inflight.Wait()
	return nil
}

var _ Transport = (*LocalTransport)(nil)
