//go:build zmq
// +build zmq

package transport

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
)

const zmqPollInterval = 250 * time.Millisecond

func init() {
	RegisterBackend("zmq", func(cfg Config, logger logging.Logger, reg *metrics.Registry) (NetworkTransport, error) {
		return NewZMQTransport(cfg, logger, reg)
	})
}

// ZMQTransport serves requests through a ROUTER/DEALER proxy to a pool of REP workers and
// sends each request on a short-lived REQ socket. ZeroMQ sockets are not goroutine-safe,
// so every socket is owned by exactly one goroutine.
type ZMQTransport struct {
	*endpoint
	cfg Config

	backendAddr string
	controlAddr string
	control     *zmq.Socket

	stop chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewZMQTransport creates an unstarted transport.
func NewZMQTransport(cfg Config, logger logging.Logger, reg *metrics.Registry) (*ZMQTransport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	t := &ZMQTransport{
		cfg:         cfg,
		backendAddr: "inproc://segrep-workers-" + id,
		controlAddr: "inproc://segrep-control-" + id,
		stop:        make(chan struct{}),
	}
	t.endpoint = newEndpoint(NodeRef{ID: cfg.NodeID, Address: cfg.ListenAddr}, t, cfg.DefaultTimeout, logger, reg)
	return t, nil
}

// Start binds the ROUTER socket, starts the proxy and the workers.
func (t *ZMQTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	if t.closed {
		return ErrTransportClosed
	}

	cleanup := NewResourceCleanup(t.logger)
	defer cleanup.Cleanup()

	frontend, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return fmt.Errorf("failed to create ROUTER socket: %w", err)
	}
	cleanup.Add(closerFunc(frontend.Close), "router")
	if err := frontend.SetMaxmsgsize(int64(t.cfg.MaxMessageSize)); err != nil {
		return err
	}
	if err := frontend.Bind(t.cfg.ListenAddr); err != nil {
		return fmt.Errorf("failed to bind ROUTER socket on %s: %w", t.cfg.ListenAddr, err)
	}

	backend, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return fmt.Errorf("failed to create DEALER socket: %w", err)
	}
	cleanup.Add(closerFunc(backend.Close), "dealer")
	if err := backend.Bind(t.backendAddr); err != nil {
		return err
	}

	controlServer, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return err
	}
	cleanup.Add(closerFunc(controlServer.Close), "control server")
	if err := controlServer.Bind(t.controlAddr); err != nil {
		return err
	}

	control, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return err
	}
	cleanup.Add(closerFunc(control.Close), "control client")
	if err := control.Connect(t.controlAddr); err != nil {
		return err
	}

	cleanup.Clear()
	t.control = control
	t.started = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := zmq.ProxySteerable(frontend, backend, nil, controlServer); err != nil {
			t.logger.Warn("zmq proxy stopped", logging.Error(err))
		}
		frontend.Close()
		backend.Close()
		controlServer.Close()
	}()

	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}

	t.logger.Info("transport listening", logging.String("addr", t.cfg.ListenAddr), logging.String("backend", "zmq"))
	return nil
}

func (t *ZMQTransport) worker() {
	defer t.wg.Done()

	sock, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		t.logger.Error("failed to create worker socket", logging.Error(err))
		return
	}
	defer sock.Close()
	_ = sock.SetLinger(0)
	_ = sock.SetRcvtimeo(zmqPollInterval)
	if err := sock.Connect(t.backendAddr); err != nil {
		t.logger.Error("failed to connect worker socket", logging.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-t.stop
		cancel()
	}()

	for {
		select {
		case <-t.stop:
			return
		default:
		}
		raw, err := sock.RecvBytes(0)
		if err != nil {
			if isEAGAIN(err) {
				continue
			}
			return
		}
		out := t.dispatcher.DispatchBytes(ctx, raw)
		if _, err := sock.SendBytes(out, 0); err != nil {
			t.logger.Warn("transport reply failed", logging.Error(err))
		}
	}
}

func (t *ZMQTransport) roundTrip(ctx context.Context, to NodeRef, payload []byte) ([]byte, error) {
	if to.Address == "" {
		return nil, fmt.Errorf("%w: no address for %s", ErrNodeNotConnected, to.ID)
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrTransportClosed
	}

	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return nil, err
	}
	defer sock.Close()
	_ = sock.SetLinger(0)
	_ = sock.SetMaxmsgsize(int64(t.cfg.MaxMessageSize))
	_ = sock.SetRcvtimeo(zmqPollInterval)
	_ = sock.SetSndtimeo(zmqPollInterval)
	if err := sock.Connect(to.Address); err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrNodeNotConnected, to.Address, err)
	}

	for {
		if _, err := sock.SendBytes(payload, 0); err == nil {
			break
		} else if !isEAGAIN(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNodeNotConnected, to.ID, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	for {
		raw, err := sock.RecvBytes(0)
		if err == nil {
			return raw, nil
		}
		if !isEAGAIN(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNodeNotConnected, to.ID, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Close terminates the proxy and waits for the workers.
func (t *ZMQTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	control := t.control
	t.mu.Unlock()

	close(t.stop)
	if started && control != nil {
		if _, err := control.Send("TERMINATE", 0); err != nil {
			t.logger.Warn("failed to stop zmq proxy", logging.Error(err))
		}
		control.Close()
	}
	t.wg.Wait()
	return nil
}

func isEAGAIN(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var _ Transport = (*ZMQTransport)(nil)
