package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
)

// NNGTransport serves requests on a mangos REP socket and sends them over one REQ socket
// per peer. Each request runs on its own socket context so many can be in flight.
type NNGTransport struct {
	*endpoint
	cfg Config

	server mangos.Socket
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	peers   map[string]mangos.Socket
	closed  bool
	started bool
}

// NewNNGTransport creates an unstarted transport.
func NewNNGTransport(cfg Config, logger logging.Logger, reg *metrics.Registry) (*NNGTransport, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &NNGTransport{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]mangos.Socket),
	}
	t.endpoint = newEndpoint(NodeRef{ID: cfg.NodeID, Address: cfg.ListenAddr}, t, cfg.DefaultTimeout, logger, reg)
	return t, nil
}

// Start binds the REP socket and launches the request workers.
func (t *NNGTransport) Start() error {
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

	sock, err := rep.NewSocket()
	if err != nil {
		return fmt.Errorf("failed to create REP socket: %w", err)
	}
	cleanup.Add(sock, "request server")

	if err := sock.SetOption(mangos.OptionMaxRecvSize, t.cfg.MaxMessageSize); err != nil {
		return fmt.Errorf("failed to set max recv size: %w", err)
	}
	if err := sock.Listen(t.cfg.ListenAddr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.ListenAddr, err)
	}

	contexts := make([]mangos.Context, 0, t.cfg.Workers)
	for i := 0; i < t.cfg.Workers; i++ {
		c, err := sock.OpenContext()
		if err != nil {
			return fmt.Errorf("failed to open server context: %w", err)
		}
		contexts = append(contexts, c)
	}

	cleanup.Clear()
	t.server = sock
	t.started = true
	for _, c := range contexts {
		t.wg.Add(1)
		go t.serve(c)
	}

	t.logger.Info("transport listening", logging.String("addr", t.cfg.ListenAddr), logging.Int("workers", t.cfg.Workers))
	return nil
}

func (t *NNGTransport) serve(c mangos.Context) {
	defer t.wg.Done()
	defer c.Close()

	for {
		raw, err := c.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) || t.ctx.Err() != nil {
				return
			}
			t.logger.Warn("transport recv failed", logging.Error(err))
			continue
		}
		out := t.dispatcher.DispatchBytes(t.ctx, raw)
		if err := c.Send(out); err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			t.logger.Warn("transport reply failed", logging.Error(err))
		}
	}
}

func (t *NNGTransport) peer(to NodeRef) (mangos.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if s, ok := t.peers[to.Address]; ok {
		return s, nil
	}
	if to.Address == "" {
		return nil, fmt.Errorf("%w: no address for %s", ErrNodeNotConnected, to.ID)
	}

	s, err := req.NewSocket()
	if err != nil {
		return nil, err
	}
	// Requests are not idempotent; never resend on a slow reply.
	if err := s.SetOption(mangos.OptionRetryTime, time.Duration(0)); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.SetOption(mangos.OptionMaxRecvSize, t.cfg.MaxMessageSize); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.DialOptions(to.Address, map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNodeNotConnected, to.Address, err)
	}
	t.peers[to.Address] = s
	return s, nil
}

func (t *NNGTransport) roundTrip(ctx context.Context, to NodeRef, payload []byte) ([]byte, error) {
	s, err := t.peer(to)
	if err != nil {
		return nil, err
	}
	c, err := s.OpenContext()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.Close()
			return nil, context.DeadlineExceeded
		}
		_ = c.SetOption(mangos.OptionSendDeadline, remaining)
		_ = c.SetOption(mangos.OptionRecvDeadline, remaining)
	}

	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		if err := c.Send(payload); err != nil {
			done <- result{err: err}
			return
		}
		raw, err := c.Recv()
		done <- result{raw: raw, err: err}
	}()

	select {
	case r := <-done:
		c.Close()
		if r.err != nil {
			return nil, t.mapError(to, r.err)
		}
		return r.raw, nil
	case <-ctx.Done():
		// Closing the context unblocks the pending Send or Recv.
		c.Close()
		<-done
		return nil, ctx.Err()
	}
}

func (t *NNGTransport) mapError(to NodeRef, err error) error {
	switch {
	case errors.Is(err, mangos.ErrRecvTimeout), errors.Is(err, mangos.ErrSendTimeout):
		return fmt.Errorf("%w: %s: %v", ErrRequestTimeout, to.ID, err)
	case errors.Is(err, mangos.ErrClosed):
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrNodeNotConnected, to.ID, err)
	}
}

// Close stops the server workers and closes every socket.
func (t *NNGTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	server := t.server
	peers := t.peers
	t.peers = nil
	t.mu.Unlock()

	t.cancel()
	cleanup := NewResourceCleanup(t.logger)
	for addr, s := range peers {
		cleanup.Add(s, "peer "+addr)
	}
	if server != nil {
		cleanup.Add(server, "request server")
	}
	err := cleanup.CloseAll()
	t.wg.Wait()
	return err
}

var _ Transport = (*NNGTransport)(nil)
