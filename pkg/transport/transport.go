// Package transport carries replication requests between nodes. Every backend shares the
// same JSON envelope, handler registry and error mapping; they differ only in how bytes
// move: in-process (LocalNetwork), mangos REQ/REP (NNGTransport) or ZeroMQ (ZMQTransport,
// built with the zmq tag).
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/validation"
)

// Handler serves one action. The returned value becomes the response body.
type Handler func(ctx context.Context, from NodeRef, msg *Message) (any, error)

// Transport sends requests to other nodes and dispatches incoming requests to handlers.
type Transport interface {
	// LocalNode identifies this node.
	LocalNode() NodeRef
	// Register installs the handler for action, replacing any previous one.
	Register(action string, h Handler)
	// Send delivers req to the node and decodes the response body into resp (which may
	// be nil). It blocks until the response arrives or ctx is done.
	Send(ctx context.Context, to NodeRef, action string, req, resp any) error
	Close() error
}

// HandlerFunc adapts a typed function into a Handler. The request body is decoded into
// a new Req and checked against its validate tags before fn runs.
func HandlerFunc[Req any, Resp any](fn func(ctx context.Context, from NodeRef, req *Req) (*Resp, error)) Handler {
	return func(ctx context.Context, from NodeRef, msg *Message) (any, error) {
		req := new(Req)
		if err := msg.Decode(req); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidRequest, msg.Action, err)
		}
		if err := validation.Struct(req); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, msg.Action, err)
		}
		return fn(ctx, from, req)
	}
}

// Config configures a network transport.
type Config struct {
	NodeID string
	// ListenAddr is the address other nodes dial, e.g. tcp://10.0.0.5:9300.
	ListenAddr string
	// Workers is the number of requests served concurrently.
	Workers int
	// MaxMessageSize bounds a single envelope in bytes.
	MaxMessageSize int
	// DefaultTimeout applies to Send when ctx carries no deadline. Zero means none.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the default transport configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "tcp://127.0.0.1:9300",
		Workers:        8,
		MaxMessageSize: 64 << 20,
	}
}

// Validate validates the transport configuration
func (c *Config) Validate() error {
	return validation.NewConfigValidator("TransportConfig").
		Required("NodeID", c.NodeID).
		Required("ListenAddr", c.ListenAddr).
		RangeInt("Workers", c.Workers, 1, 1024).
		RangeInt("MaxMessageSize", c.MaxMessageSize, 1<<10, 1<<30).
		Validate()
}

// ApplyDefaults fills zero fields
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.ListenAddr = validation.DefaultOr(c.ListenAddr, d.ListenAddr)
	c.Workers = validation.DefaultOrInt(c.Workers, d.Workers)
	c.MaxMessageSize = validation.DefaultOrInt(c.MaxMessageSize, d.MaxMessageSize)
}

// Dispatcher routes decoded requests to registered handlers.
type Dispatcher struct {
	local  NodeRef
	logger logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher for the local node.
func NewDispatcher(local NodeRef, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		local:    local,
		logger:   logging.OrDefault(logger, "transport"),
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for action.
func (d *Dispatcher) Register(action string, h Handler) {
	d.mu.Lock()
	d.handlers[action] = h
	d.mu.Unlock()
}

// Dispatch runs the handler for msg and returns the response envelope. Handler panics are
// turned into internal errors.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (resp *Message) {
	d.mu.RLock()
	h, ok := d.handlers[msg.Action]
	d.mu.RUnlock()
	if !ok {
		return msg.Reply(d.local, nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, msg.Action))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic recovered",
				logging.Action(msg.Action),
				logging.Any("panic", r))
			resp = msg.Reply(d.local, nil, fmt.Errorf("%w: handler panic: %v", ErrInternal, r))
		}
	}()

	body, err := h(ctx, msg.From, msg)
	if err != nil {
		d.logger.Debug("handler returned error",
			logging.Action(msg.Action),
			logging.Node(msg.From.ID),
			logging.Error(err))
	}
	return msg.Reply(d.local, body, err)
}

// DispatchBytes decodes a serialized request, dispatches it and serializes the response.
func (d *Dispatcher) DispatchBytes(ctx context.Context, raw []byte) []byte {
	msg, err := DecodeMessage(raw)
	if err != nil {
		msg = &Message{}
		out, _ := msg.Reply(d.local, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)).Encode()
		return out
	}
	out, err := d.Dispatch(ctx, msg).Encode()
	if err != nil {
		out, _ = msg.Reply(d.local, nil, fmt.Errorf("%w: encode response: %v", ErrInternal, err)).Encode()
	}
	return out
}

// roundTripper moves one serialized request to a node and returns its serialized response.
type roundTripper interface {
	roundTrip(ctx context.Context, to NodeRef, payload []byte) ([]byte, error)
}

// endpoint implements the parts of Transport every backend shares.
type endpoint struct {
	local          NodeRef
	dispatcher     *Dispatcher
	rt             roundTripper
	defaultTimeout time.Duration
	logger         logging.Logger
	metrics        *metrics.Registry
}

func newEndpoint(local NodeRef, rt roundTripper, defaultTimeout time.Duration, logger logging.Logger, reg *metrics.Registry) *endpoint {
	logger = logging.OrDefault(logger, "transport").With(logging.Node(local.ID))
	return &endpoint{
		local:          local,
		dispatcher:     NewDispatcher(local, logger),
		rt:             rt,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		metrics:        metrics.OrDefault(reg),
	}
}

func (e *endpoint) LocalNode() NodeRef { return e.local }

func (e *endpoint) Register(action string, h Handler) { e.dispatcher.Register(action, h) }

func (e *endpoint) Send(ctx context.Context, to NodeRef, action string, req, resp any) error {
	start := time.Now()
	err := e.send(ctx, to, action, req, resp)
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RecordTransportRequest(action, status, time.Since(start))
	return err
}

func (e *endpoint) send(ctx context.Context, to NodeRef, action string, req, resp any) error {
	if e.defaultTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.defaultTimeout)
			defer cancel()
		}
	}

	msg, err := NewMessage(action, e.local, req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", action, err)
	}
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", action, err)
	}

	raw, err := e.rt.roundTrip(ctx, to, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: [%s][%s]: %v", ErrRequestTimeout, to.ID, action, err)
		}
		return err
	}

	reply, err := DecodeMessage(raw)
	if err != nil {
		return fmt.Errorf("decode %s response from %s: %w", action, to.ID, err)
	}
	if reply.Error != nil {
		return &RemoteError{Node: to.ID, Action: action, Code: reply.Error.Code, Message: reply.Error.Message}
	}
	if resp != nil {
		if err := reply.Decode(resp); err != nil {
			return fmt.Errorf("decode %s response body from %s: %w", action, to.ID, err)
		}
	}
	return nil
}
