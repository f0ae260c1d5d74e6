package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
)

// RetryConfig bounds how long a RetryableClient keeps resending one request.
type RetryConfig struct {
	// AttemptTimeout caps each attempt.
	AttemptTimeout time.Duration
	// RetryTimeout caps the total time spent retrying.
	RetryTimeout time.Duration
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
}

// DefaultRetryConfig returns conservative retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		AttemptTimeout:  15 * time.Minute,
		RetryTimeout:    time.Minute,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// RetryableClient resends requests that failed because the peer was unreachable or the
// attempt timed out. Remote handler failures and local errors are returned immediately.
type RetryableClient struct {
	transport Transport
	cfg       RetryConfig
	logger    logging.Logger
	metrics   *metrics.Registry
}

// NewRetryableClient wraps t.
func NewRetryableClient(t Transport, cfg RetryConfig, logger logging.Logger, reg *metrics.Registry) *RetryableClient {
	d := DefaultRetryConfig()
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = d.AttemptTimeout
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = d.RetryTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = d.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = d.MaxInterval
	}
	return &RetryableClient{
		transport: t,
		cfg:       cfg,
		logger:    logging.OrDefault(logger, "transport"),
		metrics:   metrics.OrDefault(reg),
	}
}

// IsRetryable reports whether a failed Send may be attempted again.
func IsRetryable(err error) bool {
	if IsRemote(err) {
		// The peer handled the request; its answer is final unless it was overloaded.
		return errors.Is(err, ErrNodeNotConnected)
	}
	return errors.Is(err, ErrNodeNotConnected) || errors.Is(err, ErrRequestTimeout)
}

// Send delivers the request, retrying transient failures with exponential backoff until
// RetryTimeout elapses or ctx is done.
func (c *RetryableClient) Send(ctx context.Context, to NodeRef, action string, req, resp any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = c.cfg.RetryTimeout

	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
		err := c.transport.Send(attemptCtx, to, action, req, resp)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.TransportRetriesTotal.WithLabelValues(action).Inc()
		c.logger.Debug("retrying request",
			logging.Action(action),
			logging.Node(to.ID),
			logging.Int("attempt", attempts),
			logging.Duration("wait", wait),
			logging.Error(err))
	}

	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
