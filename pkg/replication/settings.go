package replication

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/dd0wney/cluso-segrep/pkg/transport"
	"github.com/dd0wney/cluso-segrep/pkg/validation"
)

// RecoverySettings tunes segment replication on a node.
type RecoverySettings struct {
	// ActivityTimeout fails a replication that made no progress for this long.
	ActivityTimeout time.Duration `yaml:"activity_timeout"`
	// InternalActionTimeout caps one attempt of a replication request.
	InternalActionTimeout time.Duration `yaml:"internal_action_timeout"`
	// InternalActionRetryTimeout caps the total time a request is retried.
	InternalActionRetryTimeout time.Duration `yaml:"internal_action_retry_timeout"`
	// CancelWaitTimeout bounds how long cancellation waits for references to drain.
	CancelWaitTimeout time.Duration `yaml:"cancel_wait_timeout"`
	// MaxBytesPerSec paces copied bytes across all replications. Zero disables pacing.
	MaxBytesPerSec int64 `yaml:"max_bytes_per_sec"`
	// ChunkSize is the size of one FILE_CHUNK.
	ChunkSize int `yaml:"chunk_size"`
	// Workers is the size of the replication worker pool.
	Workers int `yaml:"workers"`
	// Compression is the codec applied to chunk content.
	Compression string `yaml:"compression"`
}

// DefaultRecoverySettings returns the default settings
func DefaultRecoverySettings() RecoverySettings {
	return RecoverySettings{
		ActivityTimeout:            30 * time.Minute,
		InternalActionTimeout:      15 * time.Minute,
		InternalActionRetryTimeout: time.Minute,
		CancelWaitTimeout:          30 * time.Second,
		MaxBytesPerSec:             40 << 20,
		ChunkSize:                  512 << 10,
		Workers:                    4,
		Compression:                string(transport.CodecSnappy),
	}
}

// ApplyDefaults fills zero fields. MaxBytesPerSec is left alone: zero means unlimited.
func (s *RecoverySettings) ApplyDefaults() {
	d := DefaultRecoverySettings()
	s.ActivityTimeout = validation.DefaultOrDuration(s.ActivityTimeout, d.ActivityTimeout)
	s.InternalActionTimeout = validation.DefaultOrDuration(s.InternalActionTimeout, d.InternalActionTimeout)
	s.InternalActionRetryTimeout = validation.DefaultOrDuration(s.InternalActionRetryTimeout, d.InternalActionRetryTimeout)
	s.CancelWaitTimeout = validation.DefaultOrDuration(s.CancelWaitTimeout, d.CancelWaitTimeout)
	s.ChunkSize = validation.DefaultOrInt(s.ChunkSize, d.ChunkSize)
	s.Workers = validation.DefaultOrInt(s.Workers, d.Workers)
	s.Compression = validation.DefaultOr(s.Compression, d.Compression)
}

// Validate validates the recovery settings
func (s *RecoverySettings) Validate() error {
	return validation.NewConfigValidator("RecoverySettings").
		MinDuration("ActivityTimeout", s.ActivityTimeout, 10*time.Millisecond).
		MinDuration("InternalActionTimeout", s.InternalActionTimeout, time.Millisecond).
		MinDuration("InternalActionRetryTimeout", s.InternalActionRetryTimeout, time.Millisecond).
		MinDuration("CancelWaitTimeout", s.CancelWaitTimeout, time.Millisecond).
		NonNegativeInt64("MaxBytesPerSec", s.MaxBytesPerSec).
		RangeInt("ChunkSize", s.ChunkSize, 1, 64<<20).
		RangeInt("Workers", s.Workers, 1, 256).
		OneOf("Compression", s.Compression, transport.Codecs).
		Validate()
}

// Codec returns the parsed chunk codec.
func (s *RecoverySettings) Codec() transport.Codec {
	c, err := transport.ParseCodec(s.Compression)
	if err != nil {
		return transport.CodecNone
	}
	return c
}

// RetryConfig returns the transport retry budget for replication requests.
func (s *RecoverySettings) RetryConfig() transport.RetryConfig {
	cfg := transport.DefaultRetryConfig()
	cfg.AttemptTimeout = s.InternalActionTimeout
	cfg.RetryTimeout = s.InternalActionRetryTimeout
	return cfg
}

// RateLimiter paces bytes copied by every replication on the node. A nil RateLimiter
// does not limit.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter returns a limiter for bytesPerSec, or nil when bytesPerSec is not positive.
func NewRateLimiter(bytesPerSec int64) *RateLimiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec
	if burst > math.MaxInt32 {
		burst = math.MaxInt32
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(bytesPerSec), int(burst))}
}

// Wait blocks until n bytes may be copied. Requests larger than the burst are taken in
// burst-sized pieces.
func (l *RateLimiter) Wait(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	burst := l.lim.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := l.lim.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
