// Package retry decides whether and when a failed connection or query is
// attempted again.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/capitalize-ai/querysession/internal/model"
)

// Failure taxonomy shared by the transport, correlator and query service.
var (
	ErrConnection = errors.New("connection error")
	ErrTimeout    = errors.New("request timed out")
	ErrProtocol   = errors.New("protocol error")
	ErrCancelled  = errors.New("cancelled")
)

const (
	DefaultBase        = time.Second
	DefaultCap         = 16 * time.Second
	DefaultMaxAttempts = 5
)

// Policy is an exponential backoff policy without jitter.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy returns base=1s, cap=16s, 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Cap:         DefaultCap,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// NextDelay returns min(Base * 2^attempt, Cap) for a 0-indexed attempt.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}
	// Anything past 2^30 is beyond any sane cap and would overflow the shift.
	if attempt > 30 {
		return p.Cap
	}
	d := p.Base << uint(attempt)
	if d <= 0 || (p.Cap > 0 && d > p.Cap) {
		return p.Cap
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures of the given kind.
func (p Policy) ShouldRetry(attempt int, kind model.ErrorKind) bool {
	return attempt < p.MaxAttempts && Transient(kind)
}

// Transient reports whether a failure kind is worth retrying at all.
func Transient(kind model.ErrorKind) bool {
	return kind == model.ErrorKindConnection || kind == model.ErrorKindTimeout
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) model.ErrorKind {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return model.ErrorKindCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.ErrorKindTimeout
	case errors.Is(err, ErrProtocol):
		return model.ErrorKindProtocol
	case errors.As(err, &netErr) && netErr.Timeout():
		return model.ErrorKindTimeout
	default:
		return model.ErrorKindConnection
	}
}
