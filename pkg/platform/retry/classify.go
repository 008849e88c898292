package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind is a coarse class of dependency failure, used in logs and to decide
// whether a retry is worthwhile.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimit
	KindTimeout
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindSchema:
		return "schema"
	default:
		return "other"
	}
}

// Classify inspects err. Deadline and network timeouts are recognised by type;
// rate limits and schema violations by the message the provider returns.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "json") && strings.Contains(msg, "schema"):
		return KindSchema
	default:
		return KindOther
	}
}

// IsRateLimit reports whether the provider throttled the call.
func IsRateLimit(err error) bool {
	return err != nil && Classify(err) == KindRateLimit
}

// Transient retries rate limits and timeouts only.
func Transient(err error) bool {
	switch Classify(err) {
	case KindRateLimit, KindTimeout:
		return true
	default:
		return false
	}
}
