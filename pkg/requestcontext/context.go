// Package requestcontext carries request-scoped identifiers through a call chain.
//
// A RequestContext is established once per logical request or workflow and is
// stored in the context.Context handed down to every function that does work on
// its behalf. Anything that receives the ctx (including goroutines started with
// it) observes the same correlation and job identifiers; sibling requests carry
// their own.
//
// Usage at a request boundary:
//
//	err := requestcontext.RunWithContext(ctx, func(ctx context.Context) error {
//	    return svc.Transcribe(ctx, upload)
//	}, requestcontext.WithCorrelationID(headerValue))
//
// Usage in services (read values):
//
//	correlationID, _ := requestcontext.CorrelationID(ctx)
//	jobID, ok := requestcontext.JobID(ctx)
//
// Usage in workers (mutate the ambient context):
//
//	if err := requestcontext.SetJobID(ctx, requestcontext.GenerateJobID()); err != nil {
//	    return err
//	}
package requestcontext

import (
	"context"
	"encoding/hex"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"radioguard/pkg/platform/sentinel"
)

// ErrNoContext is returned by mutators called outside an established context.
var ErrNoContext = fmt.Errorf("no active request context: %w", sentinel.ErrInvalidState)

const (
	correlationPrefix = "cor_"
	jobPrefix         = "job_"
)

// Context key types (unexported for encapsulation).
type (
	requestContextKey struct{}
	requestTimeKey    struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyRequestContext = requestContextKey{}
	ContextKeyRequestTime    = requestTimeKey{}
)

// RequestContext is the ambient state of one logical request.
type RequestContext struct {
	CorrelationID string
	JobID         string
	UserID        string
	StartTime     time.Time
	Metadata      map[string]any
}

// state is the mutable holder stored in the context.Context. It is shared by
// every context derived from the one RunWithContext created.
type state struct {
	mu sync.RWMutex
	rc RequestContext
}

// Option configures a new RequestContext.
type Option func(*RequestContext)

// WithCorrelationID seeds the context with an existing correlation ID, typically
// taken from an inbound X-Correlation-ID header. Empty values are ignored.
func WithCorrelationID(correlationID string) Option {
	return func(rc *RequestContext) {
		if correlationID != "" {
			rc.CorrelationID = correlationID
		}
	}
}

// WithJobID attaches a job ID at creation time.
func WithJobID(jobID string) Option {
	return func(rc *RequestContext) {
		rc.JobID = jobID
	}
}

// WithUserID attaches the acting user.
func WithUserID(userID string) Option {
	return func(rc *RequestContext) {
		rc.UserID = userID
	}
}

// WithMetadata seeds free-form metadata.
func WithMetadata(metadata map[string]any) Option {
	return func(rc *RequestContext) {
		if len(metadata) == 0 {
			return
		}
		if rc.Metadata == nil {
			rc.Metadata = make(map[string]any, len(metadata))
		}
		maps.Copy(rc.Metadata, metadata)
	}
}

// WithStartTime overrides the start time. Useful in tests.
func WithStartTime(t time.Time) Option {
	return func(rc *RequestContext) {
		rc.StartTime = t
	}
}

// New derives a context carrying a fresh RequestContext. A correlation ID is
// generated unless one is supplied.
func New(ctx context.Context, opts ...Option) context.Context {
	rc := RequestContext{StartTime: time.Now()}
	for _, opt := range opts {
		if opt != nil {
			opt(&rc)
		}
	}
	if rc.CorrelationID == "" {
		rc.CorrelationID = GenerateCorrelationID()
	}
	return context.WithValue(ctx, ContextKeyRequestContext, &state{rc: rc})
}

// RunWithContext establishes a new RequestContext for the extent of fn and
// returns fn's error.
func RunWithContext(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	return fn(New(ctx, opts...))
}

// Run is RunWithContext for functions that produce a value.
func Run[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	return fn(New(ctx, opts...))
}

func from(ctx context.Context) *state {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ContextKeyRequestContext).(*state)
	return s
}

// Get returns a snapshot of the ambient RequestContext.
// Returns false if no context has been established.
func Get(ctx context.Context) (RequestContext, bool) {
	s := from(ctx)
	if s == nil {
		return RequestContext{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc := s.rc
	rc.Metadata = maps.Clone(s.rc.Metadata)
	return rc, true
}

// CorrelationID retrieves the correlation ID from the context.
func CorrelationID(ctx context.Context) (string, bool) {
	s := from(ctx)
	if s == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rc.CorrelationID, true
}

// JobID retrieves the job ID from the context. Returns false when there is no
// context or no job has been attached yet.
func JobID(ctx context.Context) (string, bool) {
	s := from(ctx)
	if s == nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rc.JobID, s.rc.JobID != ""
}

// UserID retrieves the acting user from the context.
func UserID(ctx context.Context) string {
	s := from(ctx)
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rc.UserID
}

// SetJobID attaches a job ID to the ambient context in place.
func SetJobID(ctx context.Context, jobID string) error {
	s := from(ctx)
	if s == nil {
		return ErrNoContext
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rc.JobID = jobID
	return nil
}

// UpdateMetadata merges fields into the ambient context's metadata in place.
func UpdateMetadata(ctx context.Context, fields map[string]any) error {
	s := from(ctx)
	if s == nil {
		return ErrNoContext
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rc.Metadata == nil {
		s.rc.Metadata = make(map[string]any, len(fields))
	}
	maps.Copy(s.rc.Metadata, fields)
	return nil
}

// Duration returns the time elapsed since the ambient context started.
func Duration(ctx context.Context) (time.Duration, bool) {
	s := from(ctx)
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	start := s.rc.StartTime
	s.mu.RUnlock()
	return time.Since(start), true
}

// GenerateCorrelationID returns "cor_" followed by 32 hex characters drawn from
// a random (v4) UUID.
func GenerateCorrelationID() string {
	return correlationPrefix + randomHex()
}

// GenerateJobID returns "job_" followed by 32 hex characters.
func GenerateJobID() string {
	return jobPrefix + randomHex()
}

func randomHex() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (for non-HTTP contexts like workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
