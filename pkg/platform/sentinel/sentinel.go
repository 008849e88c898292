package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Components return these (usually
// wrapped) so callers can branch with errors.Is without importing the component:
// - ErrUnavailable: a dependency is currently isolated or unreachable
// - ErrInvalidState: an operation was attempted in the wrong lifecycle state
// - ErrClosed: the component has been shut down
// - ErrNotFound: a lookup produced nothing
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrClosed       = errors.New("closed")
)
