package engine

import "errors"

// Stable error kinds surfaced to the caller. The HTTP layer maps these
// onto status codes; none of them is retried by the engine itself.
var (
	// ErrInvalidFix flags a fix with absent or non-numeric coordinates.
	ErrInvalidFix = errors.New("invalid fix: missing or malformed coordinates")

	// ErrTrackBusy flags a trip start on a track another train holds.
	ErrTrackBusy = errors.New("track busy: locked by another train")

	// ErrStoreUnavailable wraps transient store failures. No state
	// mutation wrapped by it is considered committed.
	ErrStoreUnavailable = errors.New("store unavailable")
)
