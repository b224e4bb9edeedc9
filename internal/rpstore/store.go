package rpstore

import (
	"context"
	"time"
)

const (
	// Maximum length in bytes of a fingerprint accepted as a store key.
	// Fingerprints incorporate the client's User-Agent, which an adversary
	// controls, so keys must be capped before they reach the store.
	MaxKeyLength = 511

	DefaultMaxVisitors   = 10000
	DefaultTTL           = 1 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// Entry tracks one visitor's position in the current animation.
type Entry struct {
	// NextIndex is the frame index to serve on the visitor's next request.
	NextIndex int

	// LastAccess is when the visitor was last seen, and determines idle
	// expiry.
	LastAccess time.Time
}

// VisitorStore maps a visitor fingerprint to their animation position.
//
// GetAndAdvance returns the frame index to render for this request and
// advances the stored position to the following frame, modulo frameCount. An
// unknown fingerprint starts at index zero. A frameCount below one returns
// zero and mutates nothing, which callers use as a "nothing loaded yet"
// signal. Implementations never fail: a backend problem degrades to serving
// index zero rather than erroring a request.
type VisitorStore interface {
	GetAndAdvance(ctx context.Context, key string, frameCount int) int
}
