package ingest

import "errors"

// ErrBackpressure is returned by Submit when the queue is at capacity and
// no slot frees within the configured deadline.
var ErrBackpressure = errors.New("ingest: backpressure — queue full")

// ErrStopped is returned by Submit after Stop has begun draining.
var ErrStopped = errors.New("ingest: processor stopped")

// Stats is the error-taxonomy surface spec.md section 4.2 requires:
// validation/dedup/sink failures are counted here, never thrown to the
// caller of Submit.
type Stats struct {
	Submitted               int64
	ValidationErrors        int64
	DedupDrops              int64
	DatabaseErrors          int64
	BatchesFlushed          int64
	BackpressureHits        int64
	PlatformUnresolvedDrops int64
}
