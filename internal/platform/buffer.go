package platform

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/tokenwatch/internal/types"
)

// retryDelays are the spaced-out retry attempts for a mint whose fast path
// missed and whose authoritative lookup was unavailable or low-confidence.
var retryDelays = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

const maxRetryAge = 5 * time.Minute

// ResolvedFunc is invoked when a buffered retry resolves a mint to a
// concrete platform (or exhausts its attempts).
type ResolvedFunc func(mint string, detection types.Detection)

// RetryBuffer is the bounded worker described in spec.md section 4.1/9: it
// re-attempts authoritative detection for mints that missed the fast path,
// at widening delays, and gives up after three attempts or five minutes of
// total age.
type RetryBuffer struct {
	detector *Detector
	onResolve ResolvedFunc
	limiter  *rate.Limiter

	mu      sync.Mutex
	pending map[string]*pendingEntry
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type pendingEntry struct {
	firstEnqueued time.Time
	attempt       int
	cancel        context.CancelFunc
}

// NewRetryBuffer creates a buffer that paces its retries through limiter
// (typically a low-RPS limiter shared with the authoritative lookup's
// transport) and reports resolution via onResolve.
func NewRetryBuffer(detector *Detector, limiter *rate.Limiter, onResolve ResolvedFunc) *RetryBuffer {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(5), 5)
	}
	return &RetryBuffer{
		detector:  detector,
		onResolve: onResolve,
		limiter:   limiter,
		pending:   make(map[string]*pendingEntry),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue schedules mint for retry resolution. A mint already pending is
// left alone (idempotent).
func (b *RetryBuffer) Enqueue(mint string) {
	b.mu.Lock()
	if _, exists := b.pending[mint]; exists {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.pending[mint] = &pendingEntry{firstEnqueued: time.Now(), attempt: 0, cancel: cancel}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runAttempts(ctx, mint)
}

// Shutdown cancels every in-flight retry and waits for the workers to exit.
func (b *RetryBuffer) Shutdown() {
	close(b.stopCh)
	b.mu.Lock()
	for _, e := range b.pending {
		e.cancel()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *RetryBuffer) runAttempts(ctx context.Context, mint string) {
	defer b.wg.Done()
	defer b.clear(mint)

	for _, delay := range retryDelays {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		b.mu.Lock()
		entry, exists := b.pending[mint]
		b.mu.Unlock()
		if !exists {
			return
		}
		if time.Since(entry.firstEnqueued) > maxRetryAge {
			log.Debug().Str("mint", mint).Msg("platform: retry buffer aged out")
			return
		}

		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		entry.attempt++

		det := b.detector.Detect(ctx, mint)
		if det.IsConcrete() {
			if b.onResolve != nil {
				b.onResolve(mint, det)
			}
			return
		}
	}
	log.Debug().Str("mint", mint).Msg("platform: retry buffer exhausted attempts")
}

func (b *RetryBuffer) clear(mint string) {
	b.mu.Lock()
	delete(b.pending, mint)
	b.mu.Unlock()
}

// Pending returns the number of mints currently awaiting resolution.
func (b *RetryBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
