// Package ingest implements DataProcessor (spec.md section 4.2): the
// single entry point from a FeedClient into the core. It owns a bounded
// FIFO with a single logical consumer so that same-mint events are
// processed in arrival order end-to-end, batches them to the sink, and
// fans accepted events to the Tracker.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sawpanic/tokenwatch/internal/sink"
	"github.com/sawpanic/tokenwatch/internal/telemetry"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// TrackerSink is the narrow slice of Tracker that DataProcessor fans
// accepted events to. Kept narrow to avoid an ingest<->tracker import
// cycle.
type TrackerSink interface {
	TrackToken(snapshot types.TokenSnapshot)
	RecordTrade(trade types.Trade)
}

// PlatformResolver is the narrow slice of platform.Detector DataProcessor
// needs to stamp a concrete platform onto an accepted token event.
type PlatformResolver interface {
	Detect(ctx context.Context, mint string) types.Detection
}

// Config configures a Processor's batching and backpressure behavior.
type Config struct {
	QueueCapacity    int
	BatchSize        int
	FlushInterval    time.Duration
	DedupWindow      time.Duration
	SubmitDeadline   time.Duration
	FallbackPlatform types.Platform // applied when the detector cannot resolve a concrete platform
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 10_000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = time.Second
	}
	if c.SubmitDeadline <= 0 {
		c.SubmitDeadline = 500 * time.Millisecond
	}
}

type rawEvent struct {
	token *types.NewTokenEvent
	trade *types.TradeEvent
}

// Processor is spec.md's DataProcessor.
type Processor struct {
	cfg      Config
	sink     sink.Sink
	tracker  TrackerSink
	detector PlatformResolver
	metrics  *telemetry.Registry

	queue chan rawEvent
	dedup *dedupMap

	flushReq chan chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopped  atomic.Bool

	stats Stats
	mu    sync.Mutex // guards stats
}

// New builds a Processor. Call Run in its own goroutine before Submit-ing
// events.
func New(cfg Config, s sink.Sink, tracker TrackerSink, detector PlatformResolver, metrics *telemetry.Registry) *Processor {
	cfg.setDefaults()
	return &Processor{
		cfg:      cfg,
		sink:     s,
		tracker:  tracker,
		detector: detector,
		metrics:  metrics,
		queue:    make(chan rawEvent, cfg.QueueCapacity),
		dedup:    newDedupMap(cfg.DedupWindow),
		flushReq: make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Submit enqueues a token or trade event. Non-blocking up to
// cfg.SubmitDeadline; returns ErrBackpressure if the queue stays full past
// the deadline, or ErrStopped once Stop has begun.
func (p *Processor) Submit(event any) error {
	if p.stopped.Load() {
		return ErrStopped
	}

	re, err := wrapEvent(event)
	if err != nil {
		return err
	}

	select {
	case p.queue <- re:
		p.incr(func(s *Stats) { s.Submitted++ })
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(len(p.queue)))
		}
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.SubmitDeadline)
	defer timer.Stop()
	select {
	case p.queue <- re:
		p.incr(func(s *Stats) { s.Submitted++ })
		return nil
	case <-timer.C:
		p.incr(func(s *Stats) { s.BackpressureHits++ })
		if p.metrics != nil {
			p.metrics.BackpressureRejects.Inc()
		}
		return ErrBackpressure
	}
}

func wrapEvent(event any) (rawEvent, error) {
	switch e := event.(type) {
	case types.NewTokenEvent:
		return rawEvent{token: &e}, nil
	case types.TradeEvent:
		return rawEvent{trade: &e}, nil
	default:
		return rawEvent{}, errUnsupportedEvent
	}
}

// Run drains the queue until Stop is called. Intended to run in its own
// goroutine; Stop blocks until Run has returned.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.doneCh)

	flushTicker := time.NewTicker(p.cfg.FlushInterval)
	defer flushTicker.Stop()

	pending := make([]rawEvent, 0, p.cfg.BatchSize)

	flushNow := func(done chan struct{}) {
		if len(pending) > 0 {
			p.processBatch(ctx, pending)
			pending = pending[:0]
		}
		if done != nil {
			close(done)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushNow(nil)
			return
		case <-p.stopCh:
			// Drain whatever is already queued, then flush and exit.
			for {
				select {
				case re := <-p.queue:
					pending = append(pending, re)
				default:
					flushNow(nil)
					return
				}
			}
		case re := <-p.queue:
			pending = append(pending, re)
			if len(pending) >= p.cfg.BatchSize {
				flushNow(nil)
			}
		case <-flushTicker.C:
			p.dedup.Sweep(time.Now())
			flushNow(nil)
		case done := <-p.flushReq:
			for drained := false; !drained; {
				select {
				case re := <-p.queue:
					pending = append(pending, re)
				default:
					drained = true
				}
			}
			flushNow(done)
		}
	}
}

// Flush drains the queue and forces the current batch to the sink,
// blocking until it completes.
func (p *Processor) Flush() {
	done := make(chan struct{})
	select {
	case p.flushReq <- done:
		<-done
	case <-p.doneCh:
	}
}

// Stop drains and quiesces: no further Submit calls are accepted, the
// in-flight batch is flushed, and Stop does not return until Run has
// exited.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
	<-p.doneCh
}

// Stats returns a snapshot of the error taxonomy counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Processor) incr(f func(*Stats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}

var errUnsupportedEvent = unsupportedEventError{}

type unsupportedEventError struct{}

func (unsupportedEventError) Error() string { return "ingest: unsupported event type" }
