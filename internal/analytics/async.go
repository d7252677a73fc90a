package analytics

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
)

// AsyncConfig configures an Async sink.
type AsyncConfig struct {
	// BufferSize is the queue length. Defaults to 1000.
	BufferSize int

	// SampleRate keeps this fraction of events (0 < rate <= 1). Zero means 1.
	SampleRate float64

	Logger *slog.Logger
}

type queued struct {
	ctx   context.Context
	event Event
}

// Async moves Track calls off the dispatch path. Events go to a buffered
// queue drained by one goroutine; when the queue is full the event is written
// inline so nothing is dropped.
type Async struct {
	next       Sink
	sampleRate float64
	logger     *slog.Logger

	// mu orders enqueues before Close; once closed, Track writes inline.
	mu     sync.RWMutex
	closed bool

	buffer chan queued
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAsync starts the writer goroutine. Call Close to flush it.
func NewAsync(next Sink, cfg AsyncConfig) *Async {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Async{
		next:       next,
		sampleRate: cfg.SampleRate,
		logger:     cfg.Logger.With("component", "analytics"),
		buffer:     make(chan queued, cfg.BufferSize),
		done:       make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writeLoop()
	return a
}

// Track implements Sink. It never blocks on the wrapped sink unless the
// queue is full.
func (a *Async) Track(ctx context.Context, event Event) error {
	if a.sampleRate < 1.0 && rand.Float64() > a.sampleRate {
		return nil
	}
	// Detach from the dispatch's cancellation but keep its values.
	item := queued{ctx: context.WithoutCancel(ctx), event: event}
	if a.enqueue(item) {
		return nil
	}
	return a.next.Track(item.ctx, item.event)
}

func (a *Async) enqueue(item queued) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	select {
	case a.buffer <- item:
		return true
	default:
		return false
	}
}

// Close flushes queued events and stops the writer.
func (a *Async) Close() error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

func (a *Async) writeLoop() {
	defer a.wg.Done()
	for {
		select {
		case item := <-a.buffer:
			a.write(item)
		case <-a.done:
			a.flushBuffer()
			return
		}
	}
}

func (a *Async) flushBuffer() {
	for {
		select {
		case item := <-a.buffer:
			a.write(item)
		default:
			return
		}
	}
}

func (a *Async) write(item queued) {
	if err := a.next.Track(item.ctx, item.event); err != nil {
		a.logger.WarnContext(item.ctx, "analytics sink failed", "command", item.event.Data.Command, "error", err)
	}
}
