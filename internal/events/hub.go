package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawld/internal/jobs"
	"github.com/JakeFAU/crawld/internal/metrics"
)

// Config controls buffering and delivery for the Hub.
//   - BufferSize: size of the internal channel (default 256).
//   - SinkTimeout: per-sink timeout for one event (default 30s).
//   - Node: node name stamped on every event.
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Clock: time source for EmittedAt (defaults to time.Now in UTC).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
	Node        string
	BaseContext context.Context
	Clock       jobs.Clock
	Logger      *zap.Logger
}

const (
	defaultBufferSize  = 256
	defaultSinkTimeout = 30 * time.Second
	dropLogInterval    = 5 * time.Second
)

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Hub buffers finished-job records and delivers them to its sinks on a
// background goroutine. It is safe for concurrent use and never blocks callers.
type Hub struct {
	cfg         Config
	sinks       []Sink
	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter *rate.Limiter
	dropped     atomic.Int64
	lost        atomic.Int64

	// mu orders sends against Close so every accepted event is drained.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts its delivery goroutine.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Clock == nil {
		cfg.Clock = utcClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rate.NewLimiter(rate.Every(dropLogInterval), 1),
	}
	go h.run()
	return h
}

// Emit enqueues a finished job for delivery. If the buffer is full or the hub
// is closed the record is dropped, counted, and a rate-limited warning is
// logged.
func (h *Hub) Emit(job jobs.FinishedJob) {
	if h == nil {
		return
	}
	evt := Event{
		Type:      TypeJobFinished,
		Node:      h.cfg.Node,
		Job:       job,
		EmittedAt: h.cfg.Clock.Now(),
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid job event", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.drop("hub closed")
		return
	}
	select {
	case h.events <- evt:
	default:
		h.drop("backpressure")
	}
}

// Dropped reports how many records were never handed to the sinks.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.lost.Load()
}

func (h *Hub) drop(reason string) {
	metrics.ObserveEventDropped()
	h.lost.Add(1)
	h.dropped.Add(1)
	if h.dropLimiter == nil || h.dropLimiter.Allow() {
		count := h.dropped.Swap(0)
		h.logger.Warn("job events dropped", zap.String("reason", reason), zap.Int64("dropped", count))
	}
}

// Close delivers buffered events, closes the sinks, and waits for the delivery
// goroutine to exit or ctx to end. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case evt := <-h.events:
			h.deliver(evt)
		case <-h.stopCh:
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case evt := <-h.events:
			h.deliver(evt)
		default:
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(evt Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, &evt)
		cancel()
		metrics.ObserveEventDelivery(sink.Name(), err)
		if err != nil {
			h.logger.Warn("job event sink failed",
				zap.String("sink", sink.Name()),
				zap.String("project", evt.Job.Project),
				zap.String("job_id", evt.Job.ID),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("job event sink close failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}
