package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"breachwatch/internal/queue"
	"breachwatch/internal/store"
)

// Pump drains the intake queue into the signal log. It is the only consumer
// of the ring buffer; intake transports push, the pump appends.
type Pump struct {
	queue   *queue.RingBuffer
	writer  store.SignalWriter
	workers int
	logger  *slog.Logger

	wg sync.WaitGroup

	events  atomic.Int64
	metrics atomic.Int64
	errors  atomic.Int64
}

// NewPump creates a pump with the given number of writer goroutines.
func NewPump(q *queue.RingBuffer, w store.SignalWriter, workers int, logger *slog.Logger) *Pump {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		queue:   q,
		writer:  w,
		workers: workers,
		logger:  logger,
	}
}

// Start launches the writer goroutines. They exit when the queue is closed
// and fully drained.
func (p *Pump) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.logger.Info("signal pump started", "workers", p.workers)
}

func (p *Pump) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		sig, err := p.queue.PopBlocking()
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			p.logger.Error("pop failed", "error", err)
			return
		}

		switch {
		case sig.Event != nil:
			if err := p.writer.AppendEvent(ctx, sig.Event); err != nil {
				p.errors.Add(1)
				p.logger.Error("failed to append event",
					"error", err,
					"event_id", sig.Event.ID,
					"event_type", sig.Event.EventType,
				)
				continue
			}
			p.events.Add(1)
		case sig.Metric != nil:
			if err := p.writer.AppendMetric(ctx, sig.Metric); err != nil {
				p.errors.Add(1)
				p.logger.Error("failed to append metric",
					"error", err,
					"metric", sig.Metric.Name,
				)
				continue
			}
			p.metrics.Add(1)
		}
	}
}

// Stop waits for the writers to drain the closed queue.
func (p *Pump) Stop() {
	p.wg.Wait()
	p.logger.Info("signal pump stopped",
		"events", p.events.Load(),
		"metrics", p.metrics.Load(),
		"errors", p.errors.Load(),
	)
}

// Stats returns pump counters.
func (p *Pump) Stats() map[string]interface{} {
	return map[string]interface{}{
		"events_written":  p.events.Load(),
		"metrics_written": p.metrics.Load(),
		"write_errors":    p.errors.Load(),
	}
}
