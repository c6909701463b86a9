package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"breachwatch/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// BatchWriterConfig holds configuration for the batch writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter handles batched signal inserts to ClickHouse.
type BatchWriter struct {
	conn   driver.Conn
	config BatchWriterConfig

	events  []*schema.SecurityEvent
	metrics []*schema.SecurityMetric
	mu      sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a new BatchWriter on the given connection.
func NewBatchWriter(conn driver.Conn, cfg BatchWriterConfig) *BatchWriter {
	bw := &BatchWriter{
		conn:    conn,
		config:  cfg,
		events:  make([]*schema.SecurityEvent, 0, cfg.BatchSize),
		metrics: make([]*schema.SecurityMetric, 0, cfg.BatchSize),
	}
	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)
	return bw
}

// WriteEvent adds an event to the pending batch.
func (bw *BatchWriter) WriteEvent(event *schema.SecurityEvent) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrClosed
	}
	bw.events = append(bw.events, event)
	if len(bw.events) >= bw.config.BatchSize {
		return bw.flushLocked()
	}
	return nil
}

// WriteMetric adds a metric to the pending batch.
func (bw *BatchWriter) WriteMetric(metric *schema.SecurityMetric) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrClosed
	}
	bw.metrics = append(bw.metrics, metric)
	if len(bw.metrics) >= bw.config.BatchSize {
		return bw.flushLocked()
	}
	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if len(bw.events) > 0 || len(bw.metrics) > 0 {
		if err := bw.flushLocked(); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}
	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes both buffers. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	events := bw.events
	metrics := bw.metrics
	bw.events = make([]*schema.SecurityEvent, 0, bw.config.BatchSize)
	bw.metrics = make([]*schema.SecurityMetric, 0, bw.config.BatchSize)

	if err := bw.insertWithRetry(len(events), func() error { return bw.insertEvents(events) }); err != nil {
		return err
	}
	return bw.insertWithRetry(len(metrics), func() error { return bw.insertMetrics(metrics) })
}

func (bw *BatchWriter) insertWithRetry(count int, insert func() error) error {
	if count == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}
		if err := insert(); err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}
		atomic.AddUint64(&bw.totalWritten, uint64(count))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(count))
	return fmt.Errorf("%w: after %d retries: %v", ErrBatchInsertFailed, bw.config.MaxRetries, lastErr)
}

func (bw *BatchWriter) insertEvents(events []*schema.SecurityEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.conn.PrepareBatch(ctx, `
		INSERT INTO security_events (
			id, event_type, resource_type, outcome, source, timestamp,
			received_at, workspace, actor_type, actor_id, actor_name,
			actor_ip, target, schema_version, metadata
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, ev := range events {
		metadata, _ := json.Marshal(ev.Metadata)

		actorType, actorID, actorName, actorIP := "", "", "", ""
		if ev.Actor != nil {
			actorType = string(ev.Actor.Type)
			actorID = ev.Actor.ID
			actorName = ev.Actor.Name
			actorIP = ev.Actor.IPAddress
		}

		workspace := ev.Workspace
		if workspace == "" {
			workspace = "default"
		}

		err := batch.Append(
			ev.ID, ev.EventType, ev.ResourceType, string(ev.Outcome),
			ev.Source, ev.Timestamp, ev.ReceivedAt, workspace,
			actorType, actorID, actorName, actorIP,
			ev.Target, ev.SchemaVersion, string(metadata),
		)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	slog.Debug("event batch inserted", "count", len(events))
	return nil
}

func (bw *BatchWriter) insertMetrics(metrics []*schema.SecurityMetric) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.conn.PrepareBatch(ctx, `
		INSERT INTO security_metrics (
			id, name, value, metric_type, category, timestamp, workspace
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, m := range metrics {
		workspace := m.Workspace
		if workspace == "" {
			workspace = "default"
		}
		err := batch.Append(m.ID, m.Name, m.Value, string(m.MetricType), m.Category, m.Timestamp, workspace)
		if err != nil {
			return fmt.Errorf("failed to append metric: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	slog.Debug("metric batch inserted", "count", len(metrics))
	return nil
}

// Flush forces a flush of the pending buffers.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes remaining signals.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()

	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.events) + len(bw.metrics)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
