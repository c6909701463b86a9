package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"breachwatch/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ClickHouseConfig holds the configuration for the ClickHouse connection.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	Debug           bool          `yaml:"debug"`
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "breachwatch",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// ClickHouseStore is the durable append-only signal log. It implements
// SignalStore; single inserts go through the batch writer.
type ClickHouseStore struct {
	conn   driver.Conn
	config ClickHouseConfig
	writer *BatchWriter
}

// NewClickHouseStore connects to ClickHouse and verifies the connection.
func NewClickHouseStore(cfg ClickHouseConfig, writerCfg BatchWriterConfig) (*ClickHouseStore, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Debug:           cfg.Debug,
	}

	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, wrapUnavailable("Open", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, wrapUnavailable("Ping", err)
	}

	s := &ClickHouseStore{conn: conn, config: cfg}
	s.writer = NewBatchWriter(conn, writerCfg)
	return s, nil
}

// EnsureSchema creates the signal tables if they do not exist.
func (s *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.config.Database),
		`CREATE TABLE IF NOT EXISTS security_events (
			id UUID,
			event_type LowCardinality(String),
			resource_type LowCardinality(String),
			outcome LowCardinality(String),
			source LowCardinality(String),
			timestamp DateTime64(3, 'UTC'),
			received_at DateTime64(3, 'UTC'),
			workspace LowCardinality(String),
			actor_type LowCardinality(String),
			actor_id String,
			actor_name String,
			actor_ip String,
			target String,
			schema_version LowCardinality(String),
			metadata String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(timestamp)
		ORDER BY (timestamp, event_type, source)
		TTL toDateTime(timestamp) + INTERVAL 90 DAY`,
		`CREATE TABLE IF NOT EXISTS security_metrics (
			id UUID,
			name LowCardinality(String),
			value String,
			metric_type LowCardinality(String),
			category LowCardinality(String),
			timestamp DateTime64(3, 'UTC'),
			workspace LowCardinality(String)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(timestamp)
		ORDER BY (name, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 90 DAY`,
	}

	for _, q := range ddl {
		if err := s.conn.Exec(ctx, q); err != nil {
			return wrapQuery("EnsureSchema", "", err)
		}
	}
	return nil
}

// AppendEvent queues an event for batched insertion.
func (s *ClickHouseStore) AppendEvent(ctx context.Context, event *schema.SecurityEvent) error {
	return s.writer.WriteEvent(event)
}

// AppendMetric queues a metric for batched insertion.
func (s *ClickHouseStore) AppendMetric(ctx context.Context, metric *schema.SecurityMetric) error {
	return s.writer.WriteMetric(metric)
}

// EventsBetween returns events with from < timestamp <= to, ordered by timestamp.
func (s *ClickHouseStore) EventsBetween(ctx context.Context, from, to time.Time) ([]*schema.SecurityEvent, error) {
	query := `
		SELECT id, event_type, resource_type, outcome, source, timestamp,
		       received_at, workspace, actor_type, actor_id, actor_name,
		       actor_ip, target, schema_version, metadata
		FROM security_events
		WHERE timestamp > ? AND timestamp <= ?
		ORDER BY timestamp
	`
	rows, err := s.conn.Query(ctx, query, from, to)
	if err != nil {
		return nil, wrapQuery("EventsBetween", "security_events", err)
	}
	defer rows.Close()

	var out []*schema.SecurityEvent
	for rows.Next() {
		var (
			ev       schema.SecurityEvent
			id       uuid.UUID
			actor    schema.Actor
			actorTyp string
			metadata string
		)
		err := rows.Scan(
			&id, &ev.EventType, &ev.ResourceType, &ev.Outcome, &ev.Source,
			&ev.Timestamp, &ev.ReceivedAt, &ev.Workspace,
			&actorTyp, &actor.ID, &actor.Name, &actor.IPAddress,
			&ev.Target, &ev.SchemaVersion, &metadata,
		)
		if err != nil {
			return nil, wrapQuery("EventsBetween", "security_events", err)
		}
		ev.ID = id
		if actorTyp != "" || actor.ID != "" || actor.Name != "" || actor.IPAddress != "" {
			actor.Type = schema.ActorType(actorTyp)
			ev.Actor = &actor
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
				ev.Metadata = map[string]any{"raw": metadata}
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// MetricsBetween returns samples of the named metric with from < timestamp <= to.
func (s *ClickHouseStore) MetricsBetween(ctx context.Context, name string, from, to time.Time) ([]*schema.SecurityMetric, error) {
	query := `
		SELECT id, name, value, metric_type, category, timestamp, workspace
		FROM security_metrics
		WHERE timestamp > ? AND timestamp <= ?
	`
	args := []any{from, to}
	if name != "" {
		query += " AND name = ?"
		args = append(args, name)
	}
	query += " ORDER BY timestamp"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapQuery("MetricsBetween", "security_metrics", err)
	}
	defer rows.Close()

	var out []*schema.SecurityMetric
	for rows.Next() {
		var m schema.SecurityMetric
		err := rows.Scan(&m.ID, &m.Name, &m.Value, &m.MetricType, &m.Category, &m.Timestamp, &m.Workspace)
		if err != nil {
			return nil, wrapQuery("MetricsBetween", "security_metrics", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Flush forces any buffered signals to ClickHouse.
func (s *ClickHouseStore) Flush() error {
	return s.writer.Flush()
}

// Close flushes and closes the connection.
func (s *ClickHouseStore) Close() error {
	if err := s.writer.Close(); err != nil {
		return err
	}
	return s.conn.Close()
}

// Ping checks if the connection is alive.
func (s *ClickHouseStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return wrapUnavailable("Ping", err)
	}
	return nil
}

// Stats returns connection pool statistics.
func (s *ClickHouseStore) Stats() driver.Stats {
	return s.conn.Stats()
}
