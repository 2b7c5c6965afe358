package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"
)

// Client wraps the ClickHouse connection used by the archive writer.
type Client struct {
	conn     driver.Conn
	database string
}

// NewClient connects to ClickHouse using a DSN like
// clickhouse://host:9000/database and verifies the connection.
func NewClient(ctx context.Context, dsn, database string) (*Client, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	log.Info().Str("database", database).Msg("clickhouse archive connected")
	return &Client{conn: conn, database: database}, nil
}

// EnsureSchema creates the archive tables if they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.engine_events (
			event_id String,
			event_type LowCardinality(String),
			category LowCardinality(String),
			source String,
			priority LowCardinality(String),
			status LowCardinality(String),
			payload String,
			correlation_id String,
			causation_id String,
			retry_count UInt8,
			failure_reason String,
			ts DateTime64(6)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(ts)
		ORDER BY (category, event_type, ts)
		TTL toDateTime(ts) + INTERVAL 30 DAY`, c.database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.trade_decisions (
			decision_id String,
			symbol LowCardinality(String),
			action LowCardinality(String),
			quantity Float64,
			confidence Float64,
			priority LowCardinality(String),
			signal_ids Array(String),
			risk_approved UInt8,
			risk_score Float64,
			created_at DateTime64(6),
			expires_at DateTime64(6)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(created_at)
		ORDER BY (symbol, created_at)
		TTL toDateTime(created_at) + INTERVAL 90 DAY`, c.database),
	}
	for _, stmt := range stmts {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}
	}
	return nil
}

// InsertEvents writes one batch of event rows.
func (c *Client) InsertEvents(ctx context.Context, rows []EventRow) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.engine_events", c.database))
	if err != nil {
		return fmt.Errorf("prepare event batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.EventID, r.EventType, r.Category, r.Source, r.Priority, r.Status,
			r.Payload, r.CorrelationID, r.CausationID, r.RetryCount, r.FailureReason, r.Timestamp,
		); err != nil {
			return fmt.Errorf("append event row: %w", err)
		}
	}
	return batch.Send()
}

// InsertDecisions writes one batch of decision rows.
func (c *Client) InsertDecisions(ctx context.Context, rows []DecisionRow) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.trade_decisions", c.database))
	if err != nil {
		return fmt.Errorf("prepare decision batch: %w", err)
	}
	for _, r := range rows {
		approved := uint8(0)
		if r.RiskApproved {
			approved = 1
		}
		if err := batch.Append(
			r.DecisionID, r.Symbol, r.Action, r.Quantity, r.Confidence, r.Priority,
			r.SignalIDs, approved, r.RiskScore, r.CreatedAt, r.ExpiresAt,
		); err != nil {
			return fmt.Errorf("append decision row: %w", err)
		}
	}
	return batch.Send()
}

// Close shuts the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}
