package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"hpboard-controller/internal/models"
)

// ClickHouseConfig holds ClickHouse connection configuration.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Table    string
}

// ClickHouseWriter batches audit records into a ClickHouse table.
type ClickHouseWriter struct {
	conn  driver.Conn
	table string
	b     *batcher
	log   *slog.Logger
}

// NewClickHouse connects, creates the audit table when missing and returns
// a writer.
func NewClickHouse(log *slog.Logger, config ClickHouseConfig, batchSize int) (*ClickHouseWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", config.Host, config.Port)},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := createTable(conn, config.Table); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	w := &ClickHouseWriter{
		conn:  conn,
		table: config.Table,
		log:   log.With("component", "audit-clickhouse"),
	}
	w.b = newBatcher(w.log, batchSize, w.flushBatch)
	return w, nil
}

func createTable(conn driver.Conn, tableName string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			interface String,
			rule_name String,
			can_id UInt32,
			data Array(UInt8)
		) ENGINE = MergeTree()
		ORDER BY (timestamp, can_id)
		PARTITION BY toYYYYMMDD(timestamp)
		TTL timestamp + INTERVAL 1 MONTH
		SETTINGS index_granularity = 8192
	`, tableName)
	return conn.Exec(context.Background(), query)
}

// Start begins the background write loop.
func (w *ClickHouseWriter) Start() { w.b.Start() }

// flushBatch runs on the batcher goroutine only.
func (w *ClickHouseWriter) flushBatch(records []models.AuditRecord) {
	batch, err := w.conn.PrepareBatch(context.Background(), fmt.Sprintf("INSERT INTO %s", w.table))
	if err != nil {
		w.log.Warn("failed to prepare audit batch", "error", err)
		return
	}
	for _, rec := range records {
		err = batch.Append(
			rec.Timestamp,
			rec.Interface,
			rec.RuleName,
			rec.CANID,
			rec.Data[:],
		)
		if err != nil {
			w.log.Warn("failed to append audit record", "error", err)
			return
		}
	}
	if err := batch.Send(); err != nil {
		w.log.Warn("failed to send audit batch", "error", err)
	}
}

// Write queues one record for writing.
func (w *ClickHouseWriter) Write(rec models.AuditRecord) {
	w.b.Write(rec)
}

// Close flushes pending records, joins the write loop and closes the
// connection.
func (w *ClickHouseWriter) Close() error {
	w.b.Close()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
