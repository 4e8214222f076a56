package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	"hpboard-controller/internal/models"
)

// InfluxDBConfig holds InfluxDB connection configuration.
type InfluxDBConfig struct {
	URL      string
	Token    string
	Database string
}

// InfluxDBWriter batches audit records as InfluxDB points.
type InfluxDBWriter struct {
	client *influxdb3.Client
	b      *batcher
	log    *slog.Logger
}

// NewInfluxDB creates an InfluxDB audit writer.
func NewInfluxDB(log *slog.Logger, config InfluxDBConfig, batchSize int) (*InfluxDBWriter, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     config.URL,
		Token:    config.Token,
		Database: config.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}

	w := &InfluxDBWriter{
		client: client,
		log:    log.With("component", "audit-influxdb"),
	}
	w.b = newBatcher(w.log, batchSize, w.flushBatch)
	return w, nil
}

// Start begins the background write loop.
func (w *InfluxDBWriter) Start() { w.b.Start() }

// flushBatch runs on the batcher goroutine only.
func (w *InfluxDBWriter) flushBatch(records []models.AuditRecord) {
	points := make([]*influxdb3.Point, 0, len(records))
	for _, rec := range records {
		point := influxdb3.NewPoint(
			"can_dispatch",
			map[string]string{
				"interface": rec.Interface,
				"rule":      rec.RuleName,
				"can_id":    fmt.Sprintf("0x%X", rec.CANID),
			},
			map[string]any{
				"can_id_decimal": rec.CANID,
				"data_0":         rec.Data[0],
				"data_1":         rec.Data[1],
				"data_2":         rec.Data[2],
				"data_3":         rec.Data[3],
				"data_4":         rec.Data[4],
				"data_5":         rec.Data[5],
				"data_6":         rec.Data[6],
				"data_7":         rec.Data[7],
			},
			rec.Timestamp,
		)
		points = append(points, point)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.client.WritePoints(ctx, points); err != nil {
		w.log.Warn("failed to write audit points", "error", err)
	}
}

// Write queues one record for writing.
func (w *InfluxDBWriter) Write(rec models.AuditRecord) {
	w.b.Write(rec)
}

// Close flushes pending records, joins the write loop and closes the
// client.
func (w *InfluxDBWriter) Close() error {
	w.b.Close()
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}
