// Package history records every published humidifier snapshot as an
// InfluxDB point.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"templatehumidifier/internal/config"
	"templatehumidifier/internal/humidifier"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// Measurement is the InfluxDB measurement humidifier points are written to
const Measurement = "humidifier"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushSeconds   = 10
	millisPerSecond       = 1000
)

var (
	// ErrDisabled is returned by Connect when InfluxDB is not enabled
	ErrDisabled = errors.New("influxdb: disabled in configuration")
	// ErrConnectionFailed is returned when the server cannot be reached
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// PointWriter is the non-blocking write API
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Writer writes humidifier snapshots
type Writer struct {
	client influxdb2.Client
	api    PointWriter
	logger *zap.Logger

	closed bool
	mu     sync.RWMutex
}

// Connect creates the InfluxDB client, pings the server and starts the
// batching write API.
func Connect(cfg config.InfluxDBConfig, logger *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = defaultFlushSeconds
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(flushInterval*millisPerSecond))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	w := &Writer{client: client, api: writeAPI, logger: logger.Named("history")}
	go w.logErrors(writeAPI.Errors())

	w.logger.Info("Connected to InfluxDB", zap.String("url", cfg.URL), zap.String("bucket", cfg.Bucket))
	return w, nil
}

// NewWriter wraps an existing write API
func NewWriter(api PointWriter, logger *zap.Logger) *Writer {
	return &Writer{api: api, logger: logger.Named("history")}
}

func (w *Writer) logErrors(errs <-chan error) {
	for err := range errs {
		w.logger.Warn("InfluxDB write failed", zap.Error(err))
	}
}

// Point converts a snapshot into a point. Unset values are left out.
func Point(snap humidifier.Snapshot, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"is_on":     snap.IsOn,
		"available": snap.Available,
	}
	if snap.TargetHumidity != nil {
		fields["target_humidity"] = *snap.TargetHumidity
	}
	if snap.CurrentHumidity != nil {
		fields["current_humidity"] = *snap.CurrentHumidity
	}
	if snap.Mode != nil {
		fields["mode"] = *snap.Mode
	}
	if snap.Action != nil {
		fields["action"] = *snap.Action
	}

	tags := map[string]string{
		"entity_id":    snap.EntityID,
		"device_class": string(snap.DeviceClass),
	}
	return write.NewPoint(Measurement, tags, fields, at)
}

// Record queues a point for snap
func (w *Writer) Record(snap humidifier.Snapshot) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}

	at := snap.LastUpdated
	if at.IsZero() {
		at = time.Now()
	}
	w.api.WritePoint(Point(snap, at))
}

// Attach records every snapshot published by the platform
func (w *Writer) Attach(p *humidifier.Platform) {
	p.OnStateWritten(w.Record)
}

// Close flushes pending points and closes the client
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
