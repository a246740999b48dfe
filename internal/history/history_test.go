package history

import (
	"strings"
	"sync"
	"testing"
	"time"

	"templatehumidifier/internal/config"
	"templatehumidifier/internal/humidifier"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriteAPI struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *fakeWriteAPI) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeWriteAPI) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func fields(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func TestPoint(t *testing.T) {
	target, current := 55.0, 41.5
	mode, action := "eco", "humidifying"
	at := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

	p := Point(humidifier.Snapshot{
		EntityID:        "humidifier.bedroom",
		Available:       true,
		IsOn:            true,
		TargetHumidity:  &target,
		CurrentHumidity: &current,
		Mode:            &mode,
		Action:          &action,
		DeviceClass:     humidifier.DeviceClassHumidifier,
	}, at)

	assert.Equal(t, Measurement, p.Name())
	assert.Equal(t, at, p.Time())
	assert.Equal(t, map[string]string{"entity_id": "humidifier.bedroom", "device_class": "humidifier"}, tags(p))

	f := fields(p)
	assert.Equal(t, true, f["is_on"])
	assert.Equal(t, 55.0, f["target_humidity"])
	assert.Equal(t, 41.5, f["current_humidity"])
	assert.Equal(t, "eco", f["mode"])
	assert.Equal(t, "humidifying", f["action"])
}

func TestPoint_OmitsUnset(t *testing.T) {
	p := Point(humidifier.Snapshot{EntityID: "humidifier.plain"}, time.Now())

	f := fields(p)
	assert.Len(t, f, 2)
	assert.Equal(t, false, f["is_on"])
	assert.NotContains(t, f, "mode")
}

func TestWriter_RecordAndClose(t *testing.T) {
	api := &fakeWriteAPI{}
	w := NewWriter(api, zap.NewNop())

	w.Record(humidifier.Snapshot{EntityID: "humidifier.a", LastUpdated: time.Now()})
	w.Record(humidifier.Snapshot{EntityID: "humidifier.b"})
	require.NoError(t, w.Close())
	w.Record(humidifier.Snapshot{EntityID: "humidifier.c"})
	require.NoError(t, w.Close())

	require.Len(t, api.points, 2)
	assert.False(t, api.points[1].Time().IsZero())
	assert.Equal(t, 1, api.flushes)
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1",
		Org:     "home",
		Bucket:  "humidifiers",
	}, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.True(t, strings.Contains(err.Error(), "ping"))
}
