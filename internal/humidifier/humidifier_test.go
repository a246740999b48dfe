package humidifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"templatehumidifier/internal/clock"
	"templatehumidifier/internal/ha"
	"templatehumidifier/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var testStart = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

func parseConfig(t *testing.T, src string) Config {
	t.Helper()
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	return cfg
}

type fixture struct {
	client *ha.MockClient
	states *state.Manager
	clock  *clock.MockClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := ha.NewMockClient()
	client.SetState("input_boolean.power", "on", nil)
	client.SetState("input_number.target", "45.0", nil)
	client.SetState("sensor.humidity", "38.5", nil)
	client.SetState("input_select.mode", " eco ", nil)
	client.SetState("sensor.action", "humidifying", nil)

	mgr := state.NewManager(client, zap.NewNop())
	require.NoError(t, mgr.SyncFromHA())
	t.Cleanup(mgr.Close)

	return &fixture{client: client, states: mgr, clock: clock.NewMockClock(testStart)}
}

func (f *fixture) build(t *testing.T, src string) *Humidifier {
	t.Helper()
	h := New(parseConfig(t, src), "humidifier.test", f.states, f.client, f.clock, zap.NewNop())
	t.Cleanup(h.Stop)
	return h
}

// recorder collects published snapshots
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) listen(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

const fullConfig = `
name: Bedroom Humidifier
unique_id: bedroom_humidifier
state_template: "{{ states('input_boolean.power') }}"
target_humidity_template: "{{ states('input_number.target') }}"
current_humidity_template: "{{ states('sensor.humidity') }}"
mode_template: "{{ states('input_select.mode') }}"
action_template: "{{ states('sensor.action') }}"
`

func TestNew_InitialState(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, `name: Plain`)

	snap := h.Snapshot()
	assert.False(t, snap.IsOn)
	assert.True(t, snap.Available)
	assert.Nil(t, snap.TargetHumidity)
	assert.Nil(t, snap.CurrentHumidity)
	assert.Nil(t, snap.Mode)
	assert.Nil(t, snap.Action)
	assert.Equal(t, FeatureModes, snap.SupportedFeatures)
	assert.Equal(t, DeviceClassHumidifier, snap.DeviceClass)
	assert.Equal(t, "off", snap.State())
}

func TestStart_RendersAndPublishes(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, fullConfig)
	rec := &recorder{}
	h.OnStateWritten(rec.listen)

	require.NoError(t, h.Start())

	require.Equal(t, 1, rec.count())
	snap := rec.last()
	assert.True(t, snap.IsOn)
	require.NotNil(t, snap.TargetHumidity)
	assert.Equal(t, 45.0, *snap.TargetHumidity)
	require.NotNil(t, snap.CurrentHumidity)
	assert.Equal(t, 38.5, *snap.CurrentHumidity)
	require.NotNil(t, snap.Mode)
	assert.Equal(t, "eco", *snap.Mode)
	require.NotNil(t, snap.Action)
	assert.Equal(t, "humidifying", *snap.Action)
	assert.Equal(t, testStart, snap.LastUpdated)

	assert.Equal(t, []string{
		"input_boolean.power",
		"input_number.target",
		"input_select.mode",
		"sensor.action",
		"sensor.humidity",
	}, h.TrackedEntities())
	assert.Equal(t, 1, f.states.SubscriberCount("sensor.humidity"))

	assert.Error(t, h.Start())
}

func TestStart_FailingTemplateContributesNoEntities(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("sensor.broken", "unavailable", nil)
	h := f.build(t, `
state_template: "{{ states('input_boolean.power') }}"
target_humidity_template: "{{ states('sensor.broken') | int }}"
`)

	require.NoError(t, h.Start())

	assert.Equal(t, []string{"input_boolean.power"}, h.TrackedEntities())
	assert.True(t, h.Snapshot().IsOn)
	assert.Nil(t, h.Snapshot().TargetHumidity)
}

func TestUpdate_StateCoercion(t *testing.T) {
	tests := []struct {
		value    string
		expected bool
	}{
		{"on", true},
		{"On", true},
		{"ON", true},
		{"True", true},
		{"true", true},
		{"1", true},
		{"off", false},
		{"Off", false},
		{"OFF", false},
		{"False", false},
		{"false", false},
		{"0", false},
		{"0.0", false},
		{"humidifying", true},
		{"2", true},
	}

	f := newFixture(t)
	h := f.build(t, `state_template: "{{ states('input_text.power') }}"`)
	f.states.Set("input_text.power", "off", nil)
	require.NoError(t, h.Start())

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			f.states.Set("input_text.power", tt.value, nil)
			assert.Equal(t, tt.expected, h.Snapshot().IsOn)
		})
	}
}

func TestUpdate_FailureKeepsPreviousValue(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, `
target_humidity_template: "{{ states('input_text.target') }}"
mode_template: "{{ states('input_select.mode') }}"
`)
	f.states.Set("input_text.target", "55", nil)
	require.NoError(t, h.Start())
	require.NotNil(t, h.Snapshot().TargetHumidity)
	assert.Equal(t, 55.0, *h.Snapshot().TargetHumidity)

	f.states.Set("input_text.target", "not a number", nil)
	require.NotNil(t, h.Snapshot().TargetHumidity)
	assert.Equal(t, 55.0, *h.Snapshot().TargetHumidity)

	f.states.Set("input_select.mode", "sleep", nil)
	assert.Equal(t, "sleep", *h.Snapshot().Mode)

	shadow := h.ShadowState()
	assert.Empty(t, shadow.Outputs.Templates["mode"].Error)
	assert.Equal(t, "sleep", shadow.Outputs.Templates["mode"].Result)
}

func TestUpdate_UnavailableSensorKeepsHumidity(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("sensor.hum", "47.5", nil)
	h := f.build(t, `current_humidity_template: "{{ states('sensor.hum') | float }}"`)
	require.NoError(t, h.Start())
	require.NotNil(t, h.Snapshot().CurrentHumidity)
	assert.Equal(t, 47.5, *h.Snapshot().CurrentHumidity)

	for _, value := range []string{"unavailable", "unknown"} {
		f.client.SetState("sensor.hum", value, nil)
		require.NotNil(t, h.Snapshot().CurrentHumidity, value)
		assert.Equal(t, 47.5, *h.Snapshot().CurrentHumidity, value)
	}

	f.client.SetState("sensor.hum", "44", nil)
	assert.Equal(t, 44.0, *h.Snapshot().CurrentHumidity)
}

func TestUpdate_RenderErrorKeepsValueOthersUpdate(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, `
target_humidity_template: "{{ states('input_text.target') | int }}"
current_humidity_template: "{{ states('sensor.humidity') }}"
mode_template: "{{ states('input_select.mode') }}"
`)
	f.states.Set("input_text.target", "50", nil)
	require.NoError(t, h.Start())
	assert.Equal(t, 50.0, *h.Snapshot().TargetHumidity)

	f.states.Set("input_text.target", "high", nil)
	f.client.SetState("sensor.humidity", "61", nil)
	f.states.Set("input_select.mode", "away", nil)

	snap := h.Snapshot()
	require.NotNil(t, snap.TargetHumidity)
	assert.Equal(t, 50.0, *snap.TargetHumidity)
	assert.Equal(t, 61.0, *snap.CurrentHumidity)
	assert.Equal(t, "away", *snap.Mode)

	shadow := h.ShadowState()
	assert.NotEmpty(t, shadow.Outputs.Templates["target_humidity"].Error)
	assert.Empty(t, shadow.Outputs.Templates["current_humidity"].Error)
}

func TestPublish_OrderMatchesSnapshots(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, `current_humidity_template: "{{ states('sensor.humidity') }}"`)
	require.NoError(t, h.Start())

	rec := &recorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.OnStateWritten(func(s Snapshot) {
		rec.listen(s)
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	updated := make(chan struct{})
	go func() {
		f.client.SetState("sensor.humidity", "40", nil)
		close(updated)
	}()
	<-entered

	turnedOn := make(chan error, 1)
	go func() { turnedOn <- h.TurnOn(context.Background()) }()

	select {
	case <-turnedOn:
		t.Fatal("optimistic write published while an earlier snapshot was still being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-updated
	require.NoError(t, <-turnedOn)

	require.Equal(t, 2, rec.count())
	assert.False(t, rec.snaps[0].IsOn)
	assert.True(t, rec.last().IsOn)
	assert.True(t, h.Snapshot().IsOn)
}

func TestUpdate_FollowsStateChanges(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, fullConfig)
	rec := &recorder{}
	h.OnStateWritten(rec.listen)
	require.NoError(t, h.Start())

	f.client.SetState("sensor.humidity", "41.2", nil)

	assert.Equal(t, 2, rec.count())
	require.NotNil(t, rec.last().CurrentHumidity)
	assert.Equal(t, 41.2, *rec.last().CurrentHumidity)

	f.client.SetState("sensor.unrelated", "1", nil)
	assert.Equal(t, 2, rec.count())
}

func TestUpdate_TrackingRefresh(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("input_boolean.use_a", "on", nil)
	f.client.SetState("sensor.a", "40", nil)
	f.client.SetState("sensor.b", "60", nil)
	h := f.build(t, `current_humidity_template: "{% if is_state('input_boolean.use_a', 'on') %}{{ states('sensor.a') }}{% else %}{{ states('sensor.b') }}{% endif %}"`)

	require.NoError(t, h.Start())
	assert.Equal(t, []string{"input_boolean.use_a", "sensor.a"}, h.TrackedEntities())

	f.client.SetState("input_boolean.use_a", "off", nil)
	assert.Equal(t, []string{"input_boolean.use_a", "sensor.a", "sensor.b"}, h.TrackedEntities())
	assert.Equal(t, 60.0, *h.Snapshot().CurrentHumidity)

	f.client.SetState("sensor.b", "65", nil)
	assert.Equal(t, 65.0, *h.Snapshot().CurrentHumidity)
}

func TestUpdate_Availability(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("binary_sensor.online", "on", nil)
	h := f.build(t, `
availability_template: "{{ is_state('binary_sensor.online', 'on') }}"
state_template: "on"
`)
	require.NoError(t, h.Start())
	assert.Equal(t, "on", h.Snapshot().State())

	f.client.SetState("binary_sensor.online", "off", nil)
	assert.False(t, h.Snapshot().Available)
	assert.Equal(t, "unavailable", h.Snapshot().State())
}

func TestStop_Unsubscribes(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, fullConfig)
	rec := &recorder{}
	h.OnStateWritten(rec.listen)
	require.NoError(t, h.Start())

	h.Stop()
	assert.Equal(t, 0, f.states.SubscriberCount("sensor.humidity"))

	f.client.SetState("sensor.humidity", "50", nil)
	assert.Equal(t, 1, rec.count())
}

func TestDispatch_Optimistic(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, `name: Optimistic`)
	rec := &recorder{}
	h.OnStateWritten(rec.listen)
	require.NoError(t, h.Start())
	ctx := context.Background()

	require.NoError(t, h.TurnOn(ctx))
	assert.True(t, rec.last().IsOn)

	require.NoError(t, h.SetHumidity(ctx, 55))
	require.NotNil(t, rec.last().TargetHumidity)
	assert.Equal(t, 55.0, *rec.last().TargetHumidity)

	require.NoError(t, h.SetMode(ctx, "boost"))
	require.NotNil(t, rec.last().Mode)
	assert.Equal(t, "boost", *rec.last().Mode)

	require.NoError(t, h.TurnOff(ctx))
	assert.False(t, rec.last().IsOn)

	assert.Equal(t, 5, rec.count())
	assert.Empty(t, f.client.GetServiceCalls())
}

func TestDispatch_Scripts(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, fullConfig+`
turn_on_action:
  - action: input_boolean.turn_on
    target:
      entity_id: input_boolean.power
turn_off_action:
  - action: input_boolean.turn_off
    target:
      entity_id: input_boolean.power
set_target_humidity_action:
  - action: input_number.set_value
    target:
      entity_id: input_number.target
    data:
      value: "{{ humidity }}"
set_mode_action:
  - action: input_select.select_option
    target:
      entity_id: input_select.mode
    data:
      option: "{{ mode }}"
`)
	require.NoError(t, h.Start())
	ctx := context.Background()

	require.NoError(t, h.SetHumidity(ctx, 60))
	calls := f.client.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "input_number", calls[0].Domain)
	assert.Equal(t, "set_value", calls[0].Service)
	assert.Equal(t, int64(60), calls[0].Data["value"])
	assert.Equal(t, 60.0, *h.Snapshot().TargetHumidity)

	require.NoError(t, h.SetMode(ctx, "sleep"))
	assert.Equal(t, "sleep", *h.Snapshot().Mode)

	require.NoError(t, h.TurnOff(ctx))
	assert.False(t, h.Snapshot().IsOn)

	require.NoError(t, h.TurnOn(ctx))
	assert.True(t, h.Snapshot().IsOn)

	assert.Len(t, f.client.GetServiceCalls(), 4)

	shadow := h.ShadowState()
	require.NotNil(t, shadow.Outputs.LastAction)
	assert.Equal(t, "turn_on", shadow.Outputs.LastAction.ActionType)
	assert.Equal(t, "off", shadow.Inputs.AtLastAction["input_boolean.power"])
}

func TestDispatch_ScriptError(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, `
turn_on_action:
  - action: switch.turn_on
    target:
      entity_id: switch.humidifier
`)
	require.NoError(t, h.Start())
	f.client.ServiceError = errors.New("service unavailable")

	err := h.TurnOn(context.Background())
	require.Error(t, err)
	assert.False(t, h.Snapshot().IsOn)
}

func TestDispatch_Validation(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, `
min_humidity: 30
max_humidity: 60
modes: [normal, eco]
`)
	require.NoError(t, h.Start())
	ctx := context.Background()

	assert.ErrorIs(t, h.SetHumidity(ctx, 61), ErrHumidityOutOfRange)
	assert.ErrorIs(t, h.SetHumidity(ctx, 29), ErrHumidityOutOfRange)
	assert.NoError(t, h.SetHumidity(ctx, 30))
	assert.NoError(t, h.SetHumidity(ctx, 60))

	assert.ErrorIs(t, h.SetMode(ctx, "boost"), ErrInvalidMode)
	assert.NoError(t, h.SetMode(ctx, "eco"))

	noModes := f.build(t, `modes: []`)
	assert.Equal(t, Feature(0), noModes.SupportedFeatures())
	err := noModes.SetMode(ctx, "eco")
	assert.ErrorIs(t, err, ErrModesNotSupported)
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	target := 52.0
	mode := "away"

	optimistic := f.build(t, `name: Optimistic`)
	optimistic.Restore(Restored{IsOn: true, TargetHumidity: &target, Mode: &mode})
	require.NoError(t, optimistic.Start())
	snap := optimistic.Snapshot()
	assert.True(t, snap.IsOn)
	assert.Equal(t, 52.0, *snap.TargetHumidity)
	assert.Equal(t, "away", *snap.Mode)

	templated := f.build(t, fullConfig)
	templated.Restore(Restored{IsOn: false, TargetHumidity: &target, Mode: &mode})
	require.NoError(t, templated.Start())
	snap = templated.Snapshot()
	assert.True(t, snap.IsOn)
	assert.Equal(t, 45.0, *snap.TargetHumidity)
	assert.Equal(t, "eco", *snap.Mode)
}

func TestSnapshot_Attributes(t *testing.T) {
	f := newFixture(t)
	h := f.build(t, fullConfig)
	require.NoError(t, h.Start())

	attrs := h.Snapshot().Attributes()
	assert.Equal(t, "Bedroom Humidifier", attrs["friendly_name"])
	assert.Equal(t, 45.0, attrs["humidity"])
	assert.Equal(t, 38.5, attrs["current_humidity"])
	assert.Equal(t, "eco", attrs["mode"])
	assert.Equal(t, "humidifying", attrs["action"])
	assert.Equal(t, 1, attrs["supported_features"])
	assert.Equal(t, 40.0, attrs["min_humidity"])
	assert.Equal(t, 70.0, attrs["max_humidity"])
}
