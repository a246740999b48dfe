package humidifier

import (
	"errors"
	"testing"

	"templatehumidifier/internal/shadowstate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryRestore map[string]Restored

func (m memoryRestore) Load(key string) (Restored, bool, error) {
	if key == "broken" {
		return Restored{}, false, errors.New("corrupt row")
	}
	r, ok := m[key]
	return r, ok, nil
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Template Humidifier", "template_humidifier"},
		{"Bedroom  (main)", "bedroom_main"},
		{"  Kid's Room 2 ", "kid_s_room_2"},
		{"Salle de séjour", "salle_de_s_jour"},
		{"!!!", "unnamed"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestNewPlatform(t *testing.T) {
	f := newFixture(t)
	configs := []Config{
		parseConfig(t, `{name: Bedroom, unique_id: bedroom}`),
		parseConfig(t, `{name: Bedroom}`),
		parseConfig(t, `{}`),
	}
	shadow := shadowstate.NewTracker()

	p, err := NewPlatform(configs, f.states, f.client, f.clock, shadow, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	ids := make([]string, 0, 3)
	for _, h := range p.Humidifiers() {
		ids = append(ids, h.EntityID())
	}
	assert.Equal(t, []string{"humidifier.bedroom", "humidifier.bedroom_2", "humidifier.template_humidifier"}, ids)

	h, err := p.Get("bedroom")
	require.NoError(t, err)
	assert.Equal(t, "humidifier.bedroom", h.EntityID())

	h, err = p.Get("humidifier.bedroom_2")
	require.NoError(t, err)
	assert.Equal(t, "Bedroom", h.Name())

	h, err = p.Get("template_humidifier")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, h.Name())

	_, err = p.Get("humidifier.kitchen")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, shadow.All(), 3)
}

func TestNewPlatform_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := NewPlatform([]Config{
		parseConfig(t, `{name: A, unique_id: same}`),
		parseConfig(t, `{name: B, unique_id: same}`),
	}, f.states, f.client, f.clock, nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewPlatform([]Config{
		parseConfig(t, `{min_humidity: 80, max_humidity: 20}`),
	}, f.states, f.client, f.clock, nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPlatform_Lifecycle(t *testing.T) {
	f := newFixture(t)
	configs := []Config{
		parseConfig(t, fullConfig),
		parseConfig(t, `{name: Optimistic}`),
		parseConfig(t, `{name: Broken, unique_id: broken}`),
	}
	p, err := NewPlatform(configs, f.states, f.client, f.clock, nil, zap.NewNop())
	require.NoError(t, err)

	rec := &recorder{}
	p.OnStateWritten(rec.listen)

	target := 50.0
	p.RestoreFrom(memoryRestore{
		"humidifier.optimistic": {IsOn: true, TargetHumidity: &target},
	})

	require.NoError(t, p.Start())
	assert.Equal(t, 3, rec.count())

	snaps := p.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "humidifier.bedroom_humidifier", snaps[0].EntityID)
	assert.Equal(t, "humidifier.broken", snaps[1].EntityID)
	assert.Equal(t, "humidifier.optimistic", snaps[2].EntityID)
	assert.True(t, snaps[2].IsOn)
	assert.Equal(t, 50.0, *snaps[2].TargetHumidity)

	p.Stop()
	assert.Equal(t, 0, f.states.SubscriberCount("sensor.humidity"))
}

func TestStorageKey(t *testing.T) {
	f := newFixture(t)
	withID := f.build(t, `{name: A, unique_id: a_id}`)
	withoutID := f.build(t, `{name: B}`)

	assert.Equal(t, "a_id", StorageKey(withID))
	assert.Equal(t, "humidifier.test", StorageKey(withoutID))
}
