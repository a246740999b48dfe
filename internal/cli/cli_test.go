package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"templatehumidifier/internal/ha"
	"templatehumidifier/internal/state"
	"templatehumidifier/internal/template"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validConfig = `
homeassistant:
  url: ws://homeassistant.local:8123/api/websocket
  token: secret
humidifier:
  - name: Bedroom
    unique_id: bedroom
    state_template: "{{ states('input_boolean.bedroom') }}"
    turn_on_action:
      - action: input_boolean.turn_on
        target:
          entity_id: input_boolean.bedroom
  - name: Bedroom
    device_class: dehumidifier
    min_humidity: 30
    max_humidity: 60
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidateCommand(t *testing.T) {
	path := writeFile(t, "config.yaml", validConfig)

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "humidifier.bedroom (Bedroom) humidifier 40-70% templates=[state] actions=[turn_on]")
	assert.Contains(t, out, "humidifier.bedroom_2 (Bedroom) dehumidifier 30-60% templates=[] actions=[]")
	assert.Contains(t, out, "OK: 2 humidifier(s)")
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := writeFile(t, "config.yaml", `
homeassistant:
  url: ws://homeassistant.local:8123/api/websocket
  token: secret
humidifier:
  - name: Broken
    min_humidity: 80
    max_humidity: 20
`)

	_, err := execute(t, "validate", "--config", path)
	assert.Error(t, err)

	_, err = execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRootCommand_DefaultsToRun(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")

	_, err = execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestRenderCommand_RequiresTemplate(t *testing.T) {
	_, err := execute(t, "render")
	assert.Error(t, err)
}

func TestPrintRender(t *testing.T) {
	client := ha.NewMockClient()
	client.SetState("sensor.bedroom_humidity", "41.5", nil)
	states := state.NewManager(client, zap.NewNop())
	require.NoError(t, states.SyncFromHA())
	defer states.Close()

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	require.NoError(t, printRender(cmd, template.NewEngine(states), "{{ states('sensor.bedroom_humidity') }}"))
	assert.Contains(t, out.String(), "result:   41.5")
	assert.Contains(t, out.String(), "type:     float64")
	assert.Contains(t, out.String(), "entities: sensor.bedroom_humidity")

	assert.Error(t, printRender(cmd, template.NewEngine(states), "{% if %}"))
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := newLogger(level, false)
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}

	_, err := newLogger("verbose", false)
	assert.Error(t, err)

	logger, err := newLogger("verbose", true)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestCleanupRunsInReverse(t *testing.T) {
	var order []string
	c := &cleanup{logger: zap.NewNop()}
	c.add("first", func() error { order = append(order, "first"); return nil })
	c.add("second", func() error { order = append(order, "second"); return assert.AnError })
	c.run()

	assert.Equal(t, []string{"second", "first"}, order)
}
