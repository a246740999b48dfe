package shadowstate

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var testTime = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

func TestTrackerRegister(t *testing.T) {
	tracker := NewTracker()
	callCount := 0

	tracker.Register("humidifier.bedroom", func() EntityShadowState {
		callCount++
		return NewHumidifierShadowState("humidifier.bedroom")
	})

	state, ok := tracker.Get("humidifier.bedroom")
	if !ok {
		t.Fatal("Failed to retrieve state from provider")
	}
	if state.GetMetadata().EntityID != "humidifier.bedroom" {
		t.Errorf("Expected entity id humidifier.bedroom, got %q", state.GetMetadata().EntityID)
	}
	if callCount != 1 {
		t.Errorf("Expected provider to be called once, was called %d times", callCount)
	}

	if _, ok := tracker.Get("humidifier.missing"); ok {
		t.Error("Expected missing entity to be absent")
	}

	tracker.Unregister("humidifier.bedroom")
	if len(tracker.All()) != 0 {
		t.Error("Expected no states after unregister")
	}
}

func TestTrackerAll(t *testing.T) {
	tracker := NewTracker()
	for _, id := range []string{"humidifier.a", "humidifier.b"} {
		ht := NewHumidifierTracker(id)
		tracker.Register(id, func() EntityShadowState { return ht.GetState() })
	}

	states := tracker.All()
	if len(states) != 2 {
		t.Fatalf("Expected 2 states, got %d", len(states))
	}
	if _, ok := states["humidifier.b"]; !ok {
		t.Error("Expected humidifier.b in all states")
	}
}

func TestHumidifierTrackerRecordRender(t *testing.T) {
	ht := NewHumidifierTracker("humidifier.bedroom")

	ht.RecordRender("target_humidity", "55", nil, []string{"input_number.target"}, testTime)
	ht.RecordRender("mode", "eco", errors.New("boom"), nil, testTime)

	state := ht.GetState()
	target := state.Outputs.Templates["target_humidity"]
	if target.Result != "55" || target.Error != "" {
		t.Errorf("Unexpected target output: %+v", target)
	}
	if len(target.Entities) != 1 || target.Entities[0] != "input_number.target" {
		t.Errorf("Unexpected entities: %v", target.Entities)
	}

	mode := state.Outputs.Templates["mode"]
	if mode.Result != "" || mode.Error != "boom" {
		t.Errorf("Failed render should keep only the error: %+v", mode)
	}
	if !state.Metadata.LastUpdated.Equal(testTime) {
		t.Errorf("Expected LastUpdated %v, got %v", testTime, state.Metadata.LastUpdated)
	}
}

func TestHumidifierTrackerRecordAction(t *testing.T) {
	ht := NewHumidifierTracker("humidifier.bedroom")
	ht.UpdateCurrentInputs(map[string]interface{}{"sensor.humidity": "45"}, testTime)

	ht.RecordAction("set_humidity", "api", map[string]interface{}{"humidity": 55}, testTime.Add(time.Minute))
	ht.UpdateCurrentInputs(map[string]interface{}{"sensor.humidity": "50"}, testTime.Add(2*time.Minute))

	state := ht.GetState()
	if state.Inputs.AtLastAction["sensor.humidity"] != "45" {
		t.Errorf("Expected at-last-action input 45, got %v", state.Inputs.AtLastAction["sensor.humidity"])
	}
	if state.Inputs.Current["sensor.humidity"] != "50" {
		t.Errorf("Expected current input 50, got %v", state.Inputs.Current["sensor.humidity"])
	}
	if state.Outputs.LastAction == nil || state.Outputs.LastAction.ActionType != "set_humidity" {
		t.Fatalf("Unexpected last action: %+v", state.Outputs.LastAction)
	}
	if !state.Outputs.LastActionTime.Equal(testTime.Add(time.Minute)) {
		t.Errorf("Unexpected last action time %v", state.Outputs.LastActionTime)
	}
}

func TestHumidifierTrackerGetStateIsCopy(t *testing.T) {
	ht := NewHumidifierTracker("humidifier.bedroom")
	ht.UpdateCurrentInputs(map[string]interface{}{"sensor.humidity": "45"}, testTime)

	state := ht.GetState()
	state.Inputs.Current["sensor.humidity"] = "99"

	if ht.GetState().Inputs.Current["sensor.humidity"] != "45" {
		t.Error("Modifying the copy changed the tracker")
	}
}

func TestHumidifierTrackerConcurrentAccess(t *testing.T) {
	ht := NewHumidifierTracker("humidifier.bedroom")
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ht.UpdateCurrentInputs(map[string]interface{}{fmt.Sprintf("sensor.%d", i): i}, testTime)
			ht.RecordRender("state", "on", nil, nil, testTime)
		}(i)
		go func() {
			defer wg.Done()
			_ = ht.GetState()
		}()
	}
	wg.Wait()

	if len(ht.GetState().Inputs.Current) != 20 {
		t.Errorf("Expected 20 inputs, got %d", len(ht.GetState().Inputs.Current))
	}
}
