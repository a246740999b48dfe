// Package shadowstate records what each humidifier last read and produced:
// the entity states its templates consumed, the result of every template
// render and the last control action, so the API can explain a published
// state.
package shadowstate

import "time"

// EntityShadowState is the interface every tracked entity state implements
type EntityShadowState interface {
	GetCurrentInputs() map[string]interface{}
	GetLastActionInputs() map[string]interface{}
	GetOutputs() interface{}
	GetMetadata() StateMetadata
}

// StateMetadata contains metadata about the shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	EntityID    string    `json:"entityId"`
}

// ActionRecord represents a single control operation
type ActionRecord struct {
	Timestamp  time.Time              `json:"timestamp"`
	ActionType string                 `json:"actionType"`
	Reason     string                 `json:"reason"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// TemplateOutput is the outcome of the last render of one template
type TemplateOutput struct {
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Entities   []string  `json:"entities,omitempty"`
	RenderedAt time.Time `json:"renderedAt"`
}

// HumidifierShadowState represents the shadow state of one template humidifier
type HumidifierShadowState struct {
	Entity   string            `json:"entity"`
	Inputs   HumidifierInputs  `json:"inputs"`
	Outputs  HumidifierOutputs `json:"outputs"`
	Metadata StateMetadata     `json:"metadata"`
}

// HumidifierInputs tracks current and last-action entity states
type HumidifierInputs struct {
	Current      map[string]interface{} `json:"current"`
	AtLastAction map[string]interface{} `json:"atLastAction"`
}

// HumidifierOutputs tracks template results and the last action
type HumidifierOutputs struct {
	Templates      map[string]TemplateOutput `json:"templates"`
	LastAction     *ActionRecord             `json:"lastAction,omitempty"`
	LastActionTime time.Time                 `json:"lastActionTime"`
}

// NewHumidifierShadowState creates an empty shadow state for entityID
func NewHumidifierShadowState(entityID string) *HumidifierShadowState {
	return &HumidifierShadowState{
		Entity: entityID,
		Inputs: HumidifierInputs{
			Current:      make(map[string]interface{}),
			AtLastAction: make(map[string]interface{}),
		},
		Outputs: HumidifierOutputs{
			Templates: make(map[string]TemplateOutput),
		},
		Metadata: StateMetadata{EntityID: entityID},
	}
}

// GetCurrentInputs implements EntityShadowState
func (h *HumidifierShadowState) GetCurrentInputs() map[string]interface{} {
	return h.Inputs.Current
}

// GetLastActionInputs implements EntityShadowState
func (h *HumidifierShadowState) GetLastActionInputs() map[string]interface{} {
	return h.Inputs.AtLastAction
}

// GetOutputs implements EntityShadowState
func (h *HumidifierShadowState) GetOutputs() interface{} {
	return h.Outputs
}

// GetMetadata implements EntityShadowState
func (h *HumidifierShadowState) GetMetadata() StateMetadata {
	return h.Metadata
}
