package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	subscribers  subscriberSet
	subsMu       sync.RWMutex
	nextSubID    int
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	events       []FiredEvent
	callsMu      sync.Mutex

	// ServiceError, when set, is returned by every CallService
	ServiceError error
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Target  *ServiceTarget
	Time    time.Time
}

// FiredEvent records a fire_event request for testing
type FiredEvent struct {
	EventType string
	Data      map[string]interface{}
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		subscribers:  make(subscriberSet),
		serviceCalls: make([]ServiceCall, 0),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// CallService records a service call and applies it to targeted input_* entities
func (m *MockClient) CallService(domain, service string, data map[string]interface{}, target *ServiceTarget) error {
	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Target:  target,
		Time:    time.Now(),
	})
	err := m.ServiceError
	m.callsMu.Unlock()

	if err != nil {
		return err
	}

	var entityIDs []string
	if target != nil {
		entityIDs = append(entityIDs, target.EntityID...)
	}
	if entityID, ok := data["entity_id"].(string); ok {
		entityIDs = append(entityIDs, entityID)
	}
	for _, entityID := range entityIDs {
		m.updateStateFromServiceCall(entityID, domain, service, data)
	}

	return nil
}

// FireEvent records a fired event
func (m *MockClient) FireEvent(eventType string, data map[string]interface{}) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.events = append(m.events, FiredEvent{EventType: eventType, Data: data})
	return nil
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.subscribers.add(entityID, subID, handler)
	m.subsMu.Unlock()

	return funcSubscription(func() error {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		m.subscribers.remove(entityID, subID)
		return nil
	}), nil
}

// SubscriberCount returns how many handlers are registered for entityID
func (m *MockClient) SubscriberCount(entityID string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subscribers[entityID])
}

// SetState sets a mock state and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	now := time.Now()
	oldState := m.states[entityID]

	if attributes == nil {
		attributes = make(map[string]interface{})
	}
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// SimulateStateChange changes only the state string, keeping attributes
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.RLock()
	var attributes map[string]interface{}
	if old := m.states[entityID]; old != nil {
		attributes = old.Attributes
	}
	m.statesMu.RUnlock()

	m.SetState(entityID, newStateValue, attributes)
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// GetFiredEvents returns all recorded events
func (m *MockClient) GetFiredEvents() []FiredEvent {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	events := make([]FiredEvent, len(m.events))
	copy(events, m.events)
	return events
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
	m.events = nil
}

// updateStateFromServiceCall mimics the input_* and switch services
func (m *MockClient) updateStateFromServiceCall(entityID, domain, service string, data map[string]interface{}) {
	m.statesMu.RLock()
	var newStateValue string
	var attributes map[string]interface{}
	if old := m.states[entityID]; old != nil {
		newStateValue = old.State
		attributes = old.Attributes
	}
	m.statesMu.RUnlock()

	switch {
	case service == "turn_on":
		newStateValue = "on"
	case service == "turn_off":
		newStateValue = "off"
	case service == "set_value" && domain == "input_number":
		if value, ok := toFloat(data["value"]); ok {
			newStateValue = fmt.Sprintf("%.1f", value)
		}
	case service == "set_value" && domain == "input_text":
		if value, ok := data["value"].(string); ok {
			newStateValue = value
		}
	case service == "select_option":
		if value, ok := data["option"].(string); ok {
			newStateValue = value
		}
	default:
		return
	}

	m.SetState(entityID, newStateValue, attributes)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// notifySubscribers notifies all subscribers of a state change
func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := m.subscribers.handlersFor(entityID)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}
