package ha

import (
	"encoding/json"
	"time"
)

// AllEntities subscribes a handler to every state_changed event.
const AllEntities = "*"

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Attribute returns a single attribute value, or nil when absent.
func (s *State) Attribute(name string) interface{} {
	if s == nil || s.Attributes == nil {
		return nil
	}
	return s.Attributes[name]
}

// Context represents the context of a state change
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      *ServiceTarget         `json:"target,omitempty"`
}

// ServiceTarget represents service call target
type ServiceTarget struct {
	EntityID []string `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	DeviceID []string `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	AreaID   []string `json:"area_id,omitempty" yaml:"area_id,omitempty"`
}

// IsEmpty reports whether the target names nothing.
func (t *ServiceTarget) IsEmpty() bool {
	return t == nil || (len(t.EntityID) == 0 && len(t.DeviceID) == 0 && len(t.AreaID) == 0)
}

// FireEventRequest represents a fire_event request
type FireEventRequest struct {
	ID        int                    `json:"id"`
	Type      string                 `json:"type"`
	EventType string                 `json:"event_type"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscriberSet is the per-entity handler table shared by Client and MockClient.
type subscriberSet map[string][]subscriberEntry

func (s subscriberSet) add(entityID string, subID int, handler StateChangeHandler) {
	s[entityID] = append(s[entityID], subscriberEntry{subID: subID, handler: handler})
}

func (s subscriberSet) remove(entityID string, subID int) {
	entries, ok := s[entityID]
	if !ok {
		return
	}
	for i, entry := range entries {
		if entry.subID == subID {
			s[entityID] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(s[entityID]) == 0 {
		delete(s, entityID)
	}
}

// handlersFor returns wildcard handlers first, then the entity's own.
func (s subscriberSet) handlersFor(entityID string) []subscriberEntry {
	entries := append([]subscriberEntry(nil), s[AllEntities]...)
	if entityID != AllEntities {
		entries = append(entries, s[entityID]...)
	}
	return entries
}

// funcSubscription adapts an unsubscribe closure to Subscription
type funcSubscription func() error

func (f funcSubscription) Unsubscribe() error {
	return f()
}
