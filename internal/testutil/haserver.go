// Package testutil provides a fake Home Assistant websocket server for
// tests that exercise the real client end to end.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"templatehumidifier/internal/ha"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper serialises writes to one connection
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) send(msg interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.WriteJSON(msg)
}

// ServiceCall is a call_service request received by the server
type ServiceCall struct {
	Timestamp time.Time
	Domain    string
	Service   string
	Data      map[string]interface{}
	EntityIDs []string
}

// HAServer simulates the Home Assistant websocket API: authentication,
// get_states, subscribe_events, call_service and fire_event. Service calls
// on input helpers and switches update the targeted entities and broadcast
// state_changed events.
type HAServer struct {
	server *httptest.Server
	token  string

	states   map[string]*ha.State
	statesMu sync.RWMutex

	conns   []*connWrapper
	connsMu sync.Mutex

	calls   []ServiceCall
	events  []ha.FireEventRequest
	callsMu sync.Mutex

	failServices map[string]string
}

// NewHAServer starts a server accepting token
func NewHAServer(token string) *HAServer {
	s := &HAServer{
		token:        token,
		states:       make(map[string]*ha.State),
		failServices: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL is the websocket URL clients connect to
func (s *HAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Close disconnects every client and stops the server
func (s *HAServer) Close() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes every client connection, as a restart would
func (s *HAServer) DropConnections() {
	s.connsMu.Lock()
	conns := s.conns
	s.conns = nil
	s.connsMu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// ConnectionCount returns the number of authenticated connections
func (s *HAServer) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// FailService makes domain.service return an error with message
func (s *HAServer) FailService(domain, service, message string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.failServices[domain+"."+service] = message
}

// SetState stores a state and broadcasts state_changed
func (s *HAServer) SetState(entityID, value string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	now := time.Now().UTC()
	s.statesMu.Lock()
	oldState := s.states[entityID]
	newState := &ha.State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState returns the stored state of entityID
func (s *HAServer) GetState(entityID string) *ha.State {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// ServiceCalls returns every call_service received
func (s *HAServer) ServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return append([]ServiceCall(nil), s.calls...)
}

// FiredEvents returns every fire_event received
func (s *HAServer) FiredEvents() []ha.FireEventRequest {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return append([]ha.FireEventRequest(nil), s.events...)
}

// FindServiceCall returns the most recent call matching domain and service
func (s *HAServer) FindServiceCall(domain, service string) *ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].Domain == domain && s.calls[i].Service == service {
			call := s.calls[i]
			return &call
		}
	}
	return nil
}

func (s *HAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer func() {
		s.removeConn(wrapper)
		conn.Close()
	}()

	wrapper.send(ha.Message{Type: "auth_required"})

	var auth ha.AuthMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.send(ha.Message{Type: "auth_invalid"})
		return
	}
	wrapper.send(ha.Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.conns = append(s.conns, wrapper)
	s.connsMu.Unlock()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}

		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events":
			s.reply(wrapper, base.ID, nil, nil)
		case "get_states":
			s.handleGetStates(wrapper, base.ID)
		case "call_service":
			s.handleCallService(wrapper, raw)
		case "fire_event":
			s.handleFireEvent(wrapper, raw)
		default:
			s.reply(wrapper, base.ID, nil, &ha.Error{Code: "unknown_command", Message: "Unknown command."})
		}
	}
}

func (s *HAServer) removeConn(wrapper *connWrapper) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for i, c := range s.conns {
		if c == wrapper {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func (s *HAServer) reply(wrapper *connWrapper, id int, result json.RawMessage, failure *ha.Error) {
	success := failure == nil
	wrapper.send(ha.Message{ID: id, Type: "result", Success: &success, Result: result, Error: failure})
}

func (s *HAServer) handleGetStates(wrapper *connWrapper, id int) {
	s.statesMu.RLock()
	states := make([]*ha.State, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.statesMu.RUnlock()

	result, _ := json.Marshal(states)
	s.reply(wrapper, id, result, nil)
}

func (s *HAServer) handleCallService(wrapper *connWrapper, raw json.RawMessage) {
	var req ha.CallServiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	var entityIDs []string
	if req.Target != nil {
		entityIDs = append(entityIDs, req.Target.EntityID...)
	}
	if id, ok := req.ServiceData["entity_id"].(string); ok {
		entityIDs = append(entityIDs, id)
	}

	s.callsMu.Lock()
	s.calls = append(s.calls, ServiceCall{
		Timestamp: time.Now(),
		Domain:    req.Domain,
		Service:   req.Service,
		Data:      req.ServiceData,
		EntityIDs: entityIDs,
	})
	failure, fail := s.failServices[req.Domain+"."+req.Service]
	s.callsMu.Unlock()

	if fail {
		s.reply(wrapper, req.ID, nil, &ha.Error{Code: "service_validation_error", Message: failure})
		return
	}

	s.reply(wrapper, req.ID, nil, nil)

	for _, entityID := range entityIDs {
		if value, ok := serviceResult(req.Service, req.ServiceData); ok {
			var attrs map[string]interface{}
			if old := s.GetState(entityID); old != nil {
				attrs = old.Attributes
			}
			s.SetState(entityID, value, attrs)
		}
	}
}

// serviceResult is the state a helper or switch takes after a service call
func serviceResult(service string, data map[string]interface{}) (string, bool) {
	switch service {
	case "turn_on":
		return "on", true
	case "turn_off":
		return "off", true
	case "set_value":
		switch v := data["value"].(type) {
		case float64:
			return fmt.Sprintf("%.1f", v), true
		case string:
			return v, true
		}
	case "select_option":
		if v, ok := data["option"].(string); ok {
			return v, true
		}
	}
	return "", false
}

func (s *HAServer) handleFireEvent(wrapper *connWrapper, raw json.RawMessage) {
	var req ha.FireEventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.events = append(s.events, req)
	s.callsMu.Unlock()

	s.reply(wrapper, req.ID, nil, nil)
}

func (s *HAServer) broadcastStateChange(entityID string, oldState, newState *ha.State) {
	data, _ := json.Marshal(ha.StateChangedEvent{EntityID: entityID, NewState: newState, OldState: oldState})
	msg := ha.Message{
		Type: "event",
		Event: &ha.Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now().UTC(),
		},
	}

	s.connsMu.Lock()
	conns := append([]*connWrapper(nil), s.conns...)
	s.connsMu.Unlock()

	for _, c := range conns {
		c.send(msg)
	}
}
