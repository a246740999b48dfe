// Package state mirrors Home Assistant's entity-state graph locally so
// templates can be rendered synchronously on every change notification.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"templatehumidifier/internal/ha"

	"go.uber.org/zap"
)

// Subscription represents an active state change subscription
type Subscription interface {
	Unsubscribe()
}

type subscriberEntry struct {
	id      int
	handler ha.StateChangeHandler
}

type subscription struct {
	entityID string
	id       int
	manager  *Manager
}

func (s *subscription) Unsubscribe() {
	s.manager.unsubscribe(s.entityID, s.id)
}

// Manager keeps a copy of every entity state known to Home Assistant
type Manager struct {
	client      ha.HAClient
	logger      *zap.Logger
	states      map[string]*ha.State
	statesMu    sync.RWMutex
	subscribers map[string][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int
	haSub       ha.Subscription
	synced      bool

	// changedDuringSync holds events applied while get_states is in flight,
	// keyed by entity id (nil new state for removals)
	changedDuringSync map[string]*ha.State
}

// NewManager creates a new state manager
func NewManager(client ha.HAClient, logger *zap.Logger) *Manager {
	return &Manager{
		client:      client,
		logger:      logger.Named("state"),
		states:      make(map[string]*ha.State),
		subscribers: make(map[string][]subscriberEntry),
	}
}

// SyncFromHA reads every entity state from Home Assistant and starts
// following state_changed events. Calling it again (after a reconnect)
// replaces the mirror and notifies subscribers of entities whose state
// differs from what was cached.
func (m *Manager) SyncFromHA() error {
	m.logger.Info("Syncing state from Home Assistant...")

	m.statesMu.Lock()
	m.changedDuringSync = make(map[string]*ha.State)
	needSub := m.haSub == nil
	m.statesMu.Unlock()

	if needSub {
		sub, err := m.client.SubscribeStateChanges(ha.AllEntities, m.handleStateChange)
		if err != nil {
			m.endSync()
			return fmt.Errorf("failed to subscribe to state changes: %w", err)
		}
		m.statesMu.Lock()
		m.haSub = sub
		m.statesMu.Unlock()
	}

	states, err := m.client.GetAllStates()
	if err != nil {
		m.endSync()
		return fmt.Errorf("failed to get states: %w", err)
	}

	fresh := make(map[string]*ha.State, len(states))
	for _, s := range states {
		if s == nil || s.EntityID == "" {
			continue
		}
		fresh[s.EntityID] = s
	}

	m.statesMu.Lock()
	for entityID, changed := range m.changedDuringSync {
		fetched := fresh[entityID]
		switch {
		case changed == nil:
			delete(fresh, entityID)
		case fetched == nil || !changed.LastUpdated.Before(fetched.LastUpdated):
			fresh[entityID] = changed
		}
	}
	m.changedDuringSync = nil
	previous := m.states
	m.states = fresh
	firstSync := !m.synced
	m.synced = true
	m.statesMu.Unlock()

	m.logger.Info("State sync complete", zap.Int("entities", len(fresh)))

	if firstSync {
		return nil
	}

	for entityID, newState := range fresh {
		oldState := previous[entityID]
		if oldState == nil || oldState.State != newState.State || !oldState.LastUpdated.Equal(newState.LastUpdated) {
			m.notifySubscribers(entityID, oldState, newState)
		}
	}
	for entityID, oldState := range previous {
		if _, ok := fresh[entityID]; !ok {
			m.notifySubscribers(entityID, oldState, nil)
		}
	}

	return nil
}

func (m *Manager) endSync() {
	m.statesMu.Lock()
	m.changedDuringSync = nil
	m.statesMu.Unlock()
}

// handleStateChange applies a state_changed event to the mirror
func (m *Manager) handleStateChange(entityID string, oldState, newState *ha.State) {
	m.statesMu.Lock()
	if newState == nil {
		delete(m.states, entityID)
	} else {
		m.states[entityID] = newState
	}
	if m.changedDuringSync != nil {
		m.changedDuringSync[entityID] = newState
	}
	m.statesMu.Unlock()

	m.logger.Debug("Entity state changed",
		zap.String("entity_id", entityID),
		zap.String("new", stateString(newState)))

	m.notifySubscribers(entityID, oldState, newState)
}

// Get returns the mirrored state of an entity
func (m *Manager) Get(entityID string) (*ha.State, bool) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	s, ok := m.states[entityID]
	return s, ok
}

// All returns every mirrored state ordered by entity id
func (m *Manager) All() []*ha.State {
	m.statesMu.RLock()
	out := make([]*ha.State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	m.statesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Set writes a state directly into the mirror and notifies subscribers.
// It is used for entities owned by this process and by tests.
func (m *Manager) Set(entityID, value string, attributes map[string]interface{}) {
	now := time.Now()
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	m.statesMu.Lock()
	oldState := m.states[entityID]
	lastChanged := now
	if oldState != nil && oldState.State == value {
		lastChanged = oldState.LastChanged
	}
	newState := &ha.State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attributes,
		LastChanged: lastChanged,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// Subscribe registers a handler for changes of one entity. Handlers run
// after the mirror has been updated.
func (m *Manager) Subscribe(entityID string, handler ha.StateChangeHandler) Subscription {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[entityID] = append(m.subscribers[entityID], subscriberEntry{id: id, handler: handler})

	return &subscription{entityID: entityID, id: id, manager: m}
}

func (m *Manager) unsubscribe(entityID string, id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	entries := m.subscribers[entityID]
	for i, entry := range entries {
		if entry.id == id {
			m.subscribers[entityID] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(m.subscribers[entityID]) == 0 {
		delete(m.subscribers, entityID)
	}
}

// SubscriberCount returns the number of handlers registered for an entity
func (m *Manager) SubscriberCount(entityID string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subscribers[entityID])
}

func (m *Manager) notifySubscribers(entityID string, oldState, newState *ha.State) {
	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}

// Close stops following Home Assistant state changes
func (m *Manager) Close() {
	m.statesMu.Lock()
	sub := m.haSub
	m.haSub = nil
	m.statesMu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe from state changes", zap.Error(err))
		}
	}
}

func stateString(s *ha.State) string {
	if s == nil {
		return "<removed>"
	}
	return s.State
}
