// Package humidifier implements template humidifier entities: state, target
// humidity, current humidity, mode and action come from templates, control
// operations run scripts or fall back to optimistic writes.
package humidifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"templatehumidifier/internal/clock"
	"templatehumidifier/internal/ha"
	"templatehumidifier/internal/script"
	"templatehumidifier/internal/shadowstate"
	"templatehumidifier/internal/state"
	"templatehumidifier/internal/template"

	"go.uber.org/zap"
)

var (
	// ErrInvalidMode is returned by SetMode for a mode outside the available modes
	ErrInvalidMode = errors.New("invalid mode")
	// ErrModesNotSupported is returned by SetMode when the entity has no modes
	ErrModesNotSupported = fmt.Errorf("%w: modes not supported", ErrInvalidMode)
	// ErrHumidityOutOfRange is returned by SetHumidity outside [min, max]
	ErrHumidityOutOfRange = errors.New("humidity out of range")
	// ErrNotFound is returned when a humidifier lookup fails
	ErrNotFound = errors.New("humidifier not found")
)

// Feature is a bit in the supported features mask
type Feature int

// FeatureModes is set when the entity supports modes
const FeatureModes Feature = 1

// Template keys used in logs and shadow state
const (
	templateState           = "state"
	templateTargetHumidity  = "target_humidity"
	templateCurrentHumidity = "current_humidity"
	templateMode            = "mode"
	templateAction          = "action"
	templateAvailability    = "availability"
)

// StateSource is the entity-state graph a humidifier reads and subscribes to
type StateSource interface {
	Get(entityID string) (*ha.State, bool)
	Subscribe(entityID string, handler ha.StateChangeHandler) state.Subscription
}

// Listener receives every snapshot a humidifier publishes
type Listener func(Snapshot)

// Restored carries optimistic values saved by a previous run
type Restored struct {
	IsOn           bool
	TargetHumidity *float64
	Mode           *string
}

// Humidifier is one template humidifier entity
type Humidifier struct {
	cfg      Config
	entityID string
	states   StateSource
	engine   *template.Engine
	clock    clock.Clock
	logger   *zap.Logger
	shadow   *shadowstate.HumidifierTracker

	turnOn      *script.Script
	turnOff     *script.Script
	setHumidity *script.Script
	setMode     *script.Script

	mu              sync.Mutex
	isOn            bool
	available       bool
	targetHumidity  *float64
	currentHumidity *float64
	mode            *string
	action          *string
	lastUpdated     time.Time

	trackMu sync.Mutex
	tracked map[string]state.Subscription
	started bool

	listenersMu sync.RWMutex
	listeners   []Listener

	// publishMu is held from taking a snapshot until every listener has
	// seen it, so listeners observe snapshots in the order they were taken.
	// Lock order: publishMu, then mu.
	publishMu sync.Mutex
}

type namedTemplate struct {
	name string
	tpl  *template.Template
}

// New builds a humidifier from its definition. Scripts run their service
// calls through caller.
func New(cfg Config, entityID string, states StateSource, caller script.Caller, clk clock.Clock, logger *zap.Logger) *Humidifier {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	engine := template.NewEngine(states)
	logger = logger.Named("humidifier").With(zap.String("entity_id", entityID))

	h := &Humidifier{
		cfg:       cfg,
		entityID:  entityID,
		states:    states,
		engine:    engine,
		clock:     clk,
		logger:    logger,
		shadow:    shadowstate.NewHumidifierTracker(entityID),
		available: true,
		tracked:   make(map[string]state.Subscription),
	}

	newScript := func(suffix string, sc *script.Config) *script.Script {
		if sc == nil {
			return nil
		}
		return script.New(cfg.Name+" "+suffix, *sc, caller, engine, clk, logger)
	}
	h.turnOn = newScript("turn on", cfg.TurnOnAction)
	h.turnOff = newScript("turn off", cfg.TurnOffAction)
	h.setHumidity = newScript("set humidity", cfg.SetTargetHumidityAction)
	h.setMode = newScript("set mode", cfg.SetModeAction)

	return h
}

// EntityID returns the entity id
func (h *Humidifier) EntityID() string {
	return h.entityID
}

// UniqueID returns the configured unique id, which may be empty
func (h *Humidifier) UniqueID() string {
	return h.cfg.UniqueID
}

// Name returns the display name
func (h *Humidifier) Name() string {
	return h.cfg.Name
}

// Config returns the definition the entity was built from
func (h *Humidifier) Config() Config {
	return h.cfg
}

// SupportedFeatures returns the feature mask
func (h *Humidifier) SupportedFeatures() Feature {
	if len(h.cfg.Modes) > 0 {
		return FeatureModes
	}
	return 0
}

// ShadowState returns what the entity last read and produced
func (h *Humidifier) ShadowState() *shadowstate.HumidifierShadowState {
	return h.shadow.GetState()
}

// OnStateWritten registers a listener for published snapshots
func (h *Humidifier) OnStateWritten(fn Listener) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Restore applies saved optimistic values. Fields driven by a template are
// left alone because the first recompute overwrites them.
func (h *Humidifier) Restore(r Restored) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.StateTemplate == nil {
		h.isOn = r.IsOn
	}
	if h.cfg.TargetHumidityTemplate == nil && r.TargetHumidity != nil {
		v := *r.TargetHumidity
		h.targetHumidity = &v
	}
	if h.cfg.ModeTemplate == nil && r.Mode != nil {
		v := *r.Mode
		h.mode = &v
	}
	h.logger.Debug("Restored previous state", zap.Bool("is_on", h.isOn))
}

// Start subscribes to every entity the templates read and publishes the
// initial state.
func (h *Humidifier) Start() error {
	h.trackMu.Lock()
	if h.started {
		h.trackMu.Unlock()
		return fmt.Errorf("humidifier %s already started", h.entityID)
	}
	h.started = true
	h.trackMu.Unlock()

	h.logger.Info("Starting template humidifier", zap.String("name", h.cfg.Name))

	entities := make(map[string]struct{})
	for _, nt := range h.templates() {
		_, ids, err := h.engine.RenderInfo(nt.tpl, nil)
		if err != nil {
			h.logger.Debug("Ignoring template that failed during entity discovery",
				zap.String("template", nt.name),
				zap.Error(err))
			continue
		}
		for _, id := range ids {
			entities[id] = struct{}{}
		}
	}
	h.track(entities)

	h.Update()

	h.logger.Info("Template humidifier started", zap.Int("tracked_entities", h.TrackedCount()))
	return nil
}

// Stop unsubscribes from state changes and cancels running scripts
func (h *Humidifier) Stop() {
	h.trackMu.Lock()
	for id, sub := range h.tracked {
		sub.Unsubscribe()
		delete(h.tracked, id)
	}
	h.started = false
	h.trackMu.Unlock()

	for _, s := range []*script.Script{h.turnOn, h.turnOff, h.setHumidity, h.setMode} {
		if s != nil {
			s.Stop()
		}
	}
	h.logger.Info("Template humidifier stopped")
}

// TrackedEntities returns the sorted ids of the entities the humidifier follows
func (h *Humidifier) TrackedEntities() []string {
	h.trackMu.Lock()
	defer h.trackMu.Unlock()

	ids := make([]string, 0, len(h.tracked))
	for id := range h.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TrackedCount returns the number of followed entities
func (h *Humidifier) TrackedCount() int {
	h.trackMu.Lock()
	defer h.trackMu.Unlock()
	return len(h.tracked)
}

func (h *Humidifier) track(entities map[string]struct{}) {
	h.trackMu.Lock()
	defer h.trackMu.Unlock()

	if !h.started {
		return
	}
	for id := range entities {
		if _, ok := h.tracked[id]; ok {
			continue
		}
		h.tracked[id] = h.states.Subscribe(id, h.handleStateChange)
		h.logger.Debug("Tracking entity", zap.String("entity", id))
	}
}

func (h *Humidifier) handleStateChange(entityID string, oldState, newState *ha.State) {
	h.logger.Debug("Referenced entity changed", zap.String("entity", entityID))
	h.Update()
}

func (h *Humidifier) templates() []namedTemplate {
	all := []namedTemplate{
		{templateAvailability, h.cfg.AvailabilityTemplate},
		{templateState, h.cfg.StateTemplate},
		{templateTargetHumidity, h.cfg.TargetHumidityTemplate},
		{templateCurrentHumidity, h.cfg.CurrentHumidityTemplate},
		{templateMode, h.cfg.ModeTemplate},
		{templateAction, h.cfg.ActionTemplate},
	}
	out := all[:0]
	for _, nt := range all {
		if nt.tpl != nil {
			out = append(out, nt)
		}
	}
	return out
}

// Update re-renders every template, stores the coerced values and publishes
// the resulting snapshot. A failing template is logged and keeps its
// previous value.
func (h *Humidifier) Update() {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	now := h.clock.Now()
	referenced := make(map[string]struct{})
	inputs := make(map[string]interface{})

	h.mu.Lock()
	for _, nt := range h.templates() {
		result, ids, err := h.engine.RenderInfo(nt.tpl, nil)
		for _, id := range ids {
			if s, ok := h.states.Get(id); ok && s != nil {
				inputs[id] = s.State
			} else {
				inputs[id] = template.StateUnknown
			}
		}
		if err == nil {
			for _, id := range ids {
				referenced[id] = struct{}{}
			}
			err = h.applyLocked(nt.name, result)
		}
		h.shadow.RecordRender(nt.name, result.Raw, err, ids, now)
		if err != nil {
			h.logger.Error("Error rendering "+nt.name+" template",
				zap.String("template", nt.tpl.Source()),
				zap.Error(err))
		}
	}
	h.lastUpdated = now
	snap := h.snapshotLocked()
	h.mu.Unlock()

	h.shadow.UpdateCurrentInputs(inputs, now)
	h.track(referenced)
	h.publish(snap)
}

func (h *Humidifier) applyLocked(name string, result template.Result) error {
	switch name {
	case templateAvailability:
		h.available = result.AsBool()
	case templateState:
		h.isOn = result.AsBool()
	case templateTargetHumidity:
		f, err := result.AsFloat()
		if err != nil {
			return err
		}
		h.targetHumidity = &f
	case templateCurrentHumidity:
		f, err := result.AsFloat()
		if err != nil {
			return err
		}
		h.currentHumidity = &f
	case templateMode:
		mode := strings.TrimSpace(result.String())
		h.mode = &mode
	case templateAction:
		action := result.String()
		h.action = &action
	}
	return nil
}

// TurnOn runs the turn-on script or switches on optimistically
func (h *Humidifier) TurnOn(ctx context.Context) error {
	h.recordAction("turn_on", nil)
	if h.turnOn != nil {
		return h.runScript(ctx, h.turnOn, nil)
	}
	h.writeOptimistic(func() { h.isOn = true })
	return nil
}

// TurnOff runs the turn-off script or switches off optimistically
func (h *Humidifier) TurnOff(ctx context.Context) error {
	h.recordAction("turn_off", nil)
	if h.turnOff != nil {
		return h.runScript(ctx, h.turnOff, nil)
	}
	h.writeOptimistic(func() { h.isOn = false })
	return nil
}

// SetHumidity runs the set-humidity script with the variable humidity, or
// stores the target optimistically.
func (h *Humidifier) SetHumidity(ctx context.Context, humidity int) error {
	value := float64(humidity)
	if value < h.cfg.MinHumidity || value > h.cfg.MaxHumidity || math.IsNaN(value) {
		return fmt.Errorf("%w: %d not within %.0f-%.0f", ErrHumidityOutOfRange, humidity, h.cfg.MinHumidity, h.cfg.MaxHumidity)
	}

	h.recordAction("set_humidity", map[string]interface{}{"humidity": humidity})
	if h.setHumidity != nil {
		return h.runScript(ctx, h.setHumidity, map[string]interface{}{"humidity": humidity})
	}
	h.writeOptimistic(func() { h.targetHumidity = &value })
	return nil
}

// SetMode runs the set-mode script with the variable mode, or stores the
// mode optimistically.
func (h *Humidifier) SetMode(ctx context.Context, mode string) error {
	if h.SupportedFeatures()&FeatureModes == 0 {
		return ErrModesNotSupported
	}
	if !h.cfg.Modes.Contains(mode) {
		return fmt.Errorf("%w: %q not in %v", ErrInvalidMode, mode, []string(h.cfg.Modes))
	}

	h.recordAction("set_mode", map[string]interface{}{"mode": mode})
	if h.setMode != nil {
		return h.runScript(ctx, h.setMode, map[string]interface{}{"mode": mode})
	}
	h.writeOptimistic(func() { h.mode = &mode })
	return nil
}

func (h *Humidifier) runScript(ctx context.Context, s *script.Script, vars map[string]interface{}) error {
	if err := s.Run(ctx, vars); err != nil {
		h.logger.Error("Script failed", zap.String("script", s.Name()), zap.Error(err))
		return err
	}
	return nil
}

func (h *Humidifier) writeOptimistic(apply func()) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.Lock()
	apply()
	h.lastUpdated = h.clock.Now()
	snap := h.snapshotLocked()
	h.mu.Unlock()

	h.publish(snap)
}

func (h *Humidifier) recordAction(actionType string, details map[string]interface{}) {
	h.logger.Info("Humidifier command", zap.String("command", actionType), zap.Any("details", details))
	h.shadow.RecordAction(actionType, "command", details, h.clock.Now())
}

// Snapshot returns the current published state
func (h *Humidifier) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Humidifier) snapshotLocked() Snapshot {
	snap := Snapshot{
		EntityID:          h.entityID,
		UniqueID:          h.cfg.UniqueID,
		Name:              h.cfg.Name,
		Available:         h.available,
		IsOn:              h.isOn,
		TargetHumidity:    copyFloat(h.targetHumidity),
		CurrentHumidity:   copyFloat(h.currentHumidity),
		Mode:              copyString(h.mode),
		Action:            copyString(h.action),
		MinHumidity:       h.cfg.MinHumidity,
		MaxHumidity:       h.cfg.MaxHumidity,
		AvailableModes:    append([]string(nil), h.cfg.Modes...),
		SupportedFeatures: h.SupportedFeatures(),
		DeviceClass:       h.cfg.DeviceClass,
		LastUpdated:       h.lastUpdated,
	}
	return snap
}

func (h *Humidifier) publish(snap Snapshot) {
	h.listenersMu.RLock()
	listeners := make([]Listener, len(h.listeners))
	copy(listeners, h.listeners)
	h.listenersMu.RUnlock()

	h.logger.Debug("Publishing state",
		zap.String("state", snap.State()),
		zap.Any("target_humidity", snap.TargetHumidity),
		zap.Any("mode", snap.Mode))

	for _, fn := range listeners {
		fn(snap)
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
