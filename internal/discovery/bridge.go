// Package discovery exposes humidifiers to Home Assistant through MQTT
// discovery: it announces each entity, mirrors every published snapshot to
// state topics and routes command topics to the humidifier operations.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"templatehumidifier/internal/config"
	"templatehumidifier/internal/humidifier"
	"templatehumidifier/internal/mqtt"

	"go.uber.org/zap"
)

// Command payloads
const (
	PayloadOn  = "ON"
	PayloadOff = "OFF"
)

// Publisher is the MQTT surface the bridge needs
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler mqtt.MessageHandler) error
}

// Topics are the MQTT topics of one humidifier
type Topics struct {
	Config             string
	State              string
	Command            string
	TargetState        string
	TargetCommand      string
	CurrentHumidity    string
	ModeState          string
	ModeCommand        string
	Action             string
	Availability       string
	BridgeAvailability string
}

// Bridge connects the humidifier platform to MQTT
type Bridge struct {
	pub      Publisher
	platform *humidifier.Platform
	cfg      config.MQTTConfig
	readOnly bool
	logger   *zap.Logger
	ctx      context.Context
}

// NewBridge creates a discovery bridge
func NewBridge(pub Publisher, platform *humidifier.Platform, cfg config.MQTTConfig, readOnly bool, logger *zap.Logger) *Bridge {
	return &Bridge{
		pub:      pub,
		platform: platform,
		cfg:      cfg,
		readOnly: readOnly,
		logger:   logger.Named("discovery"),
		ctx:      context.Background(),
	}
}

// TopicsFor returns the topics used for h
func (b *Bridge) TopicsFor(h *humidifier.Humidifier) Topics {
	objectID := strings.TrimPrefix(h.EntityID(), humidifier.Domain+".")
	base := b.cfg.TopicPrefix + "/" + objectID
	return Topics{
		Config:             fmt.Sprintf("%s/%s/%s/config", b.cfg.DiscoveryPrefix, humidifier.Domain, objectID),
		State:              base + "/state",
		Command:            base + "/set",
		TargetState:        base + "/target",
		TargetCommand:      base + "/target/set",
		CurrentHumidity:    base + "/current",
		ModeState:          base + "/mode",
		ModeCommand:        base + "/mode/set",
		Action:             base + "/action",
		Availability:       base + "/availability",
		BridgeAvailability: mqtt.StatusTopic(b.cfg),
	}
}

// Start announces every humidifier, subscribes to the command topics and
// publishes the current state. Command handlers use ctx.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx = ctx

	for _, h := range b.platform.Humidifiers() {
		h := h
		topics := b.TopicsFor(h)

		if err := b.subscribeCommands(h, topics); err != nil {
			return err
		}
		h.OnStateWritten(func(snap humidifier.Snapshot) {
			b.publishState(topics, snap)
		})
	}

	b.Announce()
	b.logger.Info("MQTT discovery bridge started", zap.Int("entities", len(b.platform.Humidifiers())))
	return nil
}

// Announce publishes the discovery config and the current state of every
// humidifier. It is called on start and after every broker reconnect.
func (b *Bridge) Announce() {
	for _, h := range b.platform.Humidifiers() {
		topics := b.TopicsFor(h)
		payload, err := json.Marshal(b.ConfigPayload(h, topics))
		if err != nil {
			b.logger.Error("Failed to encode discovery payload", zap.String("entity_id", h.EntityID()), zap.Error(err))
			continue
		}
		if err := b.pub.Publish(topics.Config, payload, true); err != nil {
			b.logger.Warn("Failed to publish discovery config", zap.String("entity_id", h.EntityID()), zap.Error(err))
			continue
		}
		b.publishState(topics, h.Snapshot())
	}
}

// Stop marks every humidifier offline
func (b *Bridge) Stop() {
	for _, h := range b.platform.Humidifiers() {
		topics := b.TopicsFor(h)
		if err := b.pub.Publish(topics.Availability, []byte(mqtt.PayloadOffline), true); err != nil {
			b.logger.Debug("Failed to publish offline", zap.String("entity_id", h.EntityID()), zap.Error(err))
		}
	}
}

// ConfigPayload builds the discovery document for h
func (b *Bridge) ConfigPayload(h *humidifier.Humidifier, topics Topics) map[string]interface{} {
	cfg := h.Config()
	uniqueID := humidifier.StorageKey(h)

	payload := map[string]interface{}{
		"name":                          cfg.Name,
		"unique_id":                     b.cfg.TopicPrefix + "_" + humidifier.Slugify(uniqueID),
		"object_id":                     strings.TrimPrefix(h.EntityID(), humidifier.Domain+"."),
		"device_class":                  string(cfg.DeviceClass),
		"state_topic":                   topics.State,
		"command_topic":                 topics.Command,
		"payload_on":                    PayloadOn,
		"payload_off":                   PayloadOff,
		"target_humidity_state_topic":   topics.TargetState,
		"target_humidity_command_topic": topics.TargetCommand,
		"current_humidity_topic":        topics.CurrentHumidity,
		"action_topic":                  topics.Action,
		"min_humidity":                  cfg.MinHumidity,
		"max_humidity":                  cfg.MaxHumidity,
		"optimistic":                    false,
		"availability_mode":             "all",
		"availability": []map[string]string{
			{"topic": topics.BridgeAvailability},
			{"topic": topics.Availability},
		},
		"device": map[string]interface{}{
			"identifiers":  []string{b.cfg.TopicPrefix + "_" + humidifier.Slugify(uniqueID)},
			"name":         cfg.Name,
			"manufacturer": "templatehumidifier",
			"model":        "Template Humidifier",
		},
	}
	if h.SupportedFeatures()&humidifier.FeatureModes != 0 {
		payload["modes"] = []string(cfg.Modes)
		payload["mode_state_topic"] = topics.ModeState
		payload["mode_command_topic"] = topics.ModeCommand
	}
	return payload
}

func (b *Bridge) publishState(topics Topics, snap humidifier.Snapshot) {
	availability := mqtt.PayloadOnline
	if !snap.Available {
		availability = mqtt.PayloadOffline
	}

	power := PayloadOff
	if snap.IsOn {
		power = PayloadOn
	}

	messages := []struct {
		topic   string
		payload string
	}{
		{topics.Availability, availability},
		{topics.State, power},
	}
	if snap.TargetHumidity != nil {
		messages = append(messages, struct{ topic, payload string }{topics.TargetState, formatFloat(*snap.TargetHumidity)})
	}
	if snap.CurrentHumidity != nil {
		messages = append(messages, struct{ topic, payload string }{topics.CurrentHumidity, formatFloat(*snap.CurrentHumidity)})
	}
	if snap.Mode != nil && snap.SupportedFeatures&humidifier.FeatureModes != 0 {
		messages = append(messages, struct{ topic, payload string }{topics.ModeState, *snap.Mode})
	}
	if snap.Action != nil {
		messages = append(messages, struct{ topic, payload string }{topics.Action, *snap.Action})
	}

	for _, m := range messages {
		if err := b.pub.Publish(m.topic, []byte(m.payload), true); err != nil {
			b.logger.Warn("Failed to publish state",
				zap.String("entity_id", snap.EntityID),
				zap.String("topic", m.topic),
				zap.Error(err))
			return
		}
	}
}

func (b *Bridge) subscribeCommands(h *humidifier.Humidifier, topics Topics) error {
	handlers := map[string]mqtt.MessageHandler{
		topics.Command: func(_ string, payload []byte) error {
			switch strings.ToUpper(strings.TrimSpace(string(payload))) {
			case PayloadOn:
				return b.guard(h, "turn_on", func() error { return h.TurnOn(b.ctx) })
			case PayloadOff:
				return b.guard(h, "turn_off", func() error { return h.TurnOff(b.ctx) })
			default:
				return fmt.Errorf("unknown power payload %q", payload)
			}
		},
		topics.TargetCommand: func(_ string, payload []byte) error {
			value, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
			if err != nil {
				return fmt.Errorf("invalid humidity payload %q", payload)
			}
			return b.guard(h, "set_humidity", func() error { return h.SetHumidity(b.ctx, int(math.Round(value))) })
		},
	}
	if h.SupportedFeatures()&humidifier.FeatureModes != 0 {
		handlers[topics.ModeCommand] = func(_ string, payload []byte) error {
			mode := strings.TrimSpace(string(payload))
			return b.guard(h, "set_mode", func() error { return h.SetMode(b.ctx, mode) })
		}
	}

	for topic, handler := range handlers {
		if err := b.pub.Subscribe(topic, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	return nil
}

func (b *Bridge) guard(h *humidifier.Humidifier, command string, run func() error) error {
	if b.readOnly {
		b.logger.Info("Ignoring command in read-only mode",
			zap.String("entity_id", h.EntityID()),
			zap.String("command", command))
		return nil
	}
	if err := run(); err != nil {
		return fmt.Errorf("%s %s: %w", h.EntityID(), command, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
