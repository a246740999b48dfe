package humidifier

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"templatehumidifier/internal/clock"
	"templatehumidifier/internal/script"
	"templatehumidifier/internal/shadowstate"

	"go.uber.org/zap"
)

// Domain is the entity domain of every humidifier
const Domain = "humidifier"

// RestoreSource provides the values saved by a previous run
type RestoreSource interface {
	Load(key string) (Restored, bool, error)
}

// Platform owns every configured humidifier
type Platform struct {
	humidifiers []*Humidifier
	byEntityID  map[string]*Humidifier
	byUniqueID  map[string]*Humidifier
	logger      *zap.Logger
}

// NewPlatform builds a humidifier for every definition
func NewPlatform(configs []Config, states StateSource, caller script.Caller, clk clock.Clock, shadow *shadowstate.Tracker, logger *zap.Logger) (*Platform, error) {
	p := &Platform{
		byEntityID: make(map[string]*Humidifier),
		byUniqueID: make(map[string]*Humidifier),
		logger:     logger.Named("platform"),
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if cfg.UniqueID != "" {
			if _, dup := p.byUniqueID[cfg.UniqueID]; dup {
				return nil, fmt.Errorf("%w: duplicate unique_id %q", ErrInvalidConfig, cfg.UniqueID)
			}
		}

		entityID := p.entityIDFor(cfg.Name)
		h := New(cfg, entityID, states, caller, clk, logger)

		p.humidifiers = append(p.humidifiers, h)
		p.byEntityID[entityID] = h
		if cfg.UniqueID != "" {
			p.byUniqueID[cfg.UniqueID] = h
		}
		if shadow != nil {
			shadow.Register(entityID, func() shadowstate.EntityShadowState { return h.ShadowState() })
		}
	}

	return p, nil
}

func (p *Platform) entityIDFor(name string) string {
	base := Domain + "." + Slugify(name)
	entityID := base
	for i := 2; ; i++ {
		if _, taken := p.byEntityID[entityID]; !taken {
			return entityID
		}
		entityID = fmt.Sprintf("%s_%d", base, i)
	}
}

// Humidifiers returns every humidifier in configuration order
func (p *Platform) Humidifiers() []*Humidifier {
	return append([]*Humidifier(nil), p.humidifiers...)
}

// Get looks a humidifier up by unique id or entity id
func (p *Platform) Get(id string) (*Humidifier, error) {
	if h, ok := p.byUniqueID[id]; ok {
		return h, nil
	}
	if h, ok := p.byEntityID[id]; ok {
		return h, nil
	}
	if h, ok := p.byEntityID[Domain+"."+id]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Snapshots returns the current state of every humidifier ordered by entity id
func (p *Platform) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(p.humidifiers))
	for _, h := range p.humidifiers {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// OnStateWritten registers fn on every humidifier
func (p *Platform) OnStateWritten(fn Listener) {
	for _, h := range p.humidifiers {
		h.OnStateWritten(fn)
	}
}

// RestoreFrom applies saved values to every humidifier. Load failures are
// logged and leave the entity at its initial state.
func (p *Platform) RestoreFrom(src RestoreSource) {
	for _, h := range p.humidifiers {
		restored, ok, err := src.Load(StorageKey(h))
		if err != nil {
			p.logger.Warn("Failed to load saved state",
				zap.String("entity_id", h.EntityID()),
				zap.Error(err))
			continue
		}
		if ok {
			h.Restore(restored)
		}
	}
}

// Start starts every humidifier
func (p *Platform) Start() error {
	for _, h := range p.humidifiers {
		if err := h.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", h.EntityID(), err)
		}
	}
	p.logger.Info("Humidifier platform started", zap.Int("entities", len(p.humidifiers)))
	return nil
}

// Stop stops every humidifier
func (p *Platform) Stop() {
	for _, h := range p.humidifiers {
		h.Stop()
	}
}

// StorageKey is the key a humidifier's state is saved under: the unique id
// when configured, otherwise the entity id.
func StorageKey(h *Humidifier) string {
	if h.UniqueID() != "" {
		return h.UniqueID()
	}
	return h.EntityID()
}

// Slugify converts a display name into an object id
func Slugify(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "_")
	if slug == "" {
		return "unnamed"
	}
	return slug
}
