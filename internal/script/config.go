package script

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"templatehumidifier/internal/template"

	"gopkg.in/yaml.v3"
)

// Mode controls what happens when a script is started while already running
type Mode string

// Run modes
const (
	ModeSingle   Mode = "single"
	ModeRestart  Mode = "restart"
	ModeQueued   Mode = "queued"
	ModeParallel Mode = "parallel"
)

// DefaultMaxRuns bounds queued and parallel scripts when max is not set
const DefaultMaxRuns = 10

var (
	// ErrUnknownStep is returned when a sequence entry is not a recognised step type
	ErrUnknownStep = errors.New("unknown script step")
	// ErrInvalidMode is returned for an unrecognised run mode
	ErrInvalidMode = errors.New("invalid script mode")
)

// StepKind identifies the action a step performs
type StepKind string

// Step kinds
const (
	StepAction    StepKind = "action"
	StepDelay     StepKind = "delay"
	StepCondition StepKind = "condition"
	StepEvent     StepKind = "event"
	StepVariables StepKind = "variables"
	StepStop      StepKind = "stop"
)

// Config is an action sequence plus its run mode. In YAML it may be written
// as a bare list of steps, a single step, or a mapping with mode/max/sequence.
type Config struct {
	Mode     Mode
	Max      int
	Sequence []Step
}

// Step is one parsed entry of a sequence
type Step struct {
	Alias string
	Kind  StepKind

	// action
	Domain  string
	Service string
	Target  interface{}
	Data    map[string]interface{}

	// delay
	Delay         time.Duration
	DelayTemplate *template.Template

	// condition
	Condition *template.Template

	// event
	Event     string
	EventData map[string]interface{}

	// variables
	Variables map[string]interface{}

	// stop
	StopReason string
	StopError  bool
}

// UnmarshalYAML accepts every supported shape of a script definition
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	c.Mode = ModeSingle

	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&c.Sequence)
	case yaml.MappingNode:
		if !hasKey(node, "sequence") {
			var step Step
			if err := node.Decode(&step); err != nil {
				return err
			}
			c.Sequence = []Step{step}
			return nil
		}
		var raw struct {
			Mode     Mode   `yaml:"mode"`
			Max      int    `yaml:"max"`
			Sequence []Step `yaml:"sequence"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		if raw.Mode != "" {
			c.Mode = raw.Mode
		}
		c.Max = raw.Max
		c.Sequence = raw.Sequence
		return c.validate(node.Line)
	default:
		var step Step
		if err := node.Decode(&step); err != nil {
			return err
		}
		c.Sequence = []Step{step}
		return nil
	}
}

func (c *Config) validate(line int) error {
	switch c.Mode {
	case ModeSingle, ModeRestart, ModeQueued, ModeParallel:
	default:
		return fmt.Errorf("line %d: %w: %q", line, ErrInvalidMode, c.Mode)
	}
	if c.Max < 0 {
		return fmt.Errorf("line %d: max must be positive", line)
	}
	return nil
}

// MaxRuns returns the effective bound on concurrent or queued runs
func (c *Config) MaxRuns() int {
	if c.Max > 0 {
		return c.Max
	}
	return DefaultMaxRuns
}

type rawStep struct {
	Alias         string                 `yaml:"alias"`
	Action        string                 `yaml:"action"`
	Service       string                 `yaml:"service"`
	Target        interface{}            `yaml:"target"`
	Data          map[string]interface{} `yaml:"data"`
	Delay         yaml.Node              `yaml:"delay"`
	Condition     string                 `yaml:"condition"`
	ValueTemplate string                 `yaml:"value_template"`
	Event         string                 `yaml:"event"`
	EventData     map[string]interface{} `yaml:"event_data"`
	Variables     map[string]interface{} `yaml:"variables"`
	Stop          *string                `yaml:"stop"`
	Error         bool                   `yaml:"error"`
}

// UnmarshalYAML parses one step. A bare template string is shorthand for a
// template condition.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		tpl, err := template.Parse(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*s = Step{Kind: StepCondition, Condition: tpl}
		return nil
	}

	var raw rawStep
	if err := node.Decode(&raw); err != nil {
		return err
	}
	step := Step{Alias: raw.Alias}

	var err error
	switch {
	case raw.Action != "" || raw.Service != "":
		err = step.parseAction(raw)
	case raw.Delay.Kind != 0:
		err = step.parseDelay(&raw.Delay)
	case raw.Condition != "":
		err = step.parseCondition(raw)
	case raw.Event != "":
		step.Kind = StepEvent
		step.Event = raw.Event
		step.EventData, err = compileMap(raw.EventData)
	case raw.Variables != nil:
		step.Kind = StepVariables
		step.Variables, err = compileMap(raw.Variables)
	case raw.Stop != nil:
		step.Kind = StepStop
		step.StopReason = *raw.Stop
		step.StopError = raw.Error
	default:
		err = ErrUnknownStep
	}
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}

	*s = step
	return nil
}

func (s *Step) parseAction(raw rawStep) error {
	name := raw.Action
	if name == "" {
		name = raw.Service
	}
	domain, service, ok := strings.Cut(name, ".")
	if !ok || domain == "" || service == "" {
		return fmt.Errorf("action %q must be of the form domain.service", name)
	}

	target, err := compileTree(raw.Target)
	if err != nil {
		return err
	}
	data, err := compileMap(raw.Data)
	if err != nil {
		return err
	}

	s.Kind = StepAction
	s.Domain = domain
	s.Service = service
	s.Target = target
	s.Data = data
	return nil
}

func (s *Step) parseCondition(raw rawStep) error {
	if raw.Condition != "template" {
		return fmt.Errorf("%w: condition %q", ErrUnknownStep, raw.Condition)
	}
	if raw.ValueTemplate == "" {
		return errors.New("template condition requires value_template")
	}
	tpl, err := template.Parse(raw.ValueTemplate)
	if err != nil {
		return err
	}
	s.Kind = StepCondition
	s.Condition = tpl
	return nil
}

func (s *Step) parseDelay(node *yaml.Node) error {
	s.Kind = StepDelay

	if node.Kind == yaml.MappingNode {
		var parts struct {
			Days         float64 `yaml:"days"`
			Hours        float64 `yaml:"hours"`
			Minutes      float64 `yaml:"minutes"`
			Seconds      float64 `yaml:"seconds"`
			Milliseconds float64 `yaml:"milliseconds"`
		}
		if err := node.Decode(&parts); err != nil {
			return err
		}
		total := parts.Days*86400 + parts.Hours*3600 + parts.Minutes*60 + parts.Seconds + parts.Milliseconds/1000
		d, err := secondsToDuration(total)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		s.Delay = d
		return nil
	}

	var value string
	if err := node.Decode(&value); err != nil {
		return err
	}
	if strings.Contains(value, "{{") || strings.Contains(value, "{%") {
		tpl, err := template.Parse(value)
		if err != nil {
			return err
		}
		s.DelayTemplate = tpl
		return nil
	}

	d, err := ParseDelay(value)
	if err != nil {
		return err
	}
	s.Delay = d
	return nil
}

// ParseDelay converts a delay written as seconds ("90", "1.5") or as
// "HH:MM", "HH:MM:SS" or "HH:MM:SS.fff" into a duration.
func ParseDelay(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return secondsToDuration(secs)
	}

	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid delay %q", value)
	}

	var total float64
	units := []float64{3600, 60, 1}
	for i, part := range parts {
		n, err := strconv.ParseFloat(part, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid delay %q", value)
		}
		total += n * units[i]
	}
	return secondsToDuration(total)
}

// maxDelaySeconds is the longest delay a time.Duration can hold
var maxDelaySeconds = time.Duration(math.MaxInt64).Seconds()

func secondsToDuration(secs float64) (time.Duration, error) {
	switch {
	case math.IsNaN(secs) || math.IsInf(secs, 0):
		return 0, fmt.Errorf("delay must be a finite number of seconds, got %v", secs)
	case secs < 0:
		return 0, fmt.Errorf("negative delay %v", secs)
	case secs >= maxDelaySeconds:
		return 0, fmt.Errorf("delay of %v seconds is too long", secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func hasKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}
