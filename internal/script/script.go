// Package script runs action sequences (service calls, delays, conditions,
// events) on behalf of template entities.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"templatehumidifier/internal/clock"
	"templatehumidifier/internal/ha"
	"templatehumidifier/internal/template"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned when a single-mode script is started while running
	ErrAlreadyRunning = errors.New("script already running")
	// ErrMaxRuns is returned when a queued or parallel script has no free slot
	ErrMaxRuns = errors.New("script reached maximum number of runs")
	// ErrStopped is returned by a stop step with error set
	ErrStopped = errors.New("script stopped")
)

// Caller is the part of the Home Assistant client a script talks to
type Caller interface {
	CallService(domain, service string, data map[string]interface{}, target *ha.ServiceTarget) error
	FireEvent(eventType string, data map[string]interface{}) error
}

// Script is a runnable action sequence
type Script struct {
	name   string
	cfg    Config
	caller Caller
	engine *template.Engine
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	runs    map[string]*run
	waiting int
	slot    chan struct{}
}

type run struct {
	id      string
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New creates a script. A nil clock uses the real clock.
func New(name string, cfg Config, caller Caller, engine *template.Engine, clk clock.Clock, logger *zap.Logger) *Script {
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Script{
		name:   name,
		cfg:    cfg,
		caller: caller,
		engine: engine,
		clock:  clk,
		logger: logger.Named("script").With(zap.String("script", name)),
		runs:   make(map[string]*run),
		slot:   make(chan struct{}, 1),
	}
}

// Name returns the script name
func (s *Script) Name() string {
	return s.name
}

// Mode returns the configured run mode
func (s *Script) Mode() Mode {
	return s.cfg.Mode
}

// IsRunning reports whether any run is in progress
func (s *Script) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs) > 0
}

// Run executes the sequence with the given variables and blocks until it
// finishes. A run that is cancelled by Stop or by a restart returns nil.
func (s *Script) Run(ctx context.Context, vars map[string]interface{}) error {
	r, runCtx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer s.finish(r)

	logger := s.logger.With(zap.String("run_id", r.id))
	logger.Debug("Script started", zap.Any("variables", vars))

	local := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		local[k] = v
	}

	for i, step := range s.cfg.Sequence {
		if runCtx.Err() != nil {
			break
		}
		cont, err := s.execute(runCtx, step, local, logger)
		if err != nil {
			if s.wasStopped(r) {
				break
			}
			logger.Error("Script step failed",
				zap.Int("step", i),
				zap.String("kind", string(step.Kind)),
				zap.String("alias", step.Alias),
				zap.Error(err))
			return fmt.Errorf("script %s step %d: %w", s.name, i, err)
		}
		if !cont {
			break
		}
	}

	if err := ctx.Err(); err != nil && !s.wasStopped(r) {
		return err
	}
	logger.Debug("Script finished")
	return nil
}

// Stop cancels every active run and waits for them to exit
func (s *Script) Stop() {
	s.mu.Lock()
	active := s.takeRunsLocked()
	s.mu.Unlock()

	for _, r := range active {
		<-r.done
	}
}

func (s *Script) begin(ctx context.Context) (*run, context.Context, error) {
	switch s.cfg.Mode {
	case ModeRestart:
		for {
			s.mu.Lock()
			if len(s.runs) == 0 {
				r, runCtx := s.registerLocked(ctx)
				s.mu.Unlock()
				return r, runCtx, nil
			}
			active := s.takeRunsLocked()
			s.mu.Unlock()

			s.logger.Info("Restarting script", zap.Int("stopped_runs", len(active)))
			for _, r := range active {
				<-r.done
			}
		}

	case ModeQueued:
		s.mu.Lock()
		if len(s.runs)+s.waiting >= s.cfg.MaxRuns() {
			s.mu.Unlock()
			s.logger.Warn("Script queue full", zap.Int("max", s.cfg.MaxRuns()))
			return nil, nil, ErrMaxRuns
		}
		s.waiting++
		s.mu.Unlock()

		select {
		case s.slot <- struct{}{}:
		case <-ctx.Done():
			s.mu.Lock()
			s.waiting--
			s.mu.Unlock()
			return nil, nil, ctx.Err()
		}

		s.mu.Lock()
		s.waiting--
		r, runCtx := s.registerLocked(ctx)
		s.mu.Unlock()
		return r, runCtx, nil

	case ModeParallel:
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.runs) >= s.cfg.MaxRuns() {
			s.logger.Warn("Script reached maximum parallel runs", zap.Int("max", s.cfg.MaxRuns()))
			return nil, nil, ErrMaxRuns
		}
		r, runCtx := s.registerLocked(ctx)
		return r, runCtx, nil

	default:
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.runs) > 0 {
			s.logger.Warn("Already running")
			return nil, nil, ErrAlreadyRunning
		}
		r, runCtx := s.registerLocked(ctx)
		return r, runCtx, nil
	}
}

func (s *Script) registerLocked(ctx context.Context) (*run, context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.runs[r.id] = r
	return r, runCtx
}

// takeRunsLocked cancels every active run and marks it stopped
func (s *Script) takeRunsLocked() []*run {
	active := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		r.stopped = true
		r.cancel()
		active = append(active, r)
	}
	return active
}

func (s *Script) wasStopped(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.stopped
}

func (s *Script) finish(r *run) {
	s.mu.Lock()
	delete(s.runs, r.id)
	s.mu.Unlock()

	r.cancel()
	close(r.done)
	if s.cfg.Mode == ModeQueued {
		<-s.slot
	}
}

// execute runs one step. It returns false when the sequence should end.
func (s *Script) execute(ctx context.Context, step Step, vars map[string]interface{}, logger *zap.Logger) (bool, error) {
	switch step.Kind {
	case StepAction:
		data, err := renderMap(s.engine, step.Data, vars)
		if err != nil {
			return false, err
		}
		rendered, err := renderTree(s.engine, step.Target, vars)
		if err != nil {
			return false, err
		}
		target, err := toTarget(rendered)
		if err != nil {
			return false, err
		}
		if data == nil {
			data = map[string]interface{}{}
		}
		logger.Debug("Calling service",
			zap.String("domain", step.Domain),
			zap.String("service", step.Service),
			zap.Any("data", data))
		if err := s.caller.CallService(step.Domain, step.Service, data, target); err != nil {
			return false, fmt.Errorf("call %s.%s: %w", step.Domain, step.Service, err)
		}
		return true, nil

	case StepDelay:
		d := step.Delay
		if step.DelayTemplate != nil {
			result, err := s.engine.Render(step.DelayTemplate, vars)
			if err != nil {
				return false, err
			}
			if d, err = ParseDelay(result.Raw); err != nil {
				return false, err
			}
		}
		return s.wait(ctx, d)

	case StepCondition:
		result, err := s.engine.Render(step.Condition, vars)
		if err != nil {
			return false, err
		}
		if !result.AsBool() {
			logger.Debug("Condition not met, ending run", zap.String("condition", step.Condition.Source()))
			return false, nil
		}
		return true, nil

	case StepEvent:
		data, err := renderMap(s.engine, step.EventData, vars)
		if err != nil {
			return false, err
		}
		if data == nil {
			data = map[string]interface{}{}
		}
		if err := s.caller.FireEvent(step.Event, data); err != nil {
			return false, fmt.Errorf("fire %s: %w", step.Event, err)
		}
		return true, nil

	case StepVariables:
		values, err := renderMap(s.engine, step.Variables, vars)
		if err != nil {
			return false, err
		}
		for k, v := range values {
			vars[k] = v
		}
		return true, nil

	case StepStop:
		logger.Info("Script stopped", zap.String("reason", step.StopReason))
		if step.StopError {
			return false, fmt.Errorf("%w: %s", ErrStopped, step.StopReason)
		}
		return false, nil

	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownStep, step.Kind)
	}
}

func (s *Script) wait(ctx context.Context, d time.Duration) (bool, error) {
	if d <= 0 {
		return true, nil
	}
	select {
	case <-s.clock.After(d):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
