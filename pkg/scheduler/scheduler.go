// Package scheduler owns one camera pipeline per enabled camera and
// the shared recognition chain. It exposes read-only state snapshots,
// per-camera reset, and engine reconfiguration applied between cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/internal/log"
	"github.com/tablevision/tablesight/pkg/capture"
	"github.com/tablevision/tablesight/pkg/crop"
	"github.com/tablevision/tablesight/pkg/engine"
	"github.com/tablevision/tablesight/pkg/pipeline"
	"github.com/tablevision/tablesight/pkg/recognize"
)

// ErrUnknownCamera is returned by Reset for an id with no pipeline.
var ErrUnknownCamera = errors.New("scheduler: unknown camera")

// Scheduler drives all camera pipelines against the shared
// orchestrator and push dispatcher.
type Scheduler struct {
	cfg       config.Config
	orch      *recognize.Orchestrator
	pipelines map[string]*pipeline.Pipeline
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// New wires pipelines from configuration using the given
// collaborators. Cameras that fail validation are skipped with an
// error log; their pipelines refuse to start, other cameras proceed.
func New(cfg config.Config, capturer capture.Capturer, cropper crop.Cropper, orch *recognize.Orchestrator, sink pipeline.Enqueuer, onResult func(cameraID string, result recognize.Result)) (*Scheduler, error) {
	s := &Scheduler{
		cfg:       cfg,
		orch:      orch,
		pipelines: make(map[string]*pipeline.Pipeline),
		logger:    log.Component("scheduler"),
	}

	for _, cam := range cfg.Cameras {
		if !cam.Enabled {
			s.logger.Info("camera disabled, skipping", "camera", cam.ID)
			continue
		}

		p, err := pipeline.New(cam, cfg.Pipeline, capturer, cropper, orch, sink)
		if err != nil {
			s.logger.Error("camera refused", "camera", cam.ID, "error", err)
			continue
		}
		p.OnResult = onResult
		s.pipelines[cam.ID] = p
	}

	if len(s.pipelines) == 0 {
		return nil, fmt.Errorf("scheduler: no startable cameras")
	}
	return s, nil
}

// BuildEngines constructs the configured default and fallback engines
// from the registry. An unknown engine name is a configuration error.
// A backend that fails to load (missing model, no tesseract) is
// logged and returned nil so the chain routes around it.
func BuildEngines(cfg config.EngineConfig) (defaultEng, fallbackEng engine.Engine, err error) {
	logger := log.Component("scheduler")

	build := func(name string) (engine.Engine, error) {
		if name == "" {
			return nil, nil
		}
		eng, err := engine.Build(name, cfg)
		if err != nil {
			if errors.Is(err, engine.ErrUnknownEngine) {
				return nil, err
			}
			if engine.IsUnavailable(err) {
				logger.Error("engine backend unavailable", "engine", name, "error", err)
				return nil, nil
			}
			return nil, err
		}
		return eng, nil
	}

	defaultEng, err = build(cfg.DefaultEngine)
	if err != nil {
		return nil, nil, err
	}
	fallbackEng, err = build(cfg.FallbackEngine)
	if err != nil {
		if defaultEng != nil {
			defaultEng.Close()
		}
		return nil, nil, err
	}
	return defaultEng, fallbackEng, nil
}

// Run starts every pipeline and blocks until ctx is canceled and all
// pipelines have stopped.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for _, p := range s.pipelines {
		s.wg.Add(1)
		go func(p *pipeline.Pipeline) {
			defer s.wg.Done()
			p.Run(ctx)
		}(p)
	}

	s.logger.Info("scheduler running", "cameras", len(s.pipelines))
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// States returns a snapshot of every pipeline's state.
func (s *Scheduler) States() map[string]pipeline.State {
	states := make(map[string]pipeline.State, len(s.pipelines))
	for id, p := range s.pipelines {
		states[id] = p.Snapshot()
	}
	return states
}

// Reset clears a Failed pipeline so it schedules again.
func (s *Scheduler) Reset(cameraID string) error {
	p, ok := s.pipelines[cameraID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCamera, cameraID)
	}
	p.Reset()
	return nil
}

// Reconfigure swaps the engine selection. The swap lands in the
// orchestrator's engine table and takes effect from each pipeline's
// next cycle; in-flight recognitions keep the engines they started
// with, and the replaced pair is closed once they finish.
func (s *Scheduler) Reconfigure(cfg config.EngineConfig) error {
	if problems := cfg.Validate(); len(problems) > 0 {
		return fmt.Errorf("scheduler: invalid engine config: %v", problems)
	}

	defaultEng, fallbackEng, err := BuildEngines(cfg)
	if err != nil {
		return err
	}
	s.orch.SetEngines(defaultEng, fallbackEng)
	s.logger.Info("engines reconfigured",
		"default", cfg.DefaultEngine,
		"fallback", cfg.FallbackEngine,
	)
	return nil
}
