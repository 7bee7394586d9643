package recognize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tablevision/tablesight/internal/log"
	"github.com/tablevision/tablesight/pkg/engine"
)

// Status is the terminal state of one recognition cycle.
type Status int

const (
	// Success: every position met the acceptance threshold.
	Success Status = iota

	// PartialSuccess: some positions remain ambiguous; they are
	// forwarded with flags.
	PartialSuccess

	// Failed: no engine was usable for the cycle.
	Failed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case PartialSuccess:
		return "partial_success"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the outcome of one recognition cycle.
type Result struct {
	Status   Status
	Outcomes map[string]engine.Outcome
}

// Options tunes the orchestrator.
type Options struct {
	// Threshold is the confidence acceptance threshold.
	Threshold float64

	// GateParallelism bounds concurrent engine invocation across all
	// callers. Inference backends are resource heavy and usually not
	// reentrant; the default is 1.
	GateParallelism int

	// InvokeTimeout bounds a single engine invocation.
	InvokeTimeout time.Duration
}

// Orchestrator runs the engine chain for one capture: default engine
// over all regions, then the fallback engine over only the positions
// that stayed below threshold.
type Orchestrator struct {
	gate   chan struct{}
	norm   Normalizer
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *enginePair
}

// enginePair is one installed engine selection with its liveness
// flags. Pairs are reference counted so a reconfigure can close the
// outgoing engines once no in-flight cycle still holds them.
type enginePair struct {
	defaultEng   engine.Engine
	fallbackEng  engine.Engine
	defaultDead  bool
	fallbackDead bool
	refs         int
	retired      bool
}

func (p *enginePair) close() {
	if p.defaultEng != nil {
		p.defaultEng.Close()
	}
	if p.fallbackEng != nil {
		p.fallbackEng.Close()
	}
}

// New creates an orchestrator. A non-positive gate parallelism is a
// process-level configuration failure. Engines may be nil when a backend
// failed to load; the chain routes around them and pipelines degrade
// to Failed when nothing is usable.
func New(defaultEng, fallbackEng engine.Engine, opts Options) (*Orchestrator, error) {
	if opts.GateParallelism < 1 {
		return nil, fmt.Errorf("orchestrator: gate parallelism must be at least 1, got %d", opts.GateParallelism)
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = 5 * time.Second
	}

	return &Orchestrator{
		gate:    make(chan struct{}, opts.GateParallelism),
		norm:    NewNormalizer(opts.Threshold),
		opts:    opts,
		logger:  log.Component("recognize.orchestrator"),
		current: &enginePair{defaultEng: defaultEng, fallbackEng: fallbackEng},
	}, nil
}

// SetEngines swaps the engine selection. The outgoing engines are
// closed as soon as the last in-flight cycle releases them; fresh
// engines start with clean liveness flags.
func (o *Orchestrator) SetEngines(defaultEng, fallbackEng engine.Engine) {
	o.mu.Lock()
	old := o.current
	o.current = &enginePair{defaultEng: defaultEng, fallbackEng: fallbackEng}
	old.retired = true
	closeNow := old.refs == 0
	o.mu.Unlock()

	if closeNow {
		old.close()
	}
}

// Close releases the installed engines. In-flight cycles finish with
// the engines they hold; the last one out closes them.
func (o *Orchestrator) Close() {
	o.SetEngines(nil, nil)
}

// Run executes one recognition cycle over the given regions.
// Terminal in one of Success, PartialSuccess, Failed.
func (o *Orchestrator) Run(ctx context.Context, regions []engine.Region) (Result, error) {
	result := Result{Status: Failed, Outcomes: make(map[string]engine.Outcome)}

	select {
	case o.gate <- struct{}{}:
		defer func() { <-o.gate }()
	case <-ctx.Done():
		return result, ctx.Err()
	}

	pair := o.acquire()
	defer o.release(pair)
	defaultEng, fallbackEng := o.engines(pair)

	var pending []engine.Region
	if defaultEng != nil {
		pending = o.invoke(ctx, pair, defaultEng, regions, result.Outcomes, false)
	} else {
		pending = regions
	}

	// Cost-aware partial retry: only positions still below threshold
	// go to the fallback engine, never the whole frame.
	if len(pending) > 0 && fallbackEng != nil {
		o.invoke(ctx, pair, fallbackEng, pending, result.Outcomes, true)
	}

	if len(result.Outcomes) == 0 {
		return result, engine.ErrUnavailable
	}

	result.Status = Success
	for _, region := range regions {
		outcome, ok := result.Outcomes[region.Position]
		if !ok {
			// Engine died mid-cycle; forward an empty flagged outcome.
			result.Outcomes[region.Position] = o.norm.Apply(engine.Outcome{
				Position:  region.Position,
				Ambiguous: true,
			})
			result.Status = PartialSuccess
			continue
		}
		if outcome.Ambiguous {
			result.Status = PartialSuccess
		}
	}

	return result, nil
}

// invoke runs eng over regions, storing normalized outcomes, and
// returns the regions that stayed below threshold. When replaceOnly
// is set (fallback pass), an outcome only replaces an existing one if
// it is an improvement; it never degrades a passing result.
func (o *Orchestrator) invoke(ctx context.Context, pair *enginePair, eng engine.Engine, regions []engine.Region, outcomes map[string]engine.Outcome, replaceOnly bool) []engine.Region {
	var pending []engine.Region

	for _, region := range regions {
		if ctx.Err() != nil {
			pending = append(pending, region)
			continue
		}

		invokeCtx, cancel := context.WithTimeout(ctx, o.opts.InvokeTimeout)
		outcome, err := eng.Recognize(invokeCtx, region)
		cancel()

		switch {
		case err == nil:
			// Keep going below.
		case engine.IsTimeout(err):
			// A timeout is a low-confidence outcome, not a crash.
			o.logger.Warn("engine invocation timed out",
				"engine", eng.Name(),
				"position", region.Position,
			)
			outcome = engine.Outcome{Position: region.Position, Engine: eng.Name()}
		case engine.IsUnavailable(err):
			// Backend unusable for the process lifetime; route around it.
			o.logger.Error("engine unavailable, marking dead",
				"engine", eng.Name(),
				"error", err,
			)
			o.markDead(pair, eng)
			pending = append(pending, region)
			for _, rest := range remaining(regions, region) {
				pending = append(pending, rest)
			}
			return pending
		default:
			o.logger.Warn("engine invocation failed",
				"engine", eng.Name(),
				"position", region.Position,
				"error", err,
			)
			outcome = engine.Outcome{Position: region.Position, Engine: eng.Name()}
		}

		normalized := o.norm.Apply(outcome)

		if replaceOnly {
			existing, ok := outcomes[region.Position]
			if ok && normalized.Confidence <= existing.Confidence {
				continue
			}
			if ok && !existing.Ambiguous {
				// Never degrade a result that already met the threshold.
				continue
			}
			o.logger.Info("fallback engine improved position",
				"engine", eng.Name(),
				"position", region.Position,
				"confidence", normalized.Confidence,
			)
		}

		outcomes[region.Position] = normalized
		if normalized.Ambiguous {
			pending = append(pending, region)
		}
	}

	return pending
}

// acquire pins the current pair for one cycle.
func (o *Orchestrator) acquire() *enginePair {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current.refs++
	return o.current
}

// release drops the pin; a retired pair is closed by the last holder.
func (o *Orchestrator) release(p *enginePair) {
	o.mu.Lock()
	p.refs--
	closeNow := p.retired && p.refs == 0
	o.mu.Unlock()

	if closeNow {
		p.close()
	}
}

func (o *Orchestrator) engines(p *enginePair) (engine.Engine, engine.Engine) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var defaultEng, fallbackEng engine.Engine
	if !p.defaultDead {
		defaultEng = p.defaultEng
	}
	if !p.fallbackDead {
		fallbackEng = p.fallbackEng
	}
	return defaultEng, fallbackEng
}

func (o *Orchestrator) markDead(p *enginePair, eng engine.Engine) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if eng == p.defaultEng {
		p.defaultDead = true
	}
	if eng == p.fallbackEng {
		p.fallbackDead = true
	}
}

// remaining returns the regions after the given one, preserving order.
func remaining(regions []engine.Region, after engine.Region) []engine.Region {
	for i, r := range regions {
		if r.Position == after.Position {
			return regions[i+1:]
		}
	}
	return nil
}
