// Package pipeline drives one camera through repeating
// capture→crop→recognize→push cycles. Each pipeline owns its state
// exclusively; other components read snapshots only.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"time"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/internal/log"
	"github.com/tablevision/tablesight/pkg/capture"
	"github.com/tablevision/tablesight/pkg/crop"
	"github.com/tablevision/tablesight/pkg/dispatch"
	"github.com/tablevision/tablesight/pkg/engine"
	"github.com/tablevision/tablesight/pkg/recognize"
)

// Recognizer runs one recognition cycle. Satisfied by
// *recognize.Orchestrator.
type Recognizer interface {
	Run(ctx context.Context, regions []engine.Region) (recognize.Result, error)
}

// Enqueuer accepts outbound messages. Satisfied by
// *dispatch.Dispatcher.
type Enqueuer interface {
	Enqueue(msg dispatch.Message) uint64
}

// Pipeline is the per-camera finite state machine.
type Pipeline struct {
	cam      config.CameraConfig
	cfg      config.PipelineConfig
	capturer capture.Capturer
	cropper  crop.Cropper
	rec      Recognizer
	sink     Enqueuer
	logger   *slog.Logger

	// OnResult, when set, receives each forwarded recognition cycle
	// (for the local dashboard hub). Must not block.
	OnResult func(cameraID string, result recognize.Result)

	state   *stateBox
	resetCh chan struct{}
}

// New validates the camera and builds its pipeline. Configuration
// errors (disabled camera, no marked positions, malformed rectangles)
// are surfaced here; the pipeline refuses to start.
func New(cam config.CameraConfig, cfg config.PipelineConfig, capturer capture.Capturer, cropper crop.Cropper, rec Recognizer, sink Enqueuer) (*Pipeline, error) {
	if !cam.Enabled {
		return nil, fmt.Errorf("pipeline: camera %s is disabled", cam.ID)
	}
	if problems := cam.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("pipeline: camera %s misconfigured: %v", cam.ID, problems)
	}
	if len(cam.MarkedPositions()) == 0 {
		return nil, fmt.Errorf("pipeline: camera %s has no marked positions", cam.ID)
	}
	if capturer == nil || cropper == nil || rec == nil || sink == nil {
		return nil, fmt.Errorf("pipeline: camera %s: missing collaborator", cam.ID)
	}

	return &Pipeline{
		cam:      cam,
		cfg:      cfg,
		capturer: capturer,
		cropper:  cropper,
		rec:      rec,
		sink:     sink,
		logger:   log.Component("pipeline").With("camera", cam.ID),
		state:    newStateBox(cam.ID),
		resetCh:  make(chan struct{}, 1),
	}, nil
}

// CameraID returns the owning camera's identifier.
func (p *Pipeline) CameraID() string { return p.cam.ID }

// Snapshot returns a read-only copy of the pipeline state.
func (p *Pipeline) Snapshot() State { return p.state.snapshot() }

// Reset clears the Failed state so scheduling resumes, e.g. after an
// operator re-enables the camera.
func (p *Pipeline) Reset() {
	p.state.reset()
	select {
	case p.resetCh <- struct{}{}:
	default:
	}
	p.logger.Info("pipeline reset")
}

// Run drives cycles until ctx is canceled. Cycles for one camera are
// strictly sequential; there is never an overlapping capture.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("pipeline started",
		"positions", len(p.cam.MarkedPositions()),
		"interval", p.cfg.Interval(),
	)

	for {
		if p.state.phase() == Failed {
			// Burned out: no further ticks until externally reset.
			select {
			case <-p.resetCh:
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := p.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay, failed := p.failure(err)
			// Hold Backoff for the delay even on the final failure,
			// so every failure's delay is observable before Failed.
			if !p.sleep(ctx, delay) {
				return
			}
			if failed {
				p.state.setPhase(Failed)
				p.logger.Error("pipeline failed, scheduling stopped until reset")
				continue // wait for reset
			}
			p.state.setPhase(Idle)
			continue
		}

		p.state.setPhase(Idle)
		if !p.sleep(ctx, p.cfg.Interval()) {
			return
		}
	}
}

// sleep waits unless the context finishes first.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// cycle runs one capture→crop→recognize→push traversal.
func (p *Pipeline) cycle(ctx context.Context) error {
	p.state.beginAttempt()

	p.state.setPhase(Capturing)
	captureCtx, cancel := context.WithTimeout(ctx, p.cfg.CaptureTimeout())
	frame, err := p.capturer.Capture(captureCtx, p.cam)
	cancel()
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if len(frame) < p.cfg.MinFrameBytes {
		return fmt.Errorf("capture: %d bytes: %w", len(frame), capture.ErrFrameTooSmall)
	}

	p.state.setPhase(Cropping)
	cropCtx, cancel := context.WithTimeout(ctx, p.cfg.CropTimeout())
	regions, err := p.cropMarked(cropCtx, frame)
	cancel()
	if err != nil {
		return fmt.Errorf("crop: %w", err)
	}

	p.state.setPhase(Recognizing)
	result, err := p.rec.Run(ctx, regions)
	if err != nil {
		return fmt.Errorf("recognize: %w", err)
	}
	if result.Status == recognize.Failed {
		return fmt.Errorf("recognize: no usable engine")
	}

	// Push enqueue never blocks; delivery failures are the
	// dispatcher's concern, not the pipeline's.
	p.state.setPhase(Pushing)
	msg := dispatch.NewMessage(p.cam.ID, result.Outcomes, time.Now())
	seq := p.sink.Enqueue(msg)

	p.state.success(hashOutcomes(result.Outcomes))
	p.logger.Info("cycle complete",
		"status", result.Status.String(),
		"seq", seq,
	)

	if p.OnResult != nil {
		p.OnResult(p.cam.ID, result)
	}
	return nil
}

// cropMarked crops the marked regions, honoring the crop stage
// timeout and the minimum sub-image size.
func (p *Pipeline) cropMarked(ctx context.Context, frame []byte) ([]engine.Region, error) {
	type cropped struct {
		regions []engine.Region
		err     error
	}

	// Cropping is CPU bound; run it off the loop goroutine so a stuck
	// decode cannot outlive its stage timeout.
	ch := make(chan cropped, 1)
	go func() {
		regions, err := crop.Marked(p.cropper, frame, p.cam)
		ch <- cropped{regions, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		for _, region := range out.regions {
			// An undersized crop is a capture failure, never recognized.
			if len(region.JPEG) < minCropBytes(p.cfg.MinFrameBytes) {
				return nil, fmt.Errorf("position %s: %d bytes: %w",
					region.Position, len(region.JPEG), capture.ErrFrameTooSmall)
			}
		}
		return out.regions, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("crop: %w", ctx.Err())
	}
}

// failure records a stage failure and returns the backoff delay plus
// whether the consecutive-failure ceiling was reached. The delay is
// always served; the Failed latch engages after it.
func (p *Pipeline) failure(err error) (time.Duration, bool) {
	failures := p.state.recordFailure(err)
	delay := backoffDelay(p.cfg.BaseDelay(), failures, p.cfg.MaxExponent, p.cfg.MaxDelay())
	p.state.setPhase(Backoff)

	if failures >= p.cfg.MaxFailures {
		p.logger.Error("failure ceiling reached, will stop after backoff",
			"consecutive_failures", failures,
			"delay", delay,
			"error", err,
		)
		return delay, true
	}

	p.logger.Warn("cycle failed, backing off",
		"consecutive_failures", failures,
		"delay", delay,
		"error", err,
	)
	return delay, false
}

// backoffDelay computes base * 2^min(failures-1, maxExponent), capped.
func backoffDelay(base time.Duration, failures, maxExponent int, ceiling time.Duration) time.Duration {
	exp := failures - 1
	if exp > maxExponent {
		exp = maxExponent
	}
	if exp < 0 {
		exp = 0
	}
	delay := base << uint(exp)
	if delay > ceiling || delay <= 0 {
		return ceiling
	}
	return delay
}

// minCropBytes scales the frame threshold down for sub-images. Crops
// are a fraction of the frame; a fixed floor of 64 bytes catches
// truly empty encodes without rejecting small legitimate regions.
func minCropBytes(minFrameBytes int) int {
	min := minFrameBytes / 10
	if min < 64 {
		min = 64
	}
	return min
}

// hashOutcomes produces a stable hash of a cycle's resolved values,
// kept in the state for change detection by observers.
func hashOutcomes(outcomes map[string]engine.Outcome) uint64 {
	labels := make([]string, 0, len(outcomes))
	for label := range outcomes {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	h := fnv.New64a()
	for _, label := range labels {
		o := outcomes[label]
		fmt.Fprintf(h, "%s=%s/%s;", label, o.Suit, o.Rank)
	}
	return h.Sum64()
}
