package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/pkg/capture"
	"github.com/tablevision/tablesight/pkg/card"
	"github.com/tablevision/tablesight/pkg/dispatch"
	"github.com/tablevision/tablesight/pkg/engine"
	"github.com/tablevision/tablesight/pkg/recognize"
)

type fakeCapturer struct {
	mu    sync.Mutex
	calls int
	frame []byte
	errs  []error // consumed per call; nil entry means success
}

func (f *fakeCapturer) Capture(ctx context.Context, cam config.CameraConfig) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.calls
	f.calls++
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	return f.frame, nil
}

func (f *fakeCapturer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCropper struct{}

func (fakeCropper) Crop(frame []byte, r config.Rect) ([]byte, error) {
	return make([]byte, 256), nil
}

type fakeRecognizer struct {
	mu      sync.Mutex
	results []recognize.Result
	calls   int
}

func (f *fakeRecognizer) Run(ctx context.Context, regions []engine.Region) (recognize.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	outcomes := make(map[string]engine.Outcome, len(regions))
	for _, r := range regions {
		outcomes[r.Position] = engine.Outcome{
			Position: r.Position, Suit: card.Spades, Rank: "A", Confidence: 0.9,
		}
	}
	return recognize.Result{Status: recognize.Success, Outcomes: outcomes}, nil
}

type fakeSink struct {
	mu       sync.Mutex
	seq      map[string]uint64
	messages []dispatch.Message
}

func newFakeSink() *fakeSink {
	return &fakeSink{seq: make(map[string]uint64)}
}

func (f *fakeSink) Enqueue(msg dispatch.Message) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq[msg.CameraID]++
	msg.Seq = f.seq[msg.CameraID]
	f.messages = append(f.messages, msg)
	return msg.Seq
}

func (f *fakeSink) enqueued() []dispatch.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

func testCamera(id string) config.CameraConfig {
	return config.CameraConfig{
		ID:      id,
		IP:      "10.0.0.5",
		Port:    554,
		Enabled: true,
		Positions: map[string]config.MarkPosition{
			"primary-1":   {Rect: config.Rect{X: 0, Y: 0, Width: 60, Height: 80}, Label: "primary-1", Marked: true},
			"secondary-2": {Rect: config.Rect{X: 100, Y: 0, Width: 60, Height: 80}, Label: "secondary-2", Marked: true},
		},
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		IntervalMs:       10,
		BaseDelayMs:      5,
		MaxExponent:      3,
		MaxDelayMs:       100,
		MaxFailures:      3,
		MinFrameBytes:    10,
		CaptureTimeoutMs: 1000,
		CropTimeoutMs:    1000,
		GateParallelism:  1,
	}
}

func TestPipelineRefusesMisconfiguredCamera(t *testing.T) {
	cfg := testPipelineConfig()
	cap := &fakeCapturer{frame: make([]byte, 2048)}
	rec := &fakeRecognizer{}
	sink := newFakeSink()

	disabled := testCamera("001")
	disabled.Enabled = false
	if _, err := New(disabled, cfg, cap, fakeCropper{}, rec, sink); err == nil {
		t.Error("Disabled camera must be refused")
	}

	unmarked := testCamera("001")
	for label, pos := range unmarked.Positions {
		pos.Marked = false
		unmarked.Positions[label] = pos
	}
	if _, err := New(unmarked, cfg, cap, fakeCropper{}, rec, sink); err == nil {
		t.Error("Camera with no marked positions must be refused")
	}

	malformed := testCamera("001")
	malformed.Positions["primary-1"] = config.MarkPosition{Label: "primary-1", Marked: true}
	if _, err := New(malformed, cfg, cap, fakeCropper{}, rec, sink); err == nil {
		t.Error("Degenerate rectangle must be refused")
	}
}

func TestPipelineCycleEnqueuesOneMessage(t *testing.T) {
	cap := &fakeCapturer{frame: make([]byte, 2048)}
	sink := newFakeSink()
	p, err := New(testCamera("001"), testPipelineConfig(), cap, fakeCropper{}, &fakeRecognizer{}, sink)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(sink.enqueued()) >= 2 })
	cancel()
	<-done

	msgs := sink.enqueued()
	if msgs[0].CameraID != "001" || msgs[0].Seq != 1 {
		t.Errorf("First message: %+v", msgs[0])
	}
	if msgs[1].Seq != msgs[0].Seq+1 {
		t.Errorf("Sequence must increment by 1 per cycle: %d then %d", msgs[0].Seq, msgs[1].Seq)
	}

	state := p.Snapshot()
	if state.ConsecutiveFailures != 0 {
		t.Errorf("Successful cycles must clear the failure counter, got %d", state.ConsecutiveFailures)
	}
	if state.LastResultHash == 0 {
		t.Error("Last result hash should be recorded")
	}
}

func TestPipelineFailureCounterReachesCeilingThenStops(t *testing.T) {
	// Every capture times out.
	cap := &fakeCapturer{errs: []error{
		capture.ErrTimeout, capture.ErrTimeout, capture.ErrTimeout,
		capture.ErrTimeout, capture.ErrTimeout,
	}}
	sink := newFakeSink()
	p, err := New(testCamera("002"), testPipelineConfig(), cap, fakeCropper{}, &fakeRecognizer{}, sink)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return p.Snapshot().Phase == Failed })

	attempts := cap.callCount()
	if attempts != 3 {
		t.Errorf("Expected exactly MaxFailures=3 capture attempts, got %d", attempts)
	}

	// No further capture attempts while Failed.
	time.Sleep(50 * time.Millisecond)
	if got := cap.callCount(); got != attempts {
		t.Errorf("Failed pipeline kept capturing: %d -> %d", attempts, got)
	}

	state := p.Snapshot()
	if state.ConsecutiveFailures != 3 {
		t.Errorf("Failure counter should be 3, got %d", state.ConsecutiveFailures)
	}
	if len(sink.enqueued()) != 0 {
		t.Error("Nothing should have been pushed")
	}

	cancel()
	<-done
}

// TestPipelineFinalFailureServesBackoffBeforeFailed: with base delay
// b and a ceiling of 3 the observed delays are b, 2b, 4b — the third
// failure's backoff is held before the Failed transition, not skipped.
func TestPipelineFinalFailureServesBackoffBeforeFailed(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.BaseDelayMs = 20

	cap := &fakeCapturer{errs: []error{
		capture.ErrTimeout, capture.ErrTimeout, capture.ErrTimeout,
	}}
	sink := newFakeSink()
	p, err := New(testCamera("002"), cfg, cap, fakeCropper{}, &fakeRecognizer{}, sink)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wantDelays := []time.Duration{
		20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond,
	}
	for i, want := range wantDelays {
		delay, failed := p.failure(capture.ErrTimeout)
		if delay != want {
			t.Errorf("Failure %d delay = %v, want %v", i+1, delay, want)
		}
		if failed != (i == len(wantDelays)-1) {
			t.Errorf("Failure %d failed flag = %v", i+1, failed)
		}
	}
	if p.Snapshot().Phase != Backoff {
		t.Errorf("Ceiling failure must hold Backoff, got %q", p.Snapshot().Phase)
	}
	p.Reset()

	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, func() bool { return p.Snapshot().Phase == Failed })

	var total time.Duration
	for _, d := range wantDelays {
		total += d
	}
	if elapsed := time.Since(start); elapsed < total {
		t.Errorf("Failed after %v, want at least %v of served backoff", elapsed, total)
	}
}

func TestPipelineResetResumesScheduling(t *testing.T) {
	cap := &fakeCapturer{
		frame: make([]byte, 2048),
		errs:  []error{capture.ErrTimeout, capture.ErrTimeout, capture.ErrTimeout},
	}
	sink := newFakeSink()
	p, _ := New(testCamera("002"), testPipelineConfig(), cap, fakeCropper{}, &fakeRecognizer{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, func() bool { return p.Snapshot().Phase == Failed })

	p.Reset()
	waitFor(t, func() bool { return len(sink.enqueued()) >= 1 })

	if state := p.Snapshot(); state.ConsecutiveFailures != 0 {
		t.Errorf("Reset should clear the counter, got %d", state.ConsecutiveFailures)
	}
}

func TestPipelineRejectsUndersizedFrame(t *testing.T) {
	// Frames below MinFrameBytes are capture failures.
	cap := &fakeCapturer{frame: make([]byte, 4)}
	sink := newFakeSink()
	p, _ := New(testCamera("003"), testPipelineConfig(), cap, fakeCropper{}, &fakeRecognizer{}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, func() bool { return p.Snapshot().Phase == Failed })

	if len(sink.enqueued()) != 0 {
		t.Error("Undersized frames must never reach recognition or push")
	}
}

func TestBackoffDelays(t *testing.T) {
	base := 2 * time.Second
	ceiling := 60 * time.Second

	// Three consecutive failures with ceiling exponent 3: 2s, 4s, 8s.
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, expect := range want {
		if got := backoffDelay(base, i+1, 3, ceiling); got != expect {
			t.Errorf("backoffDelay(failure %d) = %v, want %v", i+1, got, expect)
		}
	}

	// Exponent saturates at the configured maximum.
	if got := backoffDelay(base, 10, 3, ceiling); got != 16*time.Second {
		t.Errorf("Saturated delay = %v, want 16s", got)
	}

	// Absolute ceiling applies.
	if got := backoffDelay(base, 10, 12, ceiling); got != ceiling {
		t.Errorf("Capped delay = %v, want %v", got, ceiling)
	}
}

func TestHashOutcomesStable(t *testing.T) {
	outcomes := map[string]engine.Outcome{
		"primary-1":   {Suit: card.Hearts, Rank: "K"},
		"secondary-2": {Suit: card.Clubs, Rank: "3"},
	}

	first := hashOutcomes(outcomes)
	for i := 0; i < 5; i++ {
		if hashOutcomes(outcomes) != first {
			t.Fatal("Hash must be stable for identical outcomes")
		}
	}

	outcomes["secondary-2"] = engine.Outcome{Suit: card.Clubs, Rank: "4"}
	if hashOutcomes(outcomes) == first {
		t.Error("Hash must change when a value changes")
	}
}

// TestPipelineFallbackResolvesWeakPosition runs a full cycle against
// a real orchestrator: the default engine is weak on secondary-2, the
// fallback resolves it, and exactly one fully-resolved message is
// enqueued per cycle.
func TestPipelineFallbackResolvesWeakPosition(t *testing.T) {
	cam := testCamera("001")
	for _, label := range card.Positions() {
		cam.Positions[label] = config.MarkPosition{
			Rect: config.Rect{X: 0, Y: 0, Width: 60, Height: 80}, Label: label, Marked: true,
		}
	}

	strong := engine.Outcome{Suit: card.Spades, Rank: "A", Confidence: 0.9, Engine: "yolo"}
	defaults := make(map[string]engine.Outcome)
	for _, label := range card.Positions() {
		defaults[label] = strong
	}
	defaults["secondary-2"] = engine.Outcome{Suit: card.Hearts, Rank: "7", Confidence: 0.4, Engine: "yolo"}
	defaultEng := engine.WithOutcomes(defaults)

	fallbackEng := engine.WithOutcomes(map[string]engine.Outcome{
		"secondary-2": {Suit: card.Hearts, Rank: "7", Confidence: 0.95, Engine: "template"},
	})

	orch, err := recognize.New(defaultEng, fallbackEng, recognize.Options{
		Threshold:       0.6,
		GateParallelism: 1,
		InvokeTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("recognize.New failed: %v", err)
	}

	cap := &fakeCapturer{frame: make([]byte, 2048)}
	sink := newFakeSink()
	p, err := New(cam, testPipelineConfig(), cap, fakeCropper{}, orch, sink)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(sink.enqueued()) >= 1 })
	cancel()
	<-done

	msg := sink.enqueued()[0]
	if msg.Seq != 1 {
		t.Errorf("First cycle seq = %d, want 1", msg.Seq)
	}
	for _, label := range card.Positions() {
		pos := msg.Positions[label]
		if pos.Suit == "" || pos.Rank == "" {
			t.Errorf("Position %s unresolved: %+v", label, pos)
		}
		if pos.Ambiguous {
			t.Errorf("Position %s flagged ambiguous after fallback resolved it", label)
		}
	}
	if got := fallbackEng.RecognizedPositions(); len(got) != 1 || got[0] != "secondary-2" {
		t.Errorf("Fallback must see only the weak position, saw %v", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}
