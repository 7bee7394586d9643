package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/pkg/dispatch"
	"github.com/tablevision/tablesight/pkg/engine"
	"github.com/tablevision/tablesight/pkg/pipeline"
	"github.com/tablevision/tablesight/pkg/recognize"
)

type fakeCapturer struct{}

func (fakeCapturer) Capture(ctx context.Context, cam config.CameraConfig) ([]byte, error) {
	return make([]byte, 2048), nil
}

type fakeCropper struct{}

func (fakeCropper) Crop(frame []byte, r config.Rect) ([]byte, error) {
	return make([]byte, 256), nil
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

func (f *fakeSink) cameras() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, msg := range f.messages {
		counts[msg.CameraID]++
	}
	return counts
}

func testCamera(id string) config.CameraConfig {
	return config.CameraConfig{
		ID:      id,
		IP:      "10.0.0.5",
		Port:    554,
		Enabled: true,
		Positions: map[string]config.MarkPosition{
			"primary-1": {Rect: config.Rect{X: 0, Y: 0, Width: 60, Height: 80}, Label: "primary-1", Marked: true},
		},
	}
}

func testConfig(cameras ...config.CameraConfig) config.Config {
	cfg := config.Default()
	cfg.Cameras = cameras
	cfg.Pipeline.IntervalMs = 10
	cfg.Pipeline.BaseDelayMs = 5
	cfg.Pipeline.CaptureTimeoutMs = 1000
	cfg.Pipeline.CropTimeoutMs = 1000
	cfg.Pipeline.MinFrameBytes = 10
	return cfg
}

func testOrchestrator(t *testing.T) *recognize.Orchestrator {
	t.Helper()
	orch, err := recognize.New(engine.NewMock(), nil, recognize.Options{
		Threshold:       0.6,
		GateParallelism: 1,
		InvokeTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("recognize.New: %v", err)
	}
	return orch
}

func TestSchedulerSkipsUnstartableCameras(t *testing.T) {
	disabled := testCamera("002")
	disabled.Enabled = false
	unmarked := testCamera("003")
	for label, pos := range unmarked.Positions {
		pos.Marked = false
		unmarked.Positions[label] = pos
	}
	cfg := testConfig(testCamera("001"), disabled, unmarked)

	s, err := New(cfg, fakeCapturer{}, fakeCropper{}, testOrchestrator(t), newFakeSink(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	states := s.States()
	if len(states) != 1 {
		t.Fatalf("States() = %d entries, want only the startable camera", len(states))
	}
	if _, ok := states["001"]; !ok {
		t.Error("Camera 001 missing from state map")
	}
}

func TestSchedulerRefusesWhenNoCameraStarts(t *testing.T) {
	disabled := testCamera("001")
	disabled.Enabled = false
	cfg := testConfig(disabled)

	if _, err := New(cfg, fakeCapturer{}, fakeCropper{}, testOrchestrator(t), newFakeSink(), nil); err == nil {
		t.Error("Scheduler with zero startable cameras must refuse construction")
	}
}

func TestSchedulerRunsEachCamera(t *testing.T) {
	cfg := testConfig(testCamera("001"), testCamera("002"))
	sink := newFakeSink()

	s, err := New(cfg, fakeCapturer{}, fakeCropper{}, testOrchestrator(t), sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool {
		counts := sink.cameras()
		return counts["001"] >= 1 && counts["002"] >= 1
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSchedulerResetUnknownCamera(t *testing.T) {
	cfg := testConfig(testCamera("001"))

	s, err := New(cfg, fakeCapturer{}, fakeCropper{}, testOrchestrator(t), newFakeSink(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Reset("999"); err == nil {
		t.Error("Reset for unknown camera must fail")
	}
	if err := s.Reset("001"); err != nil {
		t.Errorf("Reset(001) = %v", err)
	}
}

func TestSchedulerReconfigureRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(testCamera("001"))

	s, err := New(cfg, fakeCapturer{}, fakeCropper{}, testOrchestrator(t), newFakeSink(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bad := config.Default().Engines
	bad.AcceptThreshold = 1.5
	if err := s.Reconfigure(bad); err == nil {
		t.Error("Reconfigure with out-of-range threshold must fail")
	}
}

func TestSchedulerStateSnapshotsIndependent(t *testing.T) {
	cfg := testConfig(testCamera("001"))

	s, err := New(cfg, fakeCapturer{}, fakeCropper{}, testOrchestrator(t), newFakeSink(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := s.States()
	b := s.States()
	a["001"] = pipeline.State{CameraID: "tampered"}
	if b["001"].CameraID == "tampered" {
		t.Error("States() must return independent snapshots")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
