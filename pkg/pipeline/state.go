package pipeline

import (
	"sync"
	"time"
)

// Phase is the pipeline's current stage.
type Phase string

// Pipeline phases.
const (
	Idle        Phase = "idle"
	Capturing   Phase = "capturing"
	Cropping    Phase = "cropping"
	Recognizing Phase = "recognizing"
	Pushing     Phase = "pushing"
	Backoff     Phase = "backoff"
	Failed      Phase = "failed"
)

// State is a read-only snapshot of one camera's pipeline.
type State struct {
	CameraID            string    `json:"camera_id"`
	Phase               Phase     `json:"phase"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastResultHash      uint64    `json:"last_result_hash"`
	LastAttempt         time.Time `json:"last_attempt"`
	LastError           string    `json:"last_error,omitempty"`
}

// stateBox holds the mutable state. Only the owning pipeline
// goroutine mutates it; everyone else gets snapshots.
type stateBox struct {
	mu    sync.RWMutex
	state State
}

func newStateBox(cameraID string) *stateBox {
	return &stateBox{state: State{CameraID: cameraID, Phase: Idle}}
}

func (b *stateBox) snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *stateBox) phase() Phase {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Phase
}

func (b *stateBox) setPhase(p Phase) {
	b.mu.Lock()
	b.state.Phase = p
	b.mu.Unlock()
}

func (b *stateBox) beginAttempt() {
	b.mu.Lock()
	b.state.LastAttempt = time.Now()
	b.mu.Unlock()
}

func (b *stateBox) recordFailure(err error) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConsecutiveFailures++
	b.state.LastError = err.Error()
	return b.state.ConsecutiveFailures
}

func (b *stateBox) success(hash uint64) {
	b.mu.Lock()
	b.state.ConsecutiveFailures = 0
	b.state.LastResultHash = hash
	b.state.LastError = ""
	b.mu.Unlock()
}

func (b *stateBox) reset() {
	b.mu.Lock()
	b.state.Phase = Idle
	b.state.ConsecutiveFailures = 0
	b.state.LastError = ""
	b.mu.Unlock()
}
