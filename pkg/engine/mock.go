package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tablevision/tablesight/pkg/card"
)

// Mock implements Engine for testing.
type Mock struct {
	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// RecognizeFunc is called when Recognize is invoked.
	RecognizeFunc func(ctx context.Context, region Region) (Outcome, error)

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation.
type MockCall struct {
	Method   string
	Position string
	Time     time.Time
}

// NewMock creates a mock engine that resolves every region with a
// fixed high-confidence card.
func NewMock() *Mock {
	return &Mock{
		NameValue: "mock",
		RecognizeFunc: func(ctx context.Context, region Region) (Outcome, error) {
			return Outcome{
				Position:   region.Position,
				Suit:       card.Spades,
				Rank:       "A",
				Confidence: 0.99,
				Engine:     "mock",
			}, nil
		},
	}
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{
		NameValue: "mock",
		RecognizeFunc: func(ctx context.Context, region Region) (Outcome, error) {
			return Outcome{Position: region.Position, Engine: "mock"}, err
		},
	}
}

// WithOutcomes returns a mock that answers each position from the
// given table; positions not in the table get a zero outcome.
func WithOutcomes(outcomes map[string]Outcome) *Mock {
	return &Mock{
		NameValue: "mock",
		RecognizeFunc: func(ctx context.Context, region Region) (Outcome, error) {
			if o, ok := outcomes[region.Position]; ok {
				o.Position = region.Position
				return o, nil
			}
			return Outcome{Position: region.Position, Engine: "mock"}, nil
		},
	}
}

// Name implements Engine.
func (m *Mock) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

// Recognize calls RecognizeFunc and records the call.
func (m *Mock) Recognize(ctx context.Context, region Region) (Outcome, error) {
	m.record("Recognize", region.Position)
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(ctx, region)
	}
	return Outcome{Position: region.Position, Engine: m.Name()}, WrapError(m.Name(), ErrUnavailable)
}

// RecognizeBatch recognizes each region via RecognizeFunc.
func (m *Mock) RecognizeBatch(ctx context.Context, regions []Region) ([]Outcome, error) {
	return recognizeEach(ctx, m, regions)
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.record("Close", "")
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *Mock) record(method, position string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Position: position, Time: time.Now()})
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// RecognizedPositions returns the positions passed to Recognize, in order.
func (m *Mock) RecognizedPositions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var positions []string
	for _, c := range m.calls {
		if c.Method == "Recognize" {
			positions = append(positions, c.Position)
		}
	}
	return positions
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Verify Mock implements Engine at compile time.
var _ Engine = (*Mock)(nil)
