package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/tablevision/tablesight/pkg/card"
	"github.com/tablevision/tablesight/pkg/engine"
)

// MessageType is the wire type tag for recognition updates. The exact
// field names and nesting of the wire message are fixed for downstream
// compatibility.
const MessageType = "recognition_result_update"

// PositionResult is the per-slot payload on the wire.
type PositionResult struct {
	Suit string `json:"suit"`
	Rank string `json:"rank"`

	// Ambiguous marks a below-threshold value the consumer may choose
	// to distrust. Omitted when false to keep the base shape intact.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Message is one recognition update bound for the downstream consumer.
type Message struct {
	Type      string                    `json:"type"`
	CameraID  string                    `json:"camera_id"`
	Positions map[string]PositionResult `json:"positions"`
	Timestamp string                    `json:"timestamp"`

	// ID identifies the message in logs; not sent on the wire keys
	// the consumer depends on.
	ID string `json:"-"`

	// Seq is the per-camera sequence number, assigned at enqueue,
	// strictly increasing.
	Seq uint64 `json:"-"`
}

// NewMessage builds a wire message from a recognition cycle's outcomes.
// Every canonical position appears in the payload; positions without
// an outcome are sent empty, matching the consumer's fixed schema.
func NewMessage(cameraID string, outcomes map[string]engine.Outcome, now time.Time) Message {
	positions := make(map[string]PositionResult, len(card.Positions()))
	for _, label := range card.Positions() {
		outcome, ok := outcomes[label]
		if !ok {
			positions[label] = PositionResult{}
			continue
		}
		positions[label] = PositionResult{
			Suit:      string(outcome.Suit),
			Rank:      string(outcome.Rank),
			Ambiguous: outcome.Ambiguous,
		}
	}

	return Message{
		Type:      MessageType,
		CameraID:  cameraID,
		Positions: positions,
		Timestamp: now.UTC().Format(time.RFC3339),
		ID:        uuid.NewString(),
	}
}
