// Package engine provides card recognition behind a single Engine interface,
// enabling switching between backends (YOLO deep model, OCR text recognition,
// classical template matching, and a hybrid of the first two) via configuration.
//
// Engine instances are not safe for concurrent use by multiple callers:
// model backends are generally not reentrant. Callers must serialize access,
// which the recognize.Orchestrator does through its shared gate. Each backend
// additionally guards its own handle with a mutex.
package engine

import (
	"context"

	"github.com/tablevision/tablesight/pkg/card"
)

// Region is one cropped position image handed to an engine.
type Region struct {
	// Position is the canonical slot label the crop came from.
	Position string

	// JPEG is the encoded sub-image.
	JPEG []byte
}

// Outcome is the normalized result of recognizing one region.
type Outcome struct {
	// Position is the slot label this outcome belongs to.
	Position string `json:"position"`

	// Suit and Rank are canonical values; empty when unresolved.
	Suit card.Suit `json:"suit"`
	Rank card.Rank `json:"rank"`

	// Confidence is in [0, 1].
	Confidence float64 `json:"confidence"`

	// Engine names the backend that produced this outcome.
	Engine string `json:"engine"`

	// Ambiguous is set when confidence is below the acceptance
	// threshold. Ambiguous outcomes are forwarded, not dropped.
	Ambiguous bool `json:"ambiguous"`
}

// Resolved reports whether both fields were recognized.
func (o Outcome) Resolved() bool {
	return o.Suit != card.SuitUnknown && o.Rank != card.RankUnknown
}

// Engine is the recognition backend contract.
type Engine interface {
	// Recognize runs inference on a single region.
	Recognize(ctx context.Context, region Region) (Outcome, error)

	// RecognizeBatch runs inference on several regions, returning one
	// outcome per region in the same order.
	RecognizeBatch(ctx context.Context, regions []Region) ([]Outcome, error)

	// Name identifies the backend in outcomes and logs.
	Name() string

	// Close releases backend resources.
	Close() error
}

// recognizeEach implements RecognizeBatch for backends whose native
// API is single-region.
func recognizeEach(ctx context.Context, e Engine, regions []Region) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(regions))
	for _, region := range regions {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		outcome, err := e.Recognize(ctx, region)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
