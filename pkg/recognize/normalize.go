// Package recognize sequences recognition engines over cropped regions:
// a Normalizer applies the confidence acceptance policy and an
// Orchestrator drives the default engine with cost-aware fallback.
package recognize

import (
	"math"

	"github.com/tablevision/tablesight/pkg/card"
	"github.com/tablevision/tablesight/pkg/engine"
)

// Normalizer canonicalizes engine outcomes and applies the confidence
// acceptance threshold.
type Normalizer struct {
	threshold float64
}

// NewNormalizer creates a normalizer with the given acceptance
// threshold in (0, 1].
func NewNormalizer(threshold float64) Normalizer {
	return Normalizer{threshold: threshold}
}

// Threshold returns the acceptance threshold.
func (n Normalizer) Threshold() float64 {
	return n.threshold
}

// Apply canonicalizes one outcome and enforces the ambiguity
// invariant: an ambiguous outcome always carries a confidence below
// the threshold, and any confidence below the threshold is ambiguous.
// Ambiguous outcomes are forwarded downstream, flagged, never dropped.
func (n Normalizer) Apply(o engine.Outcome) engine.Outcome {
	o.Suit = card.ParseSuit(string(o.Suit))
	o.Rank = card.ParseRank(string(o.Rank))

	if o.Confidence < 0 {
		o.Confidence = 0
	}
	if o.Confidence > 1 {
		o.Confidence = 1
	}

	// A half-read card (OCR yields the rank but no suit) is ambiguous no
	// matter how sure the backend was about the half it got.
	if !o.Resolved() {
		o.Ambiguous = true
	}

	// An outcome a backend already flagged (hybrid disagreement, partial
	// merge) must not read as trustworthy downstream.
	if o.Ambiguous && o.Confidence >= n.threshold {
		o.Confidence = math.Nextafter(n.threshold, 0)
	}
	o.Ambiguous = o.Confidence < n.threshold

	return o
}

// Accepted reports whether the outcome meets the threshold.
func (n Normalizer) Accepted(o engine.Outcome) bool {
	return !o.Ambiguous && o.Confidence >= n.threshold
}
