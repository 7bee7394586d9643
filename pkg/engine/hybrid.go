package engine

import (
	"context"
	"log/slog"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/internal/log"
	"github.com/tablevision/tablesight/pkg/card"
)

// Hybrid invokes a deep-model engine for suit and a text engine for
// rank on the same region, then merges the halves into one outcome.
// The merge is deterministic: given fixed sub-engine outputs the
// result is identical across runs.
type Hybrid struct {
	suitSource Engine
	rankSource Engine
	logger     *slog.Logger
}

// NewHybrid creates a hybrid engine from a suit source (deep model)
// and a rank source (text recognition).
func NewHybrid(suitSource, rankSource Engine) (*Hybrid, error) {
	if suitSource == nil || rankSource == nil {
		return nil, WrapError(config.EngineHybrid, ErrUnavailable)
	}
	return &Hybrid{
		suitSource: suitSource,
		rankSource: rankSource,
		logger:     log.Component("engine.hybrid"),
	}, nil
}

// Name implements Engine.
func (h *Hybrid) Name() string { return config.EngineHybrid }

// Recognize runs both sub-engines on the region and merges.
// If one sub-engine fails, the succeeding half survives and the
// outcome is flagged ambiguous. Both failing is an engine error.
func (h *Hybrid) Recognize(ctx context.Context, region Region) (Outcome, error) {
	primary, primaryErr := h.suitSource.Recognize(ctx, region)
	secondary, secondaryErr := h.rankSource.Recognize(ctx, region)

	if primaryErr != nil && secondaryErr != nil {
		if IsUnavailable(primaryErr) && IsUnavailable(secondaryErr) {
			return Outcome{Position: region.Position, Engine: h.Name()}, WrapError(h.Name(), ErrUnavailable)
		}
		return Outcome{Position: region.Position, Engine: h.Name()}, WrapError(h.Name(), primaryErr)
	}

	if primaryErr != nil {
		h.logger.Warn("suit source failed, keeping rank half",
			"position", region.Position,
			"error", primaryErr,
		)
		secondary.Engine = h.Name()
		secondary.Ambiguous = true
		return secondary, nil
	}
	if secondaryErr != nil {
		h.logger.Warn("rank source failed, keeping suit half",
			"position", region.Position,
			"error", secondaryErr,
		)
		primary.Engine = h.Name()
		primary.Ambiguous = true
		return primary, nil
	}

	return mergeHalves(primary, secondary, h.Name()), nil
}

// RecognizeBatch implements Engine.
func (h *Hybrid) RecognizeBatch(ctx context.Context, regions []Region) ([]Outcome, error) {
	return recognizeEach(ctx, h, regions)
}

// Close closes both sub-engines.
func (h *Hybrid) Close() error {
	err := h.suitSource.Close()
	if cerr := h.rankSource.Close(); err == nil {
		err = cerr
	}
	return err
}

// mergeHalves combines the suit-source (primary) and rank-source
// (secondary) outcomes for one region.
//
// Fields only one half reports are taken from that half. When both
// halves report the same field, the higher-confidence half wins; a
// tie keeps the primary value and flags ambiguity.
func mergeHalves(primary, secondary Outcome, name string) Outcome {
	merged := Outcome{
		Position: primary.Position,
		Engine:   name,
	}

	suit, suitConf, suitAmbiguous := pickSuit(primary, secondary)
	rank, rankConf, rankAmbiguous := pickRank(primary, secondary)

	merged.Suit = suit
	merged.Rank = rank
	merged.Ambiguous = suitAmbiguous || rankAmbiguous

	// Conservative confidence: the weaker of the resolved halves.
	switch {
	case suit != card.SuitUnknown && rank != card.RankUnknown:
		merged.Confidence = minFloat(suitConf, rankConf)
	case suit != card.SuitUnknown:
		merged.Confidence = suitConf
	case rank != card.RankUnknown:
		merged.Confidence = rankConf
	}

	return merged
}

func pickSuit(primary, secondary Outcome) (card.Suit, float64, bool) {
	switch {
	case primary.Suit == card.SuitUnknown && secondary.Suit == card.SuitUnknown:
		return card.SuitUnknown, 0, true
	case secondary.Suit == card.SuitUnknown:
		return primary.Suit, primary.Confidence, false
	case primary.Suit == card.SuitUnknown:
		return secondary.Suit, secondary.Confidence, false
	case primary.Suit == secondary.Suit:
		return primary.Suit, maxFloat(primary.Confidence, secondary.Confidence), false
	case secondary.Confidence > primary.Confidence:
		return secondary.Suit, secondary.Confidence, false
	case primary.Confidence > secondary.Confidence:
		return primary.Suit, primary.Confidence, false
	default:
		// Disagreement at equal confidence: primary wins, flagged.
		return primary.Suit, primary.Confidence, true
	}
}

func pickRank(primary, secondary Outcome) (card.Rank, float64, bool) {
	switch {
	case primary.Rank == card.RankUnknown && secondary.Rank == card.RankUnknown:
		return card.RankUnknown, 0, true
	case secondary.Rank == card.RankUnknown:
		return primary.Rank, primary.Confidence, false
	case primary.Rank == card.RankUnknown:
		return secondary.Rank, secondary.Confidence, false
	case primary.Rank == secondary.Rank:
		return primary.Rank, maxFloat(primary.Confidence, secondary.Confidence), false
	case secondary.Confidence > primary.Confidence:
		return secondary.Rank, secondary.Confidence, false
	case primary.Confidence > secondary.Confidence:
		return primary.Rank, primary.Confidence, false
	default:
		return primary.Rank, primary.Confidence, true
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Verify Hybrid implements Engine at compile time.
var _ Engine = (*Hybrid)(nil)
