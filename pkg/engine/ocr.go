package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/pkg/card"
)

// OCRConfig holds text-recognition engine configuration.
type OCRConfig struct {
	// TessdataDir overrides the tesseract data directory when set.
	TessdataDir string

	// Whitelist restricts recognition to rank characters.
	Whitelist string
}

// DefaultOCRConfig returns production defaults.
func DefaultOCRConfig() OCRConfig {
	return OCRConfig{
		Whitelist: "AKQJT0123456789",
	}
}

// OCR recognizes rank characters only and leaves suit unset.
type OCR struct {
	client *gosseract.Client
	mu     sync.Mutex
}

// NewOCR creates a tesseract-backed rank reader.
func NewOCR(cfg OCRConfig) (*OCR, error) {
	client := gosseract.NewClient()

	if cfg.TessdataDir != "" {
		if err := client.SetTessdataPrefix(cfg.TessdataDir); err != nil {
			client.Close()
			return nil, WrapError(config.EngineOCR, fmt.Errorf("tessdata prefix: %v: %w", err, ErrUnavailable))
		}
	}
	if err := client.SetWhitelist(cfg.Whitelist); err != nil {
		client.Close()
		return nil, WrapError(config.EngineOCR, fmt.Errorf("whitelist: %v: %w", err, ErrUnavailable))
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_WORD); err != nil {
		client.Close()
		return nil, WrapError(config.EngineOCR, fmt.Errorf("page seg mode: %v: %w", err, ErrUnavailable))
	}

	return &OCR{client: client}, nil
}

// Name implements Engine.
func (o *OCR) Name() string { return config.EngineOCR }

// Recognize reads the rank character from one region. Suit is always
// left unknown.
func (o *OCR) Recognize(ctx context.Context, region Region) (Outcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	outcome := Outcome{Position: region.Position, Engine: o.Name()}

	if err := ctx.Err(); err != nil {
		return outcome, WrapError(o.Name(), ErrTimeout)
	}

	if err := o.client.SetImageFromBytes(region.JPEG); err != nil {
		return outcome, WrapError(o.Name(), fmt.Errorf("set image: %w", err))
	}

	boxes, err := o.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return outcome, WrapError(o.Name(), fmt.Errorf("recognize text: %w", err))
	}

	// Keep the most confident word that parses as a rank.
	for _, box := range boxes {
		rank := card.ParseRank(normalizeOCRText(box.Word))
		if rank == card.RankUnknown {
			continue
		}
		conf := box.Confidence / 100
		if conf > outcome.Confidence {
			outcome.Rank = rank
			outcome.Confidence = conf
		}
	}

	return outcome, nil
}

// RecognizeBatch implements Engine.
func (o *OCR) RecognizeBatch(ctx context.Context, regions []Region) ([]Outcome, error) {
	return recognizeEach(ctx, o, regions)
}

// Close releases the tesseract client.
func (o *OCR) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.client.Close()
}

// normalizeOCRText cleans common tesseract confusions for rank glyphs.
func normalizeOCRText(s string) string {
	s = strings.TrimSpace(s)
	switch s {
	case "0", "O", "IO", "1O", "l0":
		return "10"
	}
	return s
}

// Verify OCR implements Engine at compile time.
var _ Engine = (*OCR)(nil)
