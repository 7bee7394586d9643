package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/pkg/card"
)

// TemplateConfig holds template-match engine configuration.
type TemplateConfig struct {
	// Dir contains one grayscale template image per card,
	// named "<suit>_<rank>.png".
	Dir string
}

// Template is the classical-vision fallback. It requires no learned
// model and scores each region against a card template library.
type Template struct {
	templates map[string]gocv.Mat
	mu        sync.Mutex
}

// NewTemplate loads the template library from cfg.Dir.
func NewTemplate(cfg TemplateConfig) (*Template, error) {
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, WrapError(config.EngineTemplate, fmt.Errorf("template dir %s: %v: %w", cfg.Dir, err, ErrUnavailable))
	}

	templates := make(map[string]gocv.Mat)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if suit, rank := card.ParseClassName(name); suit == card.SuitUnknown || rank == card.RankUnknown {
			continue
		}

		mat := gocv.IMRead(filepath.Join(cfg.Dir, entry.Name()), gocv.IMReadGrayScale)
		if mat.Empty() {
			mat.Close()
			continue
		}
		templates[name] = mat
	}

	if len(templates) == 0 {
		return nil, WrapError(config.EngineTemplate, fmt.Errorf("no card templates in %s: %w", cfg.Dir, ErrUnavailable))
	}

	return &Template{templates: templates}, nil
}

// Name implements Engine.
func (t *Template) Name() string { return config.EngineTemplate }

// Recognize scores the region against every template and keeps the
// best normalized correlation.
func (t *Template) Recognize(ctx context.Context, region Region) (Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	outcome := Outcome{Position: region.Position, Engine: t.Name()}

	img, err := gocv.IMDecode(region.JPEG, gocv.IMReadGrayScale)
	if err != nil {
		return outcome, WrapError(t.Name(), fmt.Errorf("decode image: %w", err))
	}
	defer img.Close()

	if img.Empty() {
		return outcome, WrapError(t.Name(), fmt.Errorf("empty image"))
	}

	bestScore := float32(-1)
	bestClass := ""

	for class, tmpl := range t.templates {
		if err := ctx.Err(); err != nil {
			return outcome, WrapError(t.Name(), ErrTimeout)
		}
		if tmpl.Cols() > img.Cols() || tmpl.Rows() > img.Rows() {
			continue
		}

		result := gocv.NewMat()
		mask := gocv.NewMat()
		gocv.MatchTemplate(img, tmpl, &result, gocv.TmCcoeffNormed, mask)
		_, maxVal, _, _ := gocv.MinMaxLoc(result)
		result.Close()
		mask.Close()

		if maxVal > bestScore {
			bestScore = maxVal
			bestClass = class
		}
	}

	if bestClass == "" {
		return outcome, nil
	}

	suit, rank := card.ParseClassName(bestClass)
	outcome.Suit = suit
	outcome.Rank = rank
	outcome.Confidence = clamp01(float64(bestScore))
	return outcome, nil
}

// RecognizeBatch implements Engine.
func (t *Template) RecognizeBatch(ctx context.Context, regions []Region) ([]Outcome, error) {
	return recognizeEach(ctx, t, regions)
}

// Close releases the template library.
func (t *Template) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tmpl := range t.templates {
		tmpl.Close()
	}
	t.templates = nil
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Verify Template implements Engine at compile time.
var _ Engine = (*Template)(nil)
