package engine

import (
	"errors"
	"testing"

	"github.com/tablevision/tablesight/internal/config"
)

func TestBuildRejectsUnknownEngine(t *testing.T) {
	_, err := Build("detectron", config.Default().Engines)
	if !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("Build(detectron) = %v, want ErrUnknownEngine", err)
	}
}

func TestBuildYOLOWithoutModelIsUnavailable(t *testing.T) {
	cfg := config.Default().Engines
	cfg.YOLOModelPath = t.TempDir() + "/missing.onnx"

	_, err := Build(config.EngineYOLO, cfg)
	if !IsUnavailable(err) {
		t.Errorf("Build(yolo) without model = %v, want unavailable", err)
	}
}

func TestNormalizeOCRText(t *testing.T) {
	cases := map[string]string{
		"A":    "A",
		" K ":  "K",
		"0":    "10",
		"O":    "10",
		"IO":   "10",
		"1O":   "10",
		"l0":   "10",
		"10":   "10",
		"Q":    "Q",
		"junk": "junk",
	}
	for in, want := range cases {
		if got := normalizeOCRText(in); got != want {
			t.Errorf("normalizeOCRText(%q) = %q, want %q", in, got, want)
		}
	}
}
