// Package config loads and validates the tablesight configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tablevision/tablesight/pkg/card"
)

// Default locations, overridable via environment.
const (
	DefaultConfigPath = "config/tablesight.json"
	DefaultLogLevel   = "info"
)

// Path returns the config file path from TABLESIGHT_CONFIG or the default.
func Path() string {
	if p := os.Getenv("TABLESIGHT_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LogLevel returns the log level from TABLESIGHT_LOG_LEVEL or the default.
func LogLevel() string {
	if l := os.Getenv("TABLESIGHT_LOG_LEVEL"); l != "" {
		return l
	}
	return DefaultLogLevel
}

// Rect is a region of interest in frame pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// MarkPosition is one labeled region on a table, marked by an operator.
// A position with Marked=false must never be cropped or recognized.
type MarkPosition struct {
	Rect
	Label            string `json:"label"`
	Marked           bool   `json:"marked"`
	ValidationPassed bool   `json:"validation_passed"`
}

// CameraConfig describes one fixed table camera.
type CameraConfig struct {
	ID         string                  `json:"id"`
	TableID    string                  `json:"table_id"`
	IP         string                  `json:"ip"`
	Port       int                     `json:"port"`
	Username   string                  `json:"username"`
	Password   string                  `json:"password"`
	StreamPath string                  `json:"stream_path"`
	Enabled    bool                    `json:"enabled"`
	Positions  map[string]MarkPosition `json:"mark_positions"`
}

// MarkedPositions returns the labels of marked positions in canonical order.
func (c CameraConfig) MarkedPositions() []string {
	var labels []string
	for _, label := range card.Positions() {
		if pos, ok := c.Positions[label]; ok && pos.Marked {
			labels = append(labels, label)
		}
	}
	return labels
}

// Validate checks a camera configuration.
// Returns a list of validation errors, or nil if valid.
func (c CameraConfig) Validate() []string {
	var errors []string

	if c.ID == "" {
		errors = append(errors, "camera id is required")
	}
	if c.IP == "" {
		errors = append(errors, fmt.Sprintf("camera %s: ip is required", c.ID))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errors = append(errors, fmt.Sprintf("camera %s: port must be between 1 and 65535", c.ID))
	}

	for label, pos := range c.Positions {
		if !card.ValidPosition(label) {
			errors = append(errors, fmt.Sprintf("camera %s: unknown position label %q", c.ID, label))
			continue
		}
		if !pos.Marked {
			continue
		}
		if pos.Width <= 0 || pos.Height <= 0 {
			errors = append(errors, fmt.Sprintf("camera %s: position %s has a degenerate rectangle", c.ID, label))
		}
		if pos.X < 0 || pos.Y < 0 {
			errors = append(errors, fmt.Sprintf("camera %s: position %s has a negative origin", c.ID, label))
		}
	}

	return errors
}

// Engine names accepted by the registry.
const (
	EngineYOLO     = "yolo"
	EngineOCR      = "ocr"
	EngineTemplate = "template"
	EngineHybrid   = "hybrid"
)

// EngineConfig selects recognition engines and their model resources.
type EngineConfig struct {
	DefaultEngine  string `json:"default_engine"`
	FallbackEngine string `json:"fallback_engine"`

	// AcceptThreshold is the confidence below which an outcome is
	// flagged ambiguous. Must be in (0, 1].
	AcceptThreshold float64 `json:"accept_threshold"`

	// InvokeTimeoutMs bounds a single engine invocation.
	InvokeTimeoutMs int `json:"invoke_timeout_ms"`

	YOLOModelPath string `json:"yolo_model_path"`
	TemplateDir   string `json:"template_dir"`
	TessdataDir   string `json:"tessdata_dir"`
}

// InvokeTimeout returns the per-invocation timeout as a duration.
func (e EngineConfig) InvokeTimeout() time.Duration {
	return time.Duration(e.InvokeTimeoutMs) * time.Millisecond
}

func validEngineName(name string) bool {
	switch name {
	case EngineYOLO, EngineOCR, EngineTemplate, EngineHybrid:
		return true
	}
	return false
}

// Validate checks the engine configuration.
func (e EngineConfig) Validate() []string {
	var errors []string

	if !validEngineName(e.DefaultEngine) {
		errors = append(errors, fmt.Sprintf("default_engine %q is not one of yolo, ocr, template, hybrid", e.DefaultEngine))
	}
	if e.FallbackEngine != "" && !validEngineName(e.FallbackEngine) {
		errors = append(errors, fmt.Sprintf("fallback_engine %q is not one of yolo, ocr, template, hybrid", e.FallbackEngine))
	}
	if e.AcceptThreshold <= 0 || e.AcceptThreshold > 1 {
		errors = append(errors, "accept_threshold must be in (0, 1]")
	}
	if e.InvokeTimeoutMs <= 0 {
		errors = append(errors, "invoke_timeout_ms must be positive")
	}

	return errors
}

// PipelineConfig tunes the per-camera capture loop.
type PipelineConfig struct {
	// IntervalMs is the time between pipeline cycles.
	IntervalMs int `json:"interval_ms"`

	// BaseDelayMs is the first backoff delay after a stage failure.
	BaseDelayMs int `json:"base_delay_ms"`

	// MaxExponent caps the backoff doubling: delay = base * 2^min(n, MaxExponent).
	MaxExponent int `json:"max_exponent"`

	// MaxDelayMs is the absolute backoff ceiling.
	MaxDelayMs int `json:"max_delay_ms"`

	// MaxFailures is the consecutive-failure count after which the
	// pipeline stops scheduling until externally reset.
	MaxFailures int `json:"max_failures"`

	// MinFrameBytes rejects undersized captures as capture failures.
	MinFrameBytes int `json:"min_frame_bytes"`

	CaptureTimeoutMs int `json:"capture_timeout_ms"`
	CropTimeoutMs    int `json:"crop_timeout_ms"`

	// GateParallelism bounds concurrent recognition across all cameras.
	GateParallelism int `json:"gate_parallelism"`
}

// Interval returns the cycle interval as a duration.
func (p PipelineConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// BaseDelay returns the first backoff delay as a duration.
func (p PipelineConfig) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff ceiling as a duration.
func (p PipelineConfig) MaxDelay() time.Duration {
	return time.Duration(p.MaxDelayMs) * time.Millisecond
}

// CaptureTimeout returns the capture stage timeout.
func (p PipelineConfig) CaptureTimeout() time.Duration {
	return time.Duration(p.CaptureTimeoutMs) * time.Millisecond
}

// CropTimeout returns the crop stage timeout.
func (p PipelineConfig) CropTimeout() time.Duration {
	return time.Duration(p.CropTimeoutMs) * time.Millisecond
}

// Validate checks the pipeline configuration.
func (p PipelineConfig) Validate() []string {
	var errors []string

	if p.IntervalMs <= 0 {
		errors = append(errors, "interval_ms must be positive")
	}
	if p.BaseDelayMs <= 0 {
		errors = append(errors, "base_delay_ms must be positive")
	}
	if p.MaxExponent < 0 || p.MaxExponent > 16 {
		errors = append(errors, "max_exponent must be between 0 and 16")
	}
	if p.MaxDelayMs < p.BaseDelayMs {
		errors = append(errors, "max_delay_ms must be at least base_delay_ms")
	}
	if p.MaxFailures < 1 {
		errors = append(errors, "max_failures must be at least 1")
	}
	if p.MinFrameBytes < 0 {
		errors = append(errors, "min_frame_bytes must not be negative")
	}
	if p.CaptureTimeoutMs <= 0 {
		errors = append(errors, "capture_timeout_ms must be positive")
	}
	if p.CropTimeoutMs <= 0 {
		errors = append(errors, "crop_timeout_ms must be positive")
	}
	if p.GateParallelism < 1 {
		errors = append(errors, "gate_parallelism must be at least 1")
	}

	return errors
}

// PushConfig tunes the outbound result dispatcher.
type PushConfig struct {
	// URL is the websocket endpoint of the downstream consumer.
	URL string `json:"url"`

	// QueueSize bounds undelivered messages; oldest are dropped when full.
	QueueSize int `json:"queue_size"`

	// MaxAttempts is the delivery attempt ceiling per message.
	MaxAttempts int `json:"max_attempts"`

	RetryBaseMs  int `json:"retry_base_ms"`
	ReconnectMs  int `json:"reconnect_ms"`
	FlushGraceMs int `json:"flush_grace_ms"`
}

// RetryBase returns the delivery retry base delay.
func (p PushConfig) RetryBase() time.Duration {
	return time.Duration(p.RetryBaseMs) * time.Millisecond
}

// ReconnectDelay returns the reconnect backoff base.
func (p PushConfig) ReconnectDelay() time.Duration {
	return time.Duration(p.ReconnectMs) * time.Millisecond
}

// FlushGrace returns the shutdown flush grace period.
func (p PushConfig) FlushGrace() time.Duration {
	return time.Duration(p.FlushGraceMs) * time.Millisecond
}

// Validate checks the push configuration.
func (p PushConfig) Validate() []string {
	var errors []string

	if p.URL == "" {
		errors = append(errors, "push url is required")
	}
	if p.QueueSize < 1 {
		errors = append(errors, "queue_size must be at least 1")
	}
	if p.MaxAttempts < 1 {
		errors = append(errors, "max_attempts must be at least 1")
	}
	if p.RetryBaseMs <= 0 {
		errors = append(errors, "retry_base_ms must be positive")
	}
	if p.ReconnectMs <= 0 {
		errors = append(errors, "reconnect_ms must be positive")
	}
	if p.FlushGraceMs < 0 {
		errors = append(errors, "flush_grace_ms must not be negative")
	}

	return errors
}

// WebConfig tunes the local status API.
type WebConfig struct {
	Port string `json:"port"`
}

// Config is the top-level tablesight configuration.
type Config struct {
	Cameras  []CameraConfig `json:"cameras"`
	Engines  EngineConfig   `json:"engines"`
	Pipeline PipelineConfig `json:"pipeline"`
	Push     PushConfig     `json:"push"`
	Web      WebConfig      `json:"web"`
}

// Default returns the recommended configuration with no cameras.
func Default() Config {
	return Config{
		Engines: EngineConfig{
			DefaultEngine:   EngineYOLO,
			FallbackEngine:  EngineTemplate,
			AcceptThreshold: 0.6,
			InvokeTimeoutMs: 5000,
			YOLOModelPath:   "models/cards_yolov8.onnx",
			TemplateDir:     "models/templates",
		},
		Pipeline: PipelineConfig{
			IntervalMs:       3000,
			BaseDelayMs:      2000,
			MaxExponent:      5,
			MaxDelayMs:       60000,
			MaxFailures:      5,
			MinFrameBytes:    1000,
			CaptureTimeoutMs: 10000,
			CropTimeoutMs:    2000,
			GateParallelism:  1,
		},
		Push: PushConfig{
			QueueSize:    64,
			MaxAttempts:  3,
			RetryBaseMs:  500,
			ReconnectMs:  2000,
			FlushGraceMs: 3000,
		},
		Web: WebConfig{Port: "8090"},
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() []string {
	var errors []string

	seen := make(map[string]bool)
	for _, cam := range c.Cameras {
		if seen[cam.ID] {
			errors = append(errors, fmt.Sprintf("duplicate camera id %q", cam.ID))
		}
		seen[cam.ID] = true
		errors = append(errors, cam.Validate()...)
	}

	errors = append(errors, c.Engines.Validate()...)
	errors = append(errors, c.Pipeline.Validate()...)
	errors = append(errors, c.Push.Validate()...)

	return errors
}

// Load reads and validates a configuration file. Fields the file omits
// keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if problems := cfg.Validate(); len(problems) > 0 {
		return cfg, fmt.Errorf("invalid config: %v", problems)
	}
	return cfg, nil
}

// Save writes the configuration back to disk.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
