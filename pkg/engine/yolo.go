package engine

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/pkg/card"
)

// YOLOConfig holds deep-model engine configuration.
type YOLOConfig struct {
	ModelPath        string
	ConfidenceThresh float32
	NMSThresh        float32
	InputWidth       int
	InputHeight      int
}

// DefaultYOLOConfig returns production defaults for the card model.
func DefaultYOLOConfig() YOLOConfig {
	return YOLOConfig{
		ModelPath:        "models/cards_yolov8.onnx",
		ConfidenceThresh: 0.25,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
	}
}

// YOLO is the full-card deep-model engine. Highest accuracy, highest
// latency and resource cost.
type YOLO struct {
	net       gocv.Net
	config    YOLOConfig
	classes   []string
	inputSize image.Point
	mu        sync.Mutex
}

// NewYOLO loads the ONNX card model.
func NewYOLO(cfg YOLOConfig) (*YOLO, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, WrapError(config.EngineYOLO, fmt.Errorf("model file not found: %s: %w", cfg.ModelPath, ErrUnavailable))
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, WrapError(config.EngineYOLO, fmt.Errorf("failed to load model from %s: %w", cfg.ModelPath, ErrUnavailable))
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &YOLO{
		net:       net,
		config:    cfg,
		classes:   card.ClassNames(),
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
	}, nil
}

// Name implements Engine.
func (y *YOLO) Name() string { return config.EngineYOLO }

// Recognize runs the card model on one region and keeps the strongest
// detection.
func (y *YOLO) Recognize(ctx context.Context, region Region) (Outcome, error) {
	y.mu.Lock()
	defer y.mu.Unlock()

	outcome := Outcome{Position: region.Position, Engine: y.Name()}

	if err := ctx.Err(); err != nil {
		return outcome, WrapError(y.Name(), ErrTimeout)
	}

	img, err := gocv.IMDecode(region.JPEG, gocv.IMReadColor)
	if err != nil {
		return outcome, WrapError(y.Name(), fmt.Errorf("decode image: %w", err))
	}
	defer img.Close()

	if img.Empty() {
		return outcome, WrapError(y.Name(), fmt.Errorf("empty image"))
	}

	imgW := float32(img.Cols())
	imgH := float32(img.Rows())

	blob := gocv.BlobFromImage(img, 1.0/255.0, y.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.net.SetInput(blob, "")

	output := y.net.Forward("")
	defer output.Close()

	if err := ctx.Err(); err != nil {
		return outcome, WrapError(y.Name(), ErrTimeout)
	}

	class, conf := y.bestDetection(output, imgW, imgH)
	if class == "" {
		// Nothing detected: forwarded as an unresolved, zero-confidence
		// outcome rather than an error.
		return outcome, nil
	}

	suit, rank := card.ParseClassName(class)
	outcome.Suit = suit
	outcome.Rank = rank
	outcome.Confidence = float64(conf)
	return outcome, nil
}

// RecognizeBatch implements Engine.
func (y *YOLO) RecognizeBatch(ctx context.Context, regions []Region) ([]Outcome, error) {
	return recognizeEach(ctx, y, regions)
}

// bestDetection parses the YOLOv8 output tensor and returns the class
// name and confidence of the strongest NMS-surviving detection.
// Output shape: [1, 4+C, N] where C is the class count.
func (y *YOLO) bestDetection(output gocv.Mat, imgW, imgH float32) (string, float32) {
	rows := output.Cols() // N candidate detections
	cols := output.Rows() // 4 bbox + class scores

	data, err := output.DataPtrFloat32()
	if err != nil {
		return "", 0
	}

	var boxes []image.Rectangle
	var confidences []float32
	var classIDs []int

	for i := 0; i < rows; i++ {
		maxScore := float32(0)
		maxClassID := 0
		for c := 4; c < cols && c-4 < len(y.classes); c++ {
			score := data[c*rows+i]
			if score > maxScore {
				maxScore = score
				maxClassID = c - 4
			}
		}

		if maxScore < y.config.ConfidenceThresh {
			continue
		}

		cx := data[0*rows+i]
		cy := data[1*rows+i]
		w := data[2*rows+i]
		h := data[3*rows+i]

		x1 := int((cx - w/2) * imgW / float32(y.config.InputWidth))
		y1 := int((cy - h/2) * imgH / float32(y.config.InputHeight))
		x2 := int((cx + w/2) * imgW / float32(y.config.InputWidth))
		y2 := int((cy + h/2) * imgH / float32(y.config.InputHeight))

		boxes = append(boxes, image.Rect(x1, y1, x2, y2))
		confidences = append(confidences, maxScore)
		classIDs = append(classIDs, maxClassID)
	}

	if len(boxes) == 0 {
		return "", 0
	}

	indices := gocv.NMSBoxes(boxes, confidences, y.config.ConfidenceThresh, y.config.NMSThresh)

	bestConf := float32(-1)
	bestClass := ""
	for _, idx := range indices {
		if confidences[idx] > bestConf {
			bestConf = confidences[idx]
			bestClass = y.classes[classIDs[idx]]
		}
	}
	return bestClass, bestConf
}

// Close releases the model.
func (y *YOLO) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.net.Close()
}

// Verify YOLO implements Engine at compile time.
var _ Engine = (*YOLO)(nil)
