// Package crop extracts marked regions of interest from captured frames.
// Cropping is pure and synchronous; an out-of-bounds rectangle is a
// configuration error, surfaced and never retried.
package crop

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/pkg/engine"
)

// Sentinel errors.
var (
	// ErrOutOfBounds: the rectangle does not fit inside the frame.
	ErrOutOfBounds = errors.New("crop: rectangle out of bounds")

	// ErrUnmarkedPosition: an unmarked position must never be cropped.
	ErrUnmarkedPosition = errors.New("crop: position not marked")

	// ErrDecode: the frame could not be decoded.
	ErrDecode = errors.New("crop: image decode failed")
)

// Cropper is the region cropping collaborator contract.
type Cropper interface {
	// Crop returns the encoded sub-image for the rectangle.
	Crop(frame []byte, r config.Rect) ([]byte, error)
}

// Mat crops using OpenCV mats.
type Mat struct{}

// NewMat creates a gocv-backed cropper.
func NewMat() *Mat {
	return &Mat{}
}

// Bounds validates the rectangle against frame dimensions.
func Bounds(r config.Rect, width, height int) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: degenerate rectangle %+v", ErrOutOfBounds, r)
	}
	if r.X < 0 || r.Y < 0 || r.X+r.Width > width || r.Y+r.Height > height {
		return fmt.Errorf("%w: %+v does not fit %dx%d", ErrOutOfBounds, r, width, height)
	}
	return nil
}

// Crop decodes the frame, validates the rectangle and returns the
// JPEG-encoded sub-image.
func (m *Mat) Crop(frame []byte, r config.Rect) ([]byte, error) {
	img, err := gocv.IMDecode(frame, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer img.Close()

	if img.Empty() {
		return nil, ErrDecode
	}

	if err := Bounds(r, img.Cols(), img.Rows()); err != nil {
		return nil, err
	}

	region := img.Region(image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height))
	defer region.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, region)
	if err != nil {
		return nil, fmt.Errorf("crop: encode region: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// Marked crops every marked position of the camera from the frame,
// returning one region per position in canonical order. Unmarked
// positions are skipped; requesting one explicitly is refused.
func Marked(c Cropper, frame []byte, cam config.CameraConfig) ([]engine.Region, error) {
	labels := cam.MarkedPositions()
	if len(labels) == 0 {
		return nil, fmt.Errorf("camera %s: %w", cam.ID, ErrUnmarkedPosition)
	}

	regions := make([]engine.Region, 0, len(labels))
	for _, label := range labels {
		region, err := One(c, frame, cam, label)
		if err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}
	return regions, nil
}

// One crops a single position, refusing unmarked slots.
func One(c Cropper, frame []byte, cam config.CameraConfig, label string) (engine.Region, error) {
	pos, ok := cam.Positions[label]
	if !ok || !pos.Marked {
		return engine.Region{}, fmt.Errorf("camera %s position %s: %w", cam.ID, label, ErrUnmarkedPosition)
	}

	sub, err := c.Crop(frame, pos.Rect)
	if err != nil {
		return engine.Region{}, fmt.Errorf("camera %s position %s: %w", cam.ID, label, err)
	}
	return engine.Region{Position: label, JPEG: sub}, nil
}

// Verify Mat implements Cropper at compile time.
var _ Cropper = (*Mat)(nil)
