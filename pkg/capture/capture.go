// Package capture grabs still frames from network cameras by invoking
// an external streaming-capture process (ffmpeg) against the camera's
// RTSP endpoint.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"

	"github.com/tablevision/tablesight/internal/config"
	"github.com/tablevision/tablesight/internal/log"
)

// Sentinel errors for capture failures.
var (
	// ErrConnectionRefused: the camera endpoint did not accept the stream.
	ErrConnectionRefused = errors.New("capture: connection refused")

	// ErrAuthFailed: the camera rejected the credentials.
	ErrAuthFailed = errors.New("capture: authentication failed")

	// ErrTimeout: the capture did not complete within its deadline.
	ErrTimeout = errors.New("capture: timeout")

	// ErrFrameTooSmall: the returned frame is below the minimum byte
	// size and is treated as a capture failure, never recognized.
	ErrFrameTooSmall = errors.New("capture: frame below minimum size")
)

// Capturer is the frame capture collaborator contract.
type Capturer interface {
	// Capture returns one encoded frame for the camera.
	Capture(ctx context.Context, cam config.CameraConfig) ([]byte, error)
}

// FFmpeg captures single frames over RTSP using the ffmpeg binary.
type FFmpeg struct {
	// Binary overrides the ffmpeg executable path.
	Binary string

	// MinFrameBytes rejects undersized frames.
	MinFrameBytes int

	logger *slog.Logger
}

// NewFFmpeg creates an ffmpeg-backed capturer.
func NewFFmpeg(minFrameBytes int) *FFmpeg {
	return &FFmpeg{
		Binary:        "ffmpeg",
		MinFrameBytes: minFrameBytes,
		logger:        log.Component("capture.ffmpeg"),
	}
}

// RTSPURL builds the camera's stream URL with embedded credentials.
func RTSPURL(cam config.CameraConfig) string {
	u := url.URL{
		Scheme: "rtsp",
		Host:   fmt.Sprintf("%s:%d", cam.IP, cam.Port),
		Path:   "/" + strings.TrimPrefix(cam.StreamPath, "/"),
	}
	if cam.Username != "" {
		u.User = url.UserPassword(cam.Username, cam.Password)
	}
	return u.String()
}

// Capture grabs one JPEG frame from the camera's RTSP stream.
func (f *FFmpeg) Capture(ctx context.Context, cam config.CameraConfig) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.Binary,
		"-rtsp_transport", "tcp",
		"-i", RTSPURL(cam),
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-loglevel", "error",
		"pipe:1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("camera %s: %w", cam.ID, ErrTimeout)
		}
		return nil, fmt.Errorf("camera %s: %w", cam.ID, classify(stderr.String()))
	}

	frame := stdout.Bytes()
	if len(frame) < f.MinFrameBytes {
		f.logger.Warn("undersized frame discarded",
			"camera", cam.ID,
			"bytes", len(frame),
			"min_bytes", f.MinFrameBytes,
		)
		return nil, fmt.Errorf("camera %s: %d bytes: %w", cam.ID, len(frame), ErrFrameTooSmall)
	}

	return frame, nil
}

// classify maps ffmpeg stderr output to a capture error.
func classify(stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized"):
		return ErrAuthFailed
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no route to host"):
		return ErrConnectionRefused
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return ErrTimeout
	default:
		return fmt.Errorf("capture: ffmpeg failed: %s", strings.TrimSpace(stderr))
	}
}

// Verify FFmpeg implements Capturer at compile time.
var _ Capturer = (*FFmpeg)(nil)
