//go:build gocv

package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/vision"
	"gocv.io/x/gocv"
)

type gocvCamera struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// OpenCamera opens a V4L/AVFoundation device through OpenCV.
func OpenCamera(index, width, height int) (Camera, error) {
	capture, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %v: %w", index, err, ErrDeviceUnavailable)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("camera %d not opened: %w", index, ErrDeviceUnavailable)
	}
	if width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	return &gocvCamera{capture: capture, mat: gocv.NewMat()}, nil
}

func (c *gocvCamera) Read(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return vision.Frame{}, fmt.Errorf("camera read failed: %w", ErrDeviceUnavailable)
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.mat)
	if err != nil {
		return vision.Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	return vision.Frame{
		Timestamp: time.Now(),
		Width:     c.mat.Cols(),
		Height:    c.mat.Rows(),
		JPEG:      append([]byte(nil), buf.GetBytes()...),
	}, nil
}

func (c *gocvCamera) Close() error {
	_ = c.mat.Close()
	return c.capture.Close()
}
