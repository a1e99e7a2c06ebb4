package sampler

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-kiosk/internal/capability"
	"github.com/loqalabs/loqa-kiosk/internal/config"
	"github.com/loqalabs/loqa-kiosk/internal/vision"
)

// PlaceholderLabel marks frames produced without a camera.
const PlaceholderLabel = "camera unavailable"

// Camera yields frames. Read blocks until the next frame.
type Camera interface {
	Read(ctx context.Context) (vision.Frame, error)
	Close() error
}

// NewCamera opens the configured device. The placeholder device always
// succeeds.
func NewCamera(cfg config.VideoConfig) (Camera, error) {
	if cfg.Device == "camera" {
		return OpenCamera(cfg.CameraIndex, cfg.Width, cfg.Height)
	}
	return NewPlaceholderCamera(cfg.Width, cfg.Height, time.Duration(cfg.MinFrameIntervalMS)*time.Millisecond), nil
}

type placeholderCamera struct {
	frame vision.Frame
	pace  time.Duration
}

// NewPlaceholderCamera emits one grey labelled frame per pace interval.
func NewPlaceholderCamera(width, height int, pace time.Duration) Camera {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &placeholderCamera{
		frame: vision.Frame{
			Width:       width,
			Height:      height,
			JPEG:        placeholderJPEG(width, height),
			Placeholder: true,
			Label:       PlaceholderLabel,
		},
		pace: pace,
	}
}

func (p *placeholderCamera) Read(ctx context.Context) (vision.Frame, error) {
	if p.pace > 0 {
		select {
		case <-ctx.Done():
			return vision.Frame{}, ctx.Err()
		case <-time.After(p.pace):
		}
	} else if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	frame := p.frame
	frame.Timestamp = time.Now()
	return frame, nil
}

func (p *placeholderCamera) Close() error { return nil }

func placeholderJPEG(width, height int) []byte {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8(96)
			// Diagonal stripes make the frame recognisably synthetic.
			if (x+y)/32%2 == 0 {
				v = 128
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60})
	return buf.Bytes()
}

// RateLimiter admits at most one event per interval.
type RateLimiter struct {
	interval time.Duration
	last     time.Time
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

// Allow reports whether an event at now may pass.
func (r *RateLimiter) Allow(now time.Time) bool {
	if !r.last.IsZero() && now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}

// VideoSampler reads frames and emits them no faster than the configured
// interval, switching to placeholder frames when the camera fails.
type VideoSampler struct {
	camera   Camera
	limiter  *RateLimiter
	width    int
	height   int
	interval time.Duration
	registry *capability.Registry
	log      *slog.Logger
	dropped  atomic.Int64
	degraded bool
}

func NewVideoSampler(camera Camera, cfg config.VideoConfig, registry *capability.Registry, log *slog.Logger) *VideoSampler {
	interval := time.Duration(cfg.MinFrameIntervalMS) * time.Millisecond
	return &VideoSampler{
		camera:   camera,
		limiter:  NewRateLimiter(interval),
		width:    cfg.Width,
		height:   cfg.Height,
		interval: interval,
		registry: registry,
		log:      log.With(slog.String("component", "video-sampler")),
	}
}

// Dropped counts frames discarded because the worker was busy.
func (v *VideoSampler) Dropped() int64 { return v.dropped.Load() }

// Degrade switches to placeholder frames. Used when the camera cannot be
// opened at all.
func (v *VideoSampler) Degrade(cause error) {
	if v.degraded {
		return
	}
	v.degraded = true
	if v.camera != nil {
		_ = v.camera.Close()
	}
	v.camera = NewPlaceholderCamera(v.width, v.height, v.interval)
	if v.registry != nil {
		v.registry.MarkDegraded(capability.Camera, cause)
	} else {
		v.log.Warn("camera unavailable, using placeholder frames", slog.String("error", cause.Error()))
	}
}

func (v *VideoSampler) Run(ctx context.Context, out chan<- Sample) error {
	if v.camera == nil {
		v.Degrade(ErrDeviceUnavailable)
	} else if v.registry != nil && !v.degraded {
		v.registry.MarkOK(capability.Camera)
	}
	defer func() { _ = v.camera.Close() }()

	for {
		frame, err := v.camera.Read(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrDeviceUnavailable) && !v.degraded {
				v.Degrade(err)
				continue
			}
			v.log.Warn("frame read failed", slog.String("error", err.Error()))
			if !sleep(ctx, v.interval) {
				return nil
			}
			continue
		}
		if frame.Timestamp.IsZero() {
			frame.Timestamp = time.Now()
		}
		if !v.limiter.Allow(frame.Timestamp) {
			continue
		}
		f := frame
		if !Offer(out, Sample{Timestamp: frame.Timestamp, Modality: Video, Frame: &f}) {
			v.dropped.Add(1)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
