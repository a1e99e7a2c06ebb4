//go:build !gocv

package sampler

import "fmt"

// OpenCamera needs OpenCV; build with -tags gocv to enable it.
func OpenCamera(index, width, height int) (Camera, error) {
	return nil, fmt.Errorf("camera %d: built without gocv: %w", index, ErrDeviceUnavailable)
}
