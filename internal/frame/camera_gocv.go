//go:build gocv

package frame

import (
	"context"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// CameraSource grabs frames from a local camera through OpenCV.
type CameraSource struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// OpenCamera opens camera deviceID (0 is usually the built-in webcam).
func OpenCamera(deviceID int) (*CameraSource, error) {
	capture, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d: %w", deviceID, err)
	}
	return &CameraSource{capture: capture, mat: gocv.NewMat()}, nil
}

// Capture reads the current frame and encodes it as JPEG.
func (c *CameraSource) Capture(ctx context.Context) (*Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, ErrNoFrame
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	// The native buffer is freed on Close, so copy it out.
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	return NewImage(data, "image/jpeg"), nil
}

// Close releases the camera.
func (c *CameraSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mat.Close()
	return c.capture.Close()
}
