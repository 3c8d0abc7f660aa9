//go:build !gocv

package frame

import "context"

// CameraSource is unavailable without the gocv build tag.
type CameraSource struct{}

// OpenCamera always fails without the gocv build tag.
func OpenCamera(deviceID int) (*CameraSource, error) {
	return nil, ErrCameraUnsupported
}

func (c *CameraSource) Capture(ctx context.Context) (*Image, error) {
	return nil, ErrCameraUnsupported
}

func (c *CameraSource) Close() error {
	return nil
}
