// Package frame provides still-image sources for the scan loop.
package frame

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoFrame is returned when a source has no image to offer yet.
	ErrNoFrame = errors.New("frame: no image available")

	// ErrCameraUnsupported is returned when the binary was built without camera support.
	ErrCameraUnsupported = errors.New("frame: camera support not compiled in (build with -tags gocv)")
)

// Image is an encoded still frame.
type Image struct {
	Data       []byte
	MIMEType   string
	CapturedAt time.Time
}

// Source yields the current still frame of a visual input.
type Source interface {
	Capture(ctx context.Context) (*Image, error)
}

// MIMETypeFromPath guesses an image MIME type from a file extension.
func MIMETypeFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

// IsImagePath reports whether path has a known image extension.
func IsImagePath(path string) bool {
	return MIMETypeFromPath(path) != ""
}

// DetectMIMEType sniffs the MIME type of image data, defaulting to JPEG.
func DetectMIMEType(data []byte) string {
	mimeType := http.DetectContentType(data)
	if strings.HasPrefix(mimeType, "image/") {
		return mimeType
	}
	return "image/jpeg"
}

// NewImage wraps data captured now, sniffing the MIME type when mimeType is empty.
func NewImage(data []byte, mimeType string) *Image {
	if mimeType == "" {
		mimeType = DetectMIMEType(data)
	}
	return &Image{Data: data, MIMEType: mimeType, CapturedAt: time.Now()}
}

// FileSource reads the same file on every capture.
type FileSource struct {
	path string
}

// NewFileSource creates a source backed by a single image file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Capture(ctx context.Context) (*Image, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoFrame
		}
		return nil, fmt.Errorf("failed to read frame file: %w", err)
	}
	return NewImage(data, MIMETypeFromPath(s.path)), nil
}

// Options configures sources created by Open.
type Options struct {
	Username string
	Password string
}

// Open creates a source from a location string:
//
//	dir:PATH        newest image in a watched folder
//	file:PATH       a fixed image file
//	http(s)://URL   snapshot URL
//	camera:N        local camera N (requires the gocv build tag)
//
// The returned close function releases watchers and devices.
func Open(location string, opts Options) (Source, func() error, error) {
	noop := func() error { return nil }

	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		src := NewHTTPSource(location)
		if opts.Username != "" {
			src.WithBasicAuth(opts.Username, opts.Password)
		}
		return src, noop, nil
	case strings.HasPrefix(location, "dir:"):
		src, err := NewDirSource(strings.TrimPrefix(location, "dir:"))
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	case strings.HasPrefix(location, "file:"):
		return NewFileSource(strings.TrimPrefix(location, "file:")), noop, nil
	case strings.HasPrefix(location, "camera:"):
		id, err := strconv.Atoi(strings.TrimPrefix(location, "camera:"))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid camera id in %q: %w", location, err)
		}
		src, err := OpenCamera(id)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown frame source %q (use dir:, file:, camera: or an http URL)", location)
	}
}
