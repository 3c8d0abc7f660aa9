package frame

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	// DefaultSnapshotTimeout is the default timeout for snapshot requests
	DefaultSnapshotTimeout = 10 * time.Second
	// DefaultMaxImageSize is the default maximum snapshot size (10MB)
	DefaultMaxImageSize = 10 * 1024 * 1024
)

// HTTPSource fetches a still frame from a snapshot URL, as exposed by most IP
// cameras and phone webcam apps.
type HTTPSource struct {
	client  *resty.Client
	url     string
	maxSize int64
}

// NewHTTPSource creates a snapshot source with default settings.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		client: resty.New().
			SetDebug(false).
			SetTimeout(DefaultSnapshotTimeout),
		url:     url,
		maxSize: DefaultMaxImageSize,
	}
}

// WithTimeout sets a custom request timeout.
func (s *HTTPSource) WithTimeout(timeout time.Duration) *HTTPSource {
	s.client.SetTimeout(timeout)
	return s
}

// WithMaxSize sets a custom maximum image size.
func (s *HTTPSource) WithMaxSize(maxSize int64) *HTTPSource {
	s.maxSize = maxSize
	return s
}

// WithBasicAuth sets credentials for cameras that require them.
func (s *HTTPSource) WithBasicAuth(username, password string) *HTTPSource {
	s.client.SetBasicAuth(username, password)
	return s
}

// Capture downloads the current snapshot.
func (s *HTTPSource) Capture(ctx context.Context) (*Image, error) {
	// The limit is enforced while reading, Content-Length is not trusted
	res, err := s.client.R().
		SetContext(ctx).
		SetResponseBodyLimit(int(s.maxSize)).
		Get(s.url)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return nil, fmt.Errorf("snapshot too large: exceeds limit of %d bytes: %w", s.maxSize, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("snapshot request failed: status %d", res.StatusCode())
	}

	contentType := res.Header().Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("invalid content type: expected image/*, got %s", contentType)
	}

	data := res.Body()
	if len(data) == 0 {
		return nil, ErrNoFrame
	}

	mimeType := ""
	if contentType != "" {
		mimeType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return NewImage(data, mimeType), nil
}
