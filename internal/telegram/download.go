package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDownloadTimeout is the default timeout for photo downloads
	DefaultDownloadTimeout = 30 * time.Second
	// DefaultMaxImageSize is the default maximum photo size (10MB)
	DefaultMaxImageSize = 10 * 1024 * 1024
)

// ImageDownloader fetches photos sent to the bot.
type ImageDownloader struct {
	client  *resty.Client
	maxSize int64
}

// NewImageDownloader creates a new ImageDownloader with default settings.
func NewImageDownloader() *ImageDownloader {
	return &ImageDownloader{
		client:  resty.New().SetTimeout(DefaultDownloadTimeout),
		maxSize: DefaultMaxImageSize,
	}
}

// WithMaxSize sets a custom maximum file size.
func (d *ImageDownloader) WithMaxSize(maxSize int64) *ImageDownloader {
	d.maxSize = maxSize
	return d
}

// DownloadFromURL downloads image data from a URL and returns it with its
// content type.
func (d *ImageDownloader) DownloadFromURL(ctx context.Context, imageURL string) ([]byte, string, error) {
	res, err := d.client.R().
		SetContext(ctx).
		SetResponseBodyLimit(int(d.maxSize)).
		Get(imageURL)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return nil, "", fmt.Errorf("image too large: exceeds limit of %d bytes: %w", d.maxSize, err)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	if res.IsError() {
		return nil, "", fmt.Errorf("download failed: status %d", res.StatusCode())
	}

	contentType := res.Header().Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") && contentType != "application/octet-stream" {
		return nil, "", fmt.Errorf("invalid content type: expected image/*, got %s", contentType)
	}

	data := res.Body()
	mimeType, _, _ := strings.Cut(contentType, ";")
	return data, strings.TrimSpace(mimeType), nil
}

// DownloadFromTelegramFileID downloads an image from Telegram using a file ID.
// It uses the provided function to resolve the file ID to a direct URL.
func (d *ImageDownloader) DownloadFromTelegramFileID(
	ctx context.Context,
	getFileDirectURL func(fileID string) (string, error),
	fileID string,
) ([]byte, string, error) {
	log.Info().Str("fileID", fileID).Msg("downloading telegram file")

	url, err := getFileDirectURL(fileID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get file URL: %w", err)
	}

	return d.DownloadFromURL(ctx, url)
}
