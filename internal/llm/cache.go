package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/raine/werkaholic-scanner/internal/listing"
	"github.com/rs/zerolog/log"
)

// CacheStore persists classifications keyed by image hash.
type CacheStore interface {
	GetVisionCache(imageHash string) (*listing.ScanResult, error)
	SetVisionCache(imageHash string, result *listing.ScanResult) error
}

// CachedClassifier wraps a Classifier with a persistent cache. Drop-folder and
// file sources hand the same bytes to the loop until the image changes.
type CachedClassifier struct {
	inner Classifier
	store CacheStore
}

// NewCachedClassifier creates a cached classifier.
func NewCachedClassifier(inner Classifier, store CacheStore) *CachedClassifier {
	return &CachedClassifier{inner: inner, store: store}
}

// hashImage creates a SHA256 hash from image data.
func hashImage(imageData []byte) string {
	sum := sha256.Sum256(imageData)
	return hex.EncodeToString(sum[:])
}

// Classify implements the Classifier interface with caching.
func (c *CachedClassifier) Classify(ctx context.Context, imageData []byte, mimeType string) (*listing.ScanResult, error) {
	hash := hashImage(imageData)

	if c.store != nil {
		cached, err := c.store.GetVisionCache(hash)
		if err != nil {
			log.Warn().Err(err).Msg("failed to check vision cache")
		} else if cached != nil {
			log.Debug().Str("hash", hash[:16]).Msg("vision cache hit")
			return cached, nil
		}
	}

	result, err := c.inner.Classify(ctx, imageData, mimeType)
	if err != nil {
		return nil, err
	}

	if c.store != nil && result != nil {
		if err := c.store.SetVisionCache(hash, result); err != nil {
			log.Warn().Err(err).Msg("failed to cache vision result")
		} else {
			log.Debug().Str("hash", hash[:16]).Msg("cached vision result")
		}
	}

	return result, nil
}
