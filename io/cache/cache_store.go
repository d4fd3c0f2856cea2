package cache

import (
	"image"
	"time"
)

// ImageStore is one tier of the image cache.
// Operations never fail, a failed read is a miss.
type ImageStore interface {
	Save(key string, img image.Image)
	Get(key string) image.Image
	Clear()
}

// ExpiringImageStore is an ImageStore whose freshness window can be given per query
type ExpiringImageStore interface {
	ImageStore

	GetWithValidity(key string, maxAge time.Duration) image.Image
	HasEntry(key string) bool
}
