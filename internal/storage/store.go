// Package storage adapts object stores to the narrow contract the
// manifestation pipeline consumes.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned by Download when the key does not exist.
var ErrObjectNotFound = errors.New("storage: object not found")

// Object describes one stored blob.
type Object struct {
	Key       string
	Size      int64
	CreatedAt time.Time
}

// ObjectStore is implemented by MinioStore and FileStore. Locators returned by
// Upload are opaque keys, never public URLs; access goes through Sign.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Download(ctx context.Context, key, dest string) error
	Upload(ctx context.Context, key, src, contentType string) (string, error)
	Sign(ctx context.Context, locator string, ttl time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]Object, error)
}
