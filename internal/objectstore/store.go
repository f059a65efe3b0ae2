// Package objectstore provides the S3-compatible blob gateway for source
// documents, chunk payloads, and serialized index artifacts.
package objectstore

import (
	"context"
	"time"
)

// Store is the blob gateway. Keys are fully domain-shaped strings built by
// the domain package (documents/, chunks/, indexes/ prefixes).
type Store interface {
	// Put writes data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the full contents of the object at key. Missing objects
	// map to a not_found error. A transient read error is retried once
	// before surfacing.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object at key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object whose key starts with prefix and
	// returns the number of objects removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// PresignPut returns a URL authorizing a single HTTP PUT of the object
	// at key within ttl. A non-empty contentType is bound into the
	// signature.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
}
