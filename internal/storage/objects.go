package storage

import (
	"context"
	"time"
)

// ObjectStore is a flat key/value blob store with a bucket-wide expiry
// policy. Get returns *NotFoundError for a missing key.
type ObjectStore interface {
	// Open begins a backend session. ArchiveStore calls it once per
	// outermost Acquire.
	Open(ctx context.Context) error
	// Release ends the session started by Open.
	Release() error

	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	// ListBefore returns keys under prefix last written before t. Objects
	// with no recorded write time are omitted.
	ListBefore(ctx context.Context, prefix string, t time.Time) ([]string, error)

	// SetLifecycle sets the expiry horizon in days for every object. Zero
	// disables expiry.
	SetLifecycle(ctx context.Context, days int) error
	Lifecycle(ctx context.Context) (int, error)

	Close() error
}

// KV stores small records with a per-record TTL. Expired records read as
// absent (nil, nil).
type KV interface {
	PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetLive(ctx context.Context, key string) ([]byte, error)
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
