package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/onexay/commitvault/internal/clock"
	"github.com/onexay/commitvault/internal/faults"
)

var (
	boltObjectsBucket = []byte("objects")
	boltMetaBucket    = []byte("meta")
	boltRecordsBucket = []byte("records")
	boltWrittenBucket = []byte("written")

	boltLifecycleKey = []byte("lifecycle_days")
)

// BoltObjects stores objects inside a BoltDB file. It also satisfies KV.
type BoltObjects struct {
	db    *bolt.DB
	clock clock.Clock
	once  sync.Once

	sessions atomic.Int64
}

// NewBoltObjects opens (or creates) a BoltDB object store at path.
func NewBoltObjects(path string, clk clock.Clock) (*BoltObjects, error) {
	if path == "" {
		return nil, &faults.ConfigurationError{Message: "archive path is required"}
	}

	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(cleaned, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, faults.Transport("open bolt", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{boltObjectsBucket, boltMetaBucket, boltRecordsBucket, boltWrittenBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, faults.Transport("init bolt", err)
	}

	return &BoltObjects{db: db, clock: clock.OrReal(clk)}, nil
}

// Open counts a session. Bolt keeps one handle for the life of the store.
func (b *BoltObjects) Open(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	b.sessions.Add(1)
	return nil
}

// Release ends a session.
func (b *BoltObjects) Release() error {
	b.sessions.Add(-1)
	return nil
}

// Put writes data under key and stamps its write time.
func (b *BoltObjects) Put(ctx context.Context, key string, data []byte) error {
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(b.clock.Now().UnixNano()))
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if err := tx.Bucket(boltObjectsBucket).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(boltWrittenBucket).Put([]byte(key), stamp[:])
	})
}

// Get returns a copy of the object at key.
func (b *BoltObjects) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		data := tx.Bucket(boltObjectsBucket).Get([]byte(key))
		if data == nil {
			return &NotFoundError{Resource: "object", Key: key}
		}
		result = append([]byte{}, data...)
		return nil
	})
	return result, err
}

// Delete removes key (best-effort).
func (b *BoltObjects) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if err := tx.Bucket(boltObjectsBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(boltWrittenBucket).Delete([]byte(key))
	})
}

// List returns keys starting with prefix in byte order.
func (b *BoltObjects) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		p := []byte(prefix)
		c := tx.Bucket(boltObjectsBucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// ListBefore scans write stamps only; object bodies are not read.
func (b *BoltObjects) ListBefore(ctx context.Context, prefix string, t time.Time) ([]string, error) {
	cutoff := t.UnixNano()
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		p := []byte(prefix)
		c := tx.Bucket(boltWrittenBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) < cutoff {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	return keys, err
}

// SetLifecycle records the bucket expiry horizon.
func (b *BoltObjects) SetLifecycle(ctx context.Context, days int) error {
	if days < 0 {
		return &faults.ConfigurationError{Message: "lifecycle days must not be negative"}
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		return tx.Bucket(boltMetaBucket).Put(boltLifecycleKey, []byte(strconv.Itoa(days)))
	})
}

// Lifecycle returns the bucket expiry horizon, 0 when unset.
func (b *BoltObjects) Lifecycle(ctx context.Context) (int, error) {
	days := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		raw := tx.Bucket(boltMetaBucket).Get(boltLifecycleKey)
		if raw == nil {
			return nil
		}
		n, err := strconv.Atoi(string(raw))
		if err != nil {
			return errors.New("corrupt lifecycle value")
		}
		days = n
		return nil
	})
	return days, err
}

// PutTTL stores a record that reads as absent after ttl.
func (b *BoltObjects) PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var deadline int64
	if ttl > 0 {
		deadline = b.clock.Now().Add(ttl).UnixNano()
	}
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, uint64(deadline))
	copy(buf[8:], value)
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		return tx.Bucket(boltRecordsBucket).Put([]byte(key), buf)
	})
}

// GetLive returns the record at key unless it is missing or expired.
func (b *BoltObjects) GetLive(ctx context.Context, key string) ([]byte, error) {
	var result []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		raw := tx.Bucket(boltRecordsBucket).Get([]byte(key))
		if len(raw) < 8 {
			return nil
		}
		deadline := int64(binary.BigEndian.Uint64(raw))
		if deadline != 0 && b.clock.Now().UnixNano() >= deadline {
			return nil
		}
		result = append([]byte{}, raw[8:]...)
		return nil
	})
	return result, err
}

// Close shuts down the Bolt DB.
func (b *BoltObjects) Close() error {
	var err error
	b.once.Do(func() {
		err = b.db.Close()
	})
	return err
}
