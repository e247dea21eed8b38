package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onexay/commitvault/internal/faults"
)

const (
	healthKey   = "health-check"
	healthValue = "healthy"
	healthTTL   = 5 * time.Minute
)

// Healthy checks the cache tier and the backing store. With writable set it
// first writes the sentinel to both. A tier passes when the read-back value
// is absent or equal to the sentinel. Healthy never panics; every failure is
// logged and reported as false.
func (m *Model) Healthy(ctx context.Context, writable bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("health check panicked")
			ok = false
		}
	}()

	if err := m.checkCache(ctx, writable); err != nil {
		m.log.Warn().Err(err).Msg("cache health check failed")
		return false
	}
	if err := m.checkStore(ctx, writable); err != nil {
		m.log.Warn().Err(err).Msg("backing store health check failed")
		return false
	}
	return true
}

func (m *Model) checkCache(ctx context.Context, writable bool) error {
	if writable {
		if err := m.cache.Set(ctx, healthKey, []byte(healthValue), healthTTL); err != nil {
			return err
		}
	}
	got, err := m.cache.Get(ctx, healthKey)
	if err != nil {
		return err
	}
	return checkSentinel("cache", got)
}

func (m *Model) checkStore(ctx context.Context, writable bool) error {
	if writable {
		err := m.archives.PutRecord(ctx, healthKey, []byte(healthValue), healthTTL)
		var ce *faults.ConfigurationError
		if errors.As(err, &ce) {
			// backend keeps no records; only reachability can be checked
			return m.archives.WithSession(ctx, func(context.Context) error { return nil })
		}
		if err != nil {
			return err
		}
	}
	got, err := m.archives.GetRecord(ctx, healthKey)
	var ce *faults.ConfigurationError
	if errors.As(err, &ce) {
		return nil
	}
	if err != nil {
		return err
	}
	return checkSentinel("store", got)
}

func checkSentinel(tier string, got []byte) error {
	if got == nil || string(got) == healthValue {
		return nil
	}
	return fmt.Errorf("%s health record holds %q", tier, got)
}
