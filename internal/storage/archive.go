package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/onexay/commitvault/internal/clock"
	"github.com/onexay/commitvault/internal/faults"
)

// ArchivePrefix is the object key prefix for archives.
const ArchivePrefix = "archives/"

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ArchiveOptions configures an ArchiveStore.
type ArchiveOptions struct {
	// Secret enables encryption. Empty stores payloads in the clear.
	Secret []byte
	// Cipher defaults to CipherAEAD when Secret is set.
	Cipher      Cipher
	Compression Compression
	// TTL is the bucket-wide expiry horizon, rounded up to whole days.
	// Zero keeps archives forever.
	TTL time.Duration
	// ManageSchema allows the store to write the lifecycle policy. Without
	// it the existing policy is only read and compared.
	ManageSchema bool
	Clock        clock.Clock
	Logger       zerolog.Logger
}

// ArchiveStore is a content-addressed blob store. Archives are keyed by the
// BLAKE3 digest of their plaintext and verified against it on every read.
type ArchiveStore struct {
	backend     ObjectStore
	keys        *keyring
	cipher      Cipher
	compression Compression
	ttlDays     int
	clock       clock.Clock
	log         zerolog.Logger

	sessions sessionCounter
}

// NewArchiveStore wraps backend and applies the lifecycle policy.
func NewArchiveStore(ctx context.Context, backend ObjectStore, opts ArchiveOptions) (*ArchiveStore, error) {
	if backend == nil {
		return nil, &faults.ConfigurationError{Message: "archive backend is required"}
	}
	cipher, err := ParseCipher(string(opts.Cipher), len(opts.Secret) > 0)
	if err != nil {
		return nil, err
	}
	compression, err := ParseCompression(string(opts.Compression))
	if err != nil {
		return nil, err
	}
	keys, err := newKeyring(opts.Secret)
	if err != nil {
		return nil, err
	}

	s := &ArchiveStore{
		backend:     backend,
		keys:        keys,
		cipher:      cipher,
		compression: compression,
		ttlDays:     TTLDays(opts.TTL),
		clock:       clock.OrReal(opts.Clock),
		log:         opts.Logger,
	}
	s.sessions.backend = backend

	if opts.ManageSchema {
		if err := backend.SetLifecycle(ctx, s.ttlDays); err != nil {
			return nil, faults.Transport("set archive lifecycle", err)
		}
		return s, nil
	}
	current, err := backend.Lifecycle(ctx)
	if err != nil {
		return nil, faults.Transport("read archive lifecycle", err)
	}
	if current != s.ttlDays {
		s.log.Warn().Int("configured_days", s.ttlDays).Int("bucket_days", current).
			Msg("archive ttl differs from bucket lifecycle; re-initialize with schema management to change it")
		s.ttlDays = current
	}
	return s, nil
}

// TTLDays rounds a TTL up to whole days.
func TTLDays(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	return int(math.Ceil(ttl.Seconds() / 86400))
}

// TTLDays returns the bucket expiry horizon in days.
func (s *ArchiveStore) TTLDays() int { return s.ttlDays }

// Digest returns the lowercase hex BLAKE3-256 of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func archiveKey(digest string) string { return ArchivePrefix + digest }

// Save stores data and returns its digest. Saving identical bytes again
// overwrites the same key.
func (s *ArchiveStore) Save(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	blob, err := s.seal(data, digest)
	if err != nil {
		return "", err
	}

	sess, err := s.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer sess.Release()

	if err := s.backend.Put(ctx, archiveKey(digest), blob); err != nil {
		return "", faults.Transport("save archive", err)
	}
	return digest, nil
}

func (s *ArchiveStore) seal(data []byte, digest string) ([]byte, error) {
	payload, tag, err := compress(data, s.compression)
	if err != nil {
		return nil, err
	}
	switch s.cipher {
	case CipherAEAD:
		payload, err = s.keys.sealAEAD(payload, envelopeVersion, digest)
	case CipherLegacyECB:
		payload, err = s.keys.sealECB(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("encrypt archive: %w", err)
	}
	return encodeEnvelope(envelope{
		Version:     envelopeVersion,
		Cipher:      s.cipher,
		Compression: tag,
		Size:        int64(len(data)),
		Created:     s.clock.Now().Unix(),
		Payload:     payload,
	})
}

// Retrieve returns the archive for digest, or (nil, nil) when it does not
// exist. When size is non-nil the plaintext length must match it. Any
// decode, authentication, size or digest failure is an *IntegrityError.
func (s *ArchiveStore) Retrieve(ctx context.Context, digest string, size *int64) ([]byte, error) {
	digest = strings.ToLower(digest)
	if !digestPattern.MatchString(digest) {
		return nil, nil
	}

	sess, err := s.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	blob, err := s.backend.Get(ctx, archiveKey(digest))
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Transport("retrieve archive", err)
	}

	data, err := s.open(blob, digest)
	if err != nil {
		return nil, err
	}
	if size != nil && int64(len(data)) != *size {
		return nil, s.integrity(digest, fmt.Sprintf("size %d does not match expected %d", len(data), *size))
	}
	if got := Digest(data); got != digest {
		return nil, s.integrity(digest, "content digest is "+got)
	}
	return data, nil
}

func (s *ArchiveStore) open(blob []byte, digest string) ([]byte, error) {
	env, err := decodeEnvelope(blob)
	if err != nil {
		if data, ok := s.openBare(blob, digest); ok {
			return data, nil
		}
		return nil, s.integrity(digest, "malformed envelope: "+err.Error())
	}
	if env.Version != envelopeVersion {
		return nil, s.integrity(digest, fmt.Sprintf("unsupported envelope version %d", env.Version))
	}
	if env.Size < 0 || env.Size > math.MaxInt32 {
		return nil, s.integrity(digest, fmt.Sprintf("implausible size %d", env.Size))
	}

	payload := env.Payload
	switch env.Cipher {
	case CipherNone, "":
	case CipherAEAD, CipherLegacyECB:
		if s.keys == nil {
			return nil, &faults.ConfigurationError{Message: "archive " + digest + " is encrypted but no secret is configured"}
		}
		if env.Cipher == CipherAEAD {
			payload, err = s.keys.openAEAD(payload, env.Version, digest)
		} else {
			payload, err = s.keys.openECB(payload)
		}
		if err != nil {
			return nil, s.integrity(digest, "decrypt: "+err.Error())
		}
	default:
		return nil, s.integrity(digest, fmt.Sprintf("unknown cipher %q", env.Cipher))
	}

	data, err := decompress(payload, env.Compression, int(env.Size))
	if err != nil {
		return nil, s.integrity(digest, err.Error())
	}
	return data, nil
}

// openBare reads objects written without an envelope: the whole blob is
// either AES-ECB ciphertext of the plaintext or the plaintext itself. It only
// succeeds when the result hashes to digest.
func (s *ArchiveStore) openBare(blob []byte, digest string) ([]byte, bool) {
	if s.keys != nil {
		if data, err := s.keys.openECB(blob); err == nil && Digest(data) == digest {
			return data, true
		}
	}
	if Digest(blob) == digest {
		return blob, true
	}
	return nil, false
}

func (s *ArchiveStore) integrity(digest, reason string) error {
	s.log.Error().Str("digest", digest).Str("reason", reason).Msg("archive integrity failure")
	return &IntegrityError{Digest: digest, Reason: reason}
}

// Exists reports whether an archive is stored under digest.
func (s *ArchiveStore) Exists(ctx context.Context, digest string) (bool, error) {
	digest = strings.ToLower(digest)
	if !digestPattern.MatchString(digest) {
		return false, nil
	}
	_, err := s.backend.Get(ctx, archiveKey(digest))
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, faults.Transport("stat archive", err)
	}
	return true, nil
}

// Delete removes the archive under digest.
func (s *ArchiveStore) Delete(ctx context.Context, digest string) error {
	digest = strings.ToLower(digest)
	if !digestPattern.MatchString(digest) {
		return nil
	}
	return faults.Transport("delete archive", s.backend.Delete(ctx, archiveKey(digest)))
}

// Expire deletes archives last written before the bucket horizon and
// returns how many were removed. Only backend write stamps are consulted.
func (s *ArchiveStore) Expire(ctx context.Context) (int, error) {
	if s.ttlDays == 0 {
		return 0, nil
	}
	sess, err := s.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer sess.Release()

	horizon := s.clock.Now().Add(-time.Duration(s.ttlDays) * 24 * time.Hour)
	keys, err := s.backend.ListBefore(ctx, ArchivePrefix, horizon)
	if err != nil {
		return 0, faults.Transport("list archives", err)
	}

	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.backend.Delete(ctx, key); err != nil {
			return removed, faults.Transport("expire archives", err)
		}
		removed++
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Int("ttl_days", s.ttlDays).Msg("expired archives")
	}
	return removed, nil
}

// PutRecord writes a TTL record to the backing store when it supports one.
func (s *ArchiveStore) PutRecord(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	kv, ok := s.backend.(KV)
	if !ok {
		return &faults.ConfigurationError{Message: "archive backend does not store records"}
	}
	return faults.Transport("put record", kv.PutTTL(ctx, key, value, ttl))
}

// GetRecord reads a TTL record, nil when absent or expired.
func (s *ArchiveStore) GetRecord(ctx context.Context, key string) ([]byte, error) {
	kv, ok := s.backend.(KV)
	if !ok {
		return nil, &faults.ConfigurationError{Message: "archive backend does not store records"}
	}
	v, err := kv.GetLive(ctx, key)
	if err != nil {
		return nil, faults.Transport("get record", err)
	}
	return v, nil
}

// Close closes the backend.
func (s *ArchiveStore) Close() error {
	if s.sessions.active() > 0 {
		s.log.Warn().Int("sessions", s.sessions.active()).Msg("closing archive store with open sessions")
	}
	return s.backend.Close()
}
