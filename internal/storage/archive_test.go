package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onexay/commitvault/internal/clock"
	"github.com/onexay/commitvault/internal/faults"
)

func newArchive(t *testing.T, backend ObjectStore, opts ArchiveOptions) *ArchiveStore {
	t.Helper()
	opts.ManageSchema = true
	store, err := NewArchiveStore(context.Background(), backend, opts)
	if err != nil {
		t.Fatalf("NewArchiveStore: %v", err)
	}
	return store
}

func sampleResults() []byte {
	return []byte(strings.Repeat(`{"test":"fast/dom/example.html","result":"PASS","time":12}`+"\n", 200))
}

func TestArchiveRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		opts ArchiveOptions
	}{
		{name: "plain", opts: ArchiveOptions{}},
		{name: "aead", opts: ArchiveOptions{Secret: []byte("s3cret")}},
		{name: "ecb", opts: ArchiveOptions{Secret: []byte("s3cret"), Cipher: CipherLegacyECB}},
		{name: "zstd", opts: ArchiveOptions{Compression: CompressionZstd}},
		{name: "lz4+aead", opts: ArchiveOptions{Secret: []byte("s3cret"), Compression: CompressionLZ4}},
		{name: "auto+ecb", opts: ArchiveOptions{Secret: []byte("s3cret"), Cipher: CipherLegacyECB, Compression: CompressionAuto}},
	}
	payloads := [][]byte{{}, []byte("x"), []byte("exactly sixteen!"), sampleResults()}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newArchive(t, NewMemoryObjects(nil), tc.opts)
			ctx := context.Background()
			for _, p := range payloads {
				digest, err := store.Save(ctx, p)
				if err != nil {
					t.Fatalf("Save: %v", err)
				}
				if digest != Digest(p) {
					t.Fatalf("digest mismatch: %s vs %s", digest, Digest(p))
				}
				size := int64(len(p))
				got, err := store.Retrieve(ctx, digest, &size)
				if err != nil {
					t.Fatalf("Retrieve: %v", err)
				}
				if !bytes.Equal(got, p) {
					t.Fatalf("round trip changed %d-byte payload", len(p))
				}
			}
		})
	}
}

func TestArchiveEncryptedAtRest(t *testing.T) {
	backend := NewMemoryObjects(nil)
	store := newArchive(t, backend, ArchiveOptions{Secret: []byte("s3cret")})
	payload := sampleResults()
	digest, err := store.Save(context.Background(), payload)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	blob, err := backend.Get(context.Background(), ArchivePrefix+digest)
	if err != nil {
		t.Fatalf("backend Get: %v", err)
	}
	if bytes.Contains(blob, []byte("fast/dom/example.html")) {
		t.Fatalf("plaintext visible in stored object")
	}
}

func TestArchiveSaveIsIdempotent(t *testing.T) {
	backend := NewMemoryObjects(nil)
	store := newArchive(t, backend, ArchiveOptions{Secret: []byte("s3cret")})
	ctx := context.Background()

	a, err := store.Save(ctx, []byte("same"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := store.Save(ctx, []byte("same"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a != b {
		t.Fatalf("expected same digest, got %s and %s", a, b)
	}
	keys, _ := backend.List(ctx, ArchivePrefix)
	if len(keys) != 1 {
		t.Fatalf("expected one object, got %v", keys)
	}
}

func TestArchiveRetrieveMissing(t *testing.T) {
	store := newArchive(t, NewMemoryObjects(nil), ArchiveOptions{})
	ctx := context.Background()

	got, err := store.Retrieve(ctx, Digest([]byte("never saved")), nil)
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got %q %v", got, err)
	}
	got, err = store.Retrieve(ctx, "not-a-digest", nil)
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil) for malformed digest, got %q %v", got, err)
	}
	if ok, err := store.Exists(ctx, Digest([]byte("never saved"))); err != nil || ok {
		t.Fatalf("Exists: %t %v", ok, err)
	}
}

func TestArchiveSizeMismatch(t *testing.T) {
	store := newArchive(t, NewMemoryObjects(nil), ArchiveOptions{})
	ctx := context.Background()
	digest, _ := store.Save(ctx, []byte("twelve bytes"))

	wrong := int64(11)
	_, err := store.Retrieve(ctx, digest, &wrong)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if ie.Digest != digest {
		t.Fatalf("unexpected digest in error: %s", ie.Digest)
	}
}

func TestArchiveDetectsCorruptPlaintext(t *testing.T) {
	backend := NewMemoryObjects(nil)
	store := newArchive(t, backend, ArchiveOptions{})
	ctx := context.Background()
	payload := sampleResults()
	digest, _ := store.Save(ctx, payload)

	ok := backend.Mutate(ArchivePrefix+digest, func(b []byte) []byte {
		i := bytes.Index(b, payload)
		if i < 0 {
			t.Fatalf("payload not found in envelope")
		}
		b[i+len(payload)/2] ^= 0x01
		return b
	})
	if !ok {
		t.Fatalf("object missing")
	}

	got, err := store.Retrieve(ctx, digest, nil)
	var ie *IntegrityError
	if !errors.As(err, &ie) || got != nil {
		t.Fatalf("expected IntegrityError, got %v (%d bytes)", err, len(got))
	}
}

func TestArchiveDetectsTamperedCiphertext(t *testing.T) {
	for _, cipher := range []Cipher{CipherAEAD, CipherLegacyECB} {
		t.Run(string(cipher), func(t *testing.T) {
			backend := NewMemoryObjects(nil)
			store := newArchive(t, backend, ArchiveOptions{Secret: []byte("s3cret"), Cipher: cipher})
			ctx := context.Background()
			digest, _ := store.Save(ctx, sampleResults())

			backend.Mutate(ArchivePrefix+digest, func(b []byte) []byte {
				env, err := decodeEnvelope(b)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				env.Payload[len(env.Payload)/3] ^= 0x80
				out, err := encodeEnvelope(env)
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				return out
			})

			_, err := store.Retrieve(ctx, digest, nil)
			var ie *IntegrityError
			if !errors.As(err, &ie) {
				t.Fatalf("expected IntegrityError, got %v", err)
			}
		})
	}
}

func TestArchiveWrongSecret(t *testing.T) {
	backend := NewMemoryObjects(nil)
	writer := newArchive(t, backend, ArchiveOptions{Secret: []byte("one")})
	digest, _ := writer.Save(context.Background(), []byte("payload"))

	reader := newArchive(t, backend, ArchiveOptions{Secret: []byte("two")})
	_, err := reader.Retrieve(context.Background(), digest, nil)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}

	plain := newArchive(t, backend, ArchiveOptions{})
	_, err = plain.Retrieve(context.Background(), digest, nil)
	var ce *faults.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestArchiveReadsLegacyWithDefaultCipher(t *testing.T) {
	backend := NewMemoryObjects(nil)
	legacy := newArchive(t, backend, ArchiveOptions{Secret: []byte("s3cret"), Cipher: CipherLegacyECB})
	digest, _ := legacy.Save(context.Background(), []byte("old archive"))

	current := newArchive(t, backend, ArchiveOptions{Secret: []byte("s3cret")})
	got, err := current.Retrieve(context.Background(), digest, nil)
	if err != nil || string(got) != "old archive" {
		t.Fatalf("Retrieve: %q %v", got, err)
	}
}

func TestArchiveReadsBareLegacyObjects(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryObjects(nil)
	store := newArchive(t, backend, ArchiveOptions{Secret: []byte("s3cret")})

	payload := []byte("results written before envelopes existed")
	keys, err := newKeyring([]byte("s3cret"))
	if err != nil {
		t.Fatalf("newKeyring: %v", err)
	}
	sealed, err := keys.sealECB(payload)
	if err != nil {
		t.Fatalf("sealECB: %v", err)
	}
	digest := Digest(payload)
	if err := backend.Put(ctx, archiveKey(digest), sealed); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Retrieve(ctx, digest, nil)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("bare ECB: %q %v", got, err)
	}

	plain := []byte("unencrypted bare archive")
	if err := backend.Put(ctx, archiveKey(Digest(plain)), plain); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, err := store.Retrieve(ctx, Digest(plain), nil); err != nil || !bytes.Equal(got, plain) {
		t.Fatalf("bare plaintext: %q %v", got, err)
	}

	junk := Digest([]byte("something else"))
	if err := backend.Put(ctx, archiveKey(junk), []byte("not an archive")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var ie *IntegrityError
	if _, err := store.Retrieve(ctx, junk, nil); !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError for unreadable object, got %v", err)
	}
}

func TestTTLDaysRoundsUp(t *testing.T) {
	cases := map[time.Duration]int{
		0:                   0,
		time.Second:         1,
		24 * time.Hour:      1,
		24*time.Hour + 1:    2,
		30 * 24 * time.Hour: 30,
	}
	for ttl, want := range cases {
		if got := TTLDays(ttl); got != want {
			t.Fatalf("TTLDays(%s) = %d, want %d", ttl, got, want)
		}
	}
}

func TestArchiveLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryObjects(nil)
	store := newArchive(t, backend, ArchiveOptions{TTL: 36 * time.Hour})
	if store.TTLDays() != 2 {
		t.Fatalf("expected 2 days, got %d", store.TTLDays())
	}
	if days, _ := backend.Lifecycle(ctx); days != 2 {
		t.Fatalf("backend lifecycle not applied: %d", days)
	}

	// without schema management the bucket policy wins
	unmanaged, err := NewArchiveStore(ctx, backend, ArchiveOptions{TTL: 10 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("NewArchiveStore: %v", err)
	}
	if unmanaged.TTLDays() != 2 {
		t.Fatalf("expected bucket policy to win, got %d", unmanaged.TTLDays())
	}
	if days, _ := backend.Lifecycle(ctx); days != 2 {
		t.Fatalf("unmanaged store must not change lifecycle, got %d", days)
	}
}

func TestArchiveExpire(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newArchive(t, NewMemoryObjects(fake), ArchiveOptions{TTL: 24 * time.Hour, Clock: fake})

	old, _ := store.Save(ctx, []byte("old"))
	fake.Advance(20 * time.Hour)
	fresh, _ := store.Save(ctx, []byte("fresh"))
	fake.Advance(5 * time.Hour)

	removed, err := store.Expire(ctx)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one archive removed, got %d", removed)
	}
	if got, _ := store.Retrieve(ctx, old, nil); got != nil {
		t.Fatalf("expired archive still readable")
	}
	if got, _ := store.Retrieve(ctx, fresh, nil); string(got) != "fresh" {
		t.Fatalf("fresh archive lost: %q", got)
	}
}

func TestArchiveExpireUsesWriteStamps(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	backend := NewMemoryObjects(fake)
	store := newArchive(t, backend, ArchiveOptions{TTL: 24 * time.Hour, Clock: fake})

	old, _ := store.Save(ctx, []byte("old"))
	// an unreadable body must not keep the object alive
	backend.Mutate(ArchivePrefix+old, func([]byte) []byte { return []byte("garbage") })
	if err := backend.Put(ctx, "records/unrelated", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fake.Advance(25 * time.Hour)

	removed, err := store.Expire(ctx)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one archive removed, got %d", removed)
	}
	if _, err := backend.Get(ctx, ArchivePrefix+old); !IsNotFound(err) {
		t.Fatalf("expected corrupt archive to be expired, got %v", err)
	}
	if _, err := backend.Get(ctx, "records/unrelated"); err != nil {
		t.Fatalf("non-archive key removed: %v", err)
	}
}

func TestArchiveSessionsNest(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryObjects(nil)
	store := newArchive(t, backend, ArchiveOptions{})

	err := store.WithSession(ctx, func(ctx context.Context) error {
		inner, err := store.Acquire(ctx)
		if err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			if _, err := store.Save(ctx, []byte{byte(i)}); err != nil {
				return err
			}
		}
		if store.ActiveSessions() != 2 {
			t.Fatalf("expected 2 active references, got %d", store.ActiveSessions())
		}
		inner.Release()
		inner.Release()
		if store.ActiveSessions() != 1 {
			t.Fatalf("double release must be ignored, got %d", store.ActiveSessions())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}

	opens, releases := backend.Sessions()
	if opens != 1 || releases != 1 {
		t.Fatalf("expected one shared backend session, got opens=%d releases=%d", opens, releases)
	}
	if store.ActiveSessions() != 0 {
		t.Fatalf("session leaked")
	}
}

func TestArchiveRecords(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	store := newArchive(t, NewMemoryObjects(fake), ArchiveOptions{Clock: fake})

	if err := store.PutRecord(ctx, "health-check", []byte("healthy"), 5*time.Minute); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if v, err := store.GetRecord(ctx, "health-check"); err != nil || string(v) != "healthy" {
		t.Fatalf("GetRecord: %q %v", v, err)
	}
	fake.Advance(5 * time.Minute)
	if v, err := store.GetRecord(ctx, "health-check"); err != nil || v != nil {
		t.Fatalf("expected expired record, got %q %v", v, err)
	}
}

func TestParseOptions(t *testing.T) {
	if _, err := ParseCipher("ecb", false); err == nil {
		t.Fatalf("ecb without secret must fail")
	}
	if c, _ := ParseCipher("", true); c != CipherAEAD {
		t.Fatalf("expected aead default, got %s", c)
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Fatalf("unknown compression must fail")
	}
}
