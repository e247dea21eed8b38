package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/onexay/commitvault/internal/faults"
)

// Cipher selects how archive payloads are encrypted when a secret is set.
type Cipher string

const (
	CipherNone Cipher = "none"
	// CipherAEAD is XChaCha20-Poly1305 keyed from the secret with HKDF.
	CipherAEAD Cipher = "aead"
	// CipherLegacyECB is AES-256-ECB with PKCS#7 padding. ECB leaks
	// repeated plaintext blocks. Written archives still carry the envelope;
	// bare ECB objects from older deployments are read through a fallback.
	CipherLegacyECB Cipher = "ecb"
)

// ParseCipher validates a configured cipher name. The empty string selects
// the default for the given secret.
func ParseCipher(name string, haveSecret bool) (Cipher, error) {
	switch c := Cipher(name); c {
	case "":
		if haveSecret {
			return CipherAEAD, nil
		}
		return CipherNone, nil
	case CipherNone:
		return c, nil
	case CipherAEAD, CipherLegacyECB:
		if !haveSecret {
			return "", &faults.ConfigurationError{Message: fmt.Sprintf("cipher %q requires an archive secret", name)}
		}
		return c, nil
	default:
		return "", &faults.ConfigurationError{Message: fmt.Sprintf("unknown cipher %q", name)}
	}
}

var hkdfInfoArchive = []byte("commitvault.archive.v1")

type keyring struct {
	aead []byte
	ecb  []byte
}

func newKeyring(secret []byte) (*keyring, error) {
	if len(secret) == 0 {
		return nil, nil
	}
	k := &keyring{aead: make([]byte, chacha20poly1305.KeySize)}
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, hkdfInfoArchive), k.aead); err != nil {
		return nil, fmt.Errorf("derive archive key: %w", err)
	}
	sum := sha256.Sum256(secret)
	k.ecb = sum[:]
	return k, nil
}

func aeadAAD(version uint8, digest string) []byte {
	aad := make([]byte, 1+len(digest))
	aad[0] = version
	copy(aad[1:], digest)
	return aad
}

// sealAEAD returns nonce || ciphertext || tag.
func (k *keyring) sealAEAD(plain []byte, version uint8, digest string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.aead)
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plain, aeadAAD(version, digest)), nil
}

func (k *keyring) openAEAD(sealed []byte, version uint8, digest string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.aead)
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, body, aeadAAD(version, digest))
	if err != nil {
		return nil, errors.New("authentication failed")
	}
	return plain, nil
}

func (k *keyring) sealECB(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.ecb)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	pad := bs - len(plain)%bs
	buf := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	for i := 0; i < len(buf); i += bs {
		block.Encrypt(buf[i:i+bs], buf[i:i+bs])
	}
	return buf, nil
}

func (k *keyring) openECB(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.ecb)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(sealed) == 0 || len(sealed)%bs != 0 {
		return nil, errors.New("ciphertext is not a whole number of blocks")
	}
	buf := make([]byte, len(sealed))
	for i := 0; i < len(buf); i += bs {
		block.Decrypt(buf[i:i+bs], sealed[i:i+bs])
	}
	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > bs || pad > len(buf) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return buf[:len(buf)-pad], nil
}
