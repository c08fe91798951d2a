package ks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// KekSourceKind is a closed tagged union over where the KEK bytes come
// from: directly in config, an environment variable, or a file path.
type KekSourceKind int

const (
	KekDirect KekSourceKind = iota
	KekEnvironment
	KekFile
)

// KekSource names where to read the key-encryption-key from.
type KekSource struct {
	Kind  KekSourceKind
	Value string // literal key, env var name, or file path, depending on Kind
}

// KeyEncryptor protects KS secret keys at rest with AES-256-GCM. A zero
// KeyEncryptor (no cipher loaded) is a pass-through, kept only for
// backwards compatibility with unencrypted deployments.
//
// On-disk format: base64(nonce[12] || ciphertext || tag[16]).
type KeyEncryptor struct {
	gcm cipher.AEAD
}

// NoEncryption returns a KeyEncryptor that stores secrets in plaintext.
func NoEncryption() *KeyEncryptor {
	return &KeyEncryptor{}
}

// FromSource loads a KEK from the given source and builds an encryptor.
func FromSource(src KekSource) (*KeyEncryptor, error) {
	var raw string
	switch src.Kind {
	case KekDirect:
		raw = src.Value
	case KekEnvironment:
		v, ok := os.LookupEnv(src.Value)
		if !ok {
			return nil, errkind.New(errkind.Configuration, "KEK environment variable %q not set", src.Value)
		}
		raw = v
	case KekFile:
		b, err := os.ReadFile(src.Value)
		if err != nil {
			return nil, errkind.Wrap(errkind.Configuration, trace.Wrap(err, "reading KEK file %q", src.Value))
		}
		raw = string(b)
	default:
		return nil, errkind.New(errkind.Configuration, "unknown KEK source kind %d", src.Kind)
	}
	return FromString(raw)
}

// FromString parses a KEK given as either 64 hex characters or a
// 43/44-character base64 string, both encoding exactly 32 bytes.
func FromString(kek string) (*KeyEncryptor, error) {
	kek = strings.TrimSpace(kek)

	var keyBytes []byte
	switch {
	case len(kek) == 64:
		b, err := hex.DecodeString(kek)
		if err != nil {
			return nil, errkind.New(errkind.Configuration, "invalid KEK hex encoding: %v", err)
		}
		keyBytes = b
	case len(kek) == 44 || len(kek) == 43:
		b, err := base64.StdEncoding.DecodeString(padBase64(kek))
		if err != nil {
			return nil, errkind.New(errkind.Configuration, "invalid KEK base64 encoding: %v", err)
		}
		keyBytes = b
	default:
		return nil, errkind.New(errkind.Configuration,
			"invalid KEK length: expected 64 hex chars or 43/44 base64 chars, got %d", len(kek))
	}

	if len(keyBytes) != 32 {
		return nil, errkind.New(errkind.Configuration, "invalid KEK size: expected 32 bytes, got %d", len(keyBytes))
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, errkind.Wrap(errkind.Crypto, trace.Wrap(err, "constructing KEK cipher"))
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errkind.Wrap(errkind.Crypto, trace.Wrap(err, "constructing KEK gcm"))
	}
	return &KeyEncryptor{gcm: gcm}, nil
}

func padBase64(s string) string {
	if len(s) == 43 {
		return s + "="
	}
	return s
}

// IsEnabled reports whether a KEK is actually loaded.
func (e *KeyEncryptor) IsEnabled() bool { return e != nil && e.gcm != nil }

// Encrypt protects secretKey at rest. With no KEK loaded it returns the
// plaintext unchanged, preserving the legacy pass-through behavior.
func (e *KeyEncryptor) Encrypt(secretKey string) (string, error) {
	if !e.IsEnabled() {
		return secretKey, nil
	}
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errkind.Wrap(errkind.Crypto, trace.Wrap(err, "generating KEK nonce"))
	}
	sealed := e.gcm.Seal(nil, nonce, []byte(secretKey), nil)
	out := append(nonce, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt recovers a secret key previously produced by Encrypt. With no
// KEK loaded it returns the input unchanged.
func (e *KeyEncryptor) Decrypt(encrypted string) (string, error) {
	if !e.IsEnabled() {
		return encrypted, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", errkind.Wrap(errkind.Crypto, trace.Wrap(err, "invalid encrypted key encoding"))
	}
	nonceSize := e.gcm.NonceSize()
	if len(raw) < nonceSize+16 {
		return "", errkind.New(errkind.Crypto, "invalid encrypted key size: expected at least %d bytes, got %d", nonceSize+16, len(raw))
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errkind.New(errkind.Crypto, "KEK decryption failed")
	}
	return string(plaintext), nil
}

// GenerateKEK produces a fresh 32-byte KEK, hex-encoded. Within this
// tree only the ks tests call it; test-config does not.
func GenerateKEK() (string, error) {
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return "", trace.Wrap(err, "generating KEK")
	}
	return hex.EncodeToString(key[:]), nil
}

// constantTimeEqual compares a and b in constant time. Nothing in this
// tree calls it.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
