// Package ecies composes an Elliptic-Curve Integrated Encryption Scheme
// out of stdlib and golang.org/x/crypto primitives: X25519 (via
// crypto/ecdh) for key agreement, HKDF-SHA-256 to derive a symmetric
// key, and AES-256-GCM for the payload. The control plane does not
// implement any cryptographic primitive of its own; this package only
// composes ECIES, AES-256-GCM, HMAC and SHA-256 as the spec requires.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfo  = "actrix-rtc/ecies/v1"
	nonceSize = 12
)

// KeyPair is an X25519 key pair used as an ECIES identity.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair produces a fresh ECIES key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err, "generating ecies key pair")
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// EncodePublic base64-encodes a public key for storage/wire transfer.
func EncodePublic(pub *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

// DecodePublic parses a base64-encoded public key.
func DecodePublic(b64 string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, trace.Wrap(err, "decoding ecies public key")
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, trace.Wrap(err, "parsing ecies public key")
	}
	return pub, nil
}

// EncodePrivate base64-encodes a private key's raw scalar.
func EncodePrivate(priv *ecdh.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv.Bytes())
}

// DecodePrivate parses a base64-encoded private key.
func DecodePrivate(b64 string) (*ecdh.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, trace.Wrap(err, "decoding ecies secret key")
	}
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, trace.Wrap(err, "parsing ecies secret key")
	}
	return priv, nil
}

// Seal encrypts plaintext against recipientPub. The returned ciphertext
// is self-contained: ephemeral public key || nonce || AES-GCM sealed box.
func Seal(recipientPub *ecdh.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err, "generating ephemeral key")
	}
	shared, err := ephemeral.ECDH(recipientPub)
	if err != nil {
		return nil, trace.Wrap(err, "deriving shared secret")
	}
	gcm, err := newGCM(shared, ephemeral.PublicKey().Bytes(), recipientPub.Bytes())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, trace.Wrap(err, "generating nonce")
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(ephemeral.PublicKey().Bytes())+len(nonce)+len(sealed))
	out = append(out, ephemeral.PublicKey().Bytes()...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open decrypts a ciphertext produced by Seal using recipientPriv.
func Open(recipientPriv *ecdh.PrivateKey, ciphertext []byte) ([]byte, error) {
	pubLen := len(recipientPriv.PublicKey().Bytes())
	if len(ciphertext) < pubLen+nonceSize {
		return nil, trace.BadParameter("ecies ciphertext too short")
	}
	ephemeralPubBytes := ciphertext[:pubLen]
	nonce := ciphertext[pubLen : pubLen+nonceSize]
	sealed := ciphertext[pubLen+nonceSize:]

	ephemeralPub, err := ecdh.X25519().NewPublicKey(ephemeralPubBytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing ephemeral public key")
	}
	shared, err := recipientPriv.ECDH(ephemeralPub)
	if err != nil {
		return nil, trace.Wrap(err, "deriving shared secret")
	}
	gcm, err := newGCM(shared, ephemeralPubBytes, recipientPriv.PublicKey().Bytes())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, trace.Wrap(err, "ecies decryption failed")
	}
	return plaintext, nil
}

func newGCM(shared, ephemeralPub, recipientPub []byte) (cipher.AEAD, error) {
	salt := append(append([]byte{}, ephemeralPub...), recipientPub...)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, trace.Wrap(err, "deriving aes key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err, "constructing aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err, "constructing gcm")
	}
	return gcm, nil
}
