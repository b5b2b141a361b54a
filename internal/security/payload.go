package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Payload decryption errors. Decryption fails closed: no partial
// plaintext is ever returned.
var (
	ErrIntegrity = errors.New("payload integrity check failed")
	ErrUnwrap    = errors.New("payload key unwrap failed")
)

const (
	dataKeySize  = 32 // AES-256
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// hkdfInfo domain-separates the key-encryption key derivation.
var hkdfInfo = []byte("fieldlink-payload-v1")

// EncryptedPayload is the output of hybrid encryption. The bulk payload is
// sealed with AES-256-GCM under a random data key; the data key itself is
// wrapped for the recipient via ephemeral X25519 ECDH.
type EncryptedPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
	WrappedKey []byte `json:"wrappedKey"`
}

// GenerateEncryptionKey creates an X25519 keypair for payload encryption.
// Distinct from the Ed25519 identity key: signing and encryption keys are
// never shared.
func GenerateEncryptionKey() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// Encrypt seals payload for the holder of recipient's private key.
func Encrypt(payload []byte, recipient *ecdh.PublicKey) (*EncryptedPayload, error) {
	dataKey := make([]byte, dataKeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	aead, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, iv, payload, nil)

	// GCM appends the tag; the wire format carries it separately.
	split := len(sealed) - gcmTagSize
	ciphertext, tag := sealed[:split], sealed[split:]

	wrapped, err := wrapKey(dataKey, recipient)
	if err != nil {
		return nil, err
	}

	return &EncryptedPayload{
		Ciphertext: ciphertext,
		IV:         iv,
		AuthTag:    tag,
		WrappedKey: wrapped,
	}, nil
}

// Decrypt opens an encrypted payload with the recipient's private key.
// A failed unwrap reports ErrUnwrap; a bad tag, IV or ciphertext byte
// reports ErrIntegrity.
func Decrypt(ep *EncryptedPayload, priv *ecdh.PrivateKey) ([]byte, error) {
	dataKey, err := unwrapKey(ep.WrappedKey, priv)
	if err != nil {
		return nil, err
	}

	if len(ep.IV) != gcmNonceSize || len(ep.AuthTag) != gcmTagSize {
		return nil, ErrIntegrity
	}

	aead, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ep.Ciphertext)+gcmTagSize)
	sealed = append(sealed, ep.Ciphertext...)
	sealed = append(sealed, ep.AuthTag...)

	plaintext, err := aead.Open(nil, ep.IV, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// wrapKey seals dataKey under a key-encryption key derived from an
// ephemeral X25519 exchange with the recipient.
// Layout: ephemeral public key (32) || nonce (12) || sealed key (48).
func wrapKey(dataKey []byte, recipient *ecdh.PublicKey) ([]byte, error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	shared, err := eph.ECDH(recipient)
	if err != nil {
		return nil, err
	}

	kek, err := deriveKEK(shared, eph.PublicKey().Bytes(), recipient.Bytes())
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, dataKey, nil)

	out := make([]byte, 0, 32+gcmNonceSize+len(sealed))
	out = append(out, eph.PublicKey().Bytes()...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func unwrapKey(wrapped []byte, priv *ecdh.PrivateKey) ([]byte, error) {
	if len(wrapped) < 32+gcmNonceSize+gcmTagSize {
		return nil, ErrUnwrap
	}

	ephPub, err := ecdh.X25519().NewPublicKey(wrapped[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}

	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}

	kek, err := deriveKEK(shared, wrapped[:32], priv.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}

	nonce := wrapped[32 : 32+gcmNonceSize]
	sealed := wrapped[32+gcmNonceSize:]

	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	dataKey, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrUnwrap
	}
	return dataKey, nil
}

// deriveKEK derives the key-encryption key from the ECDH shared secret,
// salted with both public keys so the same secret never yields the same
// KEK across key pairs.
func deriveKEK(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	kek := make([]byte, dataKeySize)
	r := hkdf.New(sha256.New, shared, salt, hkdfInfo)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, err
	}
	return kek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
