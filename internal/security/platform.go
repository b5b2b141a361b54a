package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Platform holds the vehicle's Ed25519 identity keypair. Every response
// envelope leaving the vehicle is signed with this key so controllers can
// verify they are talking to the enrolled vehicle and not an impostor.
type Platform struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// Fingerprint returns the SHA-256 hex fingerprint of the platform public key.
// This uniquely identifies the vehicle installation.
func (p *Platform) Fingerprint() string {
	h := sha256.Sum256(p.PublicKey)
	return hex.EncodeToString(h[:])
}

// Sign signs message with the platform private key and returns the
// signature base64-encoded for embedding in JSON envelopes.
func (p *Platform) Sign(message []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(p.privateKey, message))
}

// VerifyPlatform checks a base64 signature against a platform public key.
// Used by controller clients to validate response envelopes.
func VerifyPlatform(pub ed25519.PublicKey, message []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// LoadOrCreatePlatform loads the vehicle keypair from dataDir or generates one.
func LoadOrCreatePlatform(dataDir string) (*Platform, error) {
	keyPath := filepath.Join(dataDir, "vehicle.key")
	if fileExists(keyPath) {
		return loadPlatformKey(keyPath)
	}
	return generatePlatformKey(keyPath)
}

func loadPlatformKey(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid vehicle key file")
	}

	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid vehicle key size")
	}

	priv := ed25519.NewKeyFromSeed(block.Bytes)
	return newPlatform(priv), nil
}

func generatePlatformKey(path string) (*Platform, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	seed := priv.Seed()
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: seed}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	if err := pem.Encode(f, block); err != nil {
		f.Close() //nolint:errcheck
		return nil, err
	}
	_ = f.Close()

	return newPlatform(priv), nil
}

func newPlatform(priv ed25519.PrivateKey) *Platform {
	return &Platform{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		privateKey: priv,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
