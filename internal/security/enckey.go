package security

import (
	"crypto/ecdh"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateEncryptionKey loads the vehicle's X25519 payload-encryption
// key from dataDir or generates one. The public half is handed to
// controllers at enrollment so they can seal command payloads.
func LoadOrCreateEncryptionKey(dataDir string) (*ecdh.PrivateKey, error) {
	keyPath := filepath.Join(dataDir, "vehicle_enc.key")
	if fileExists(keyPath) {
		return loadEncryptionKey(keyPath)
	}
	return generateEncryptionKey(keyPath)
}

func loadEncryptionKey(path string) (*ecdh.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("invalid vehicle encryption key file")
	}

	priv, err := ecdh.X25519().NewPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid vehicle encryption key: %w", err)
	}
	return priv, nil
}

func generateEncryptionKey(path string) (*ecdh.PrivateKey, error) {
	priv, err := GenerateEncryptionKey()
	if err != nil {
		return nil, err
	}

	block := &pem.Block{Type: "PRIVATE KEY", Bytes: priv.Bytes()}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	if err := pem.Encode(f, block); err != nil {
		f.Close() //nolint:errcheck
		return nil, err
	}
	_ = f.Close()

	return priv, nil
}
