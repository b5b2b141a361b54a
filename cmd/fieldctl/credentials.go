package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Credentials is the on-disk identity of an enrolled controller, written
// by `fieldctl enroll` and read by every other subcommand.
type Credentials struct {
	ClientID           string `json:"client_id"`
	Certificate        string `json:"certificate"`
	PrivateKey         string `json:"private_key"`
	CACertificate      string `json:"ca_certificate"`
	VehicleFingerprint string `json:"vehicle_fingerprint"`
	VehiclePublicKey   string `json:"vehicle_public_key"`

	// VehicleEncryptionKey is the vehicle's X25519 public key, base64
	// encoded. Empty on credentials issued before payload encryption.
	VehicleEncryptionKey string `json:"vehicle_encryption_key,omitempty"`
}

func credentialsPath(dir string) string {
	return filepath.Join(dir, "credentials.json")
}

// SaveCredentials writes credentials with mode 0600.
func SaveCredentials(dir string, creds *Credentials) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(credentialsPath(dir), data, 0600)
}

// LoadCredentials reads previously saved credentials.
func LoadCredentials(dir string) (*Credentials, error) {
	data, err := os.ReadFile(credentialsPath(dir))
	if err != nil {
		return nil, fmt.Errorf("read credentials (run 'fieldctl enroll' first): %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &creds, nil
}

// Enroll exchanges an enrollment code for controller credentials at the
// vehicle's provisioning endpoint. The vehicle's CA is not known yet, so
// this one request trusts on first use; every later connection verifies
// against the CA certificate received here.
func Enroll(provisionAddr, code, name string) (*Credentials, error) {
	body, _ := json.Marshal(map[string]string{"code": code, "name": name})

	client := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // trust on first use
		},
	}

	resp, err := client.Post("https://"+provisionAddr+"/enroll", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("enroll request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return nil, fmt.Errorf("enrollment rejected: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("enrollment rejected: HTTP %d", resp.StatusCode)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("parse enrollment response: %w", err)
	}
	if creds.ClientID == "" || creds.Certificate == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("incomplete enrollment response")
	}
	return &creds, nil
}
