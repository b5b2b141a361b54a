package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fieldlink/fieldlink/internal/store"
)

// Enrollment code alphabet: uppercase + digits, minus O/0/I/1/L so codes
// survive being read aloud over a radio.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateEnrollmentCode creates an enrollment code for provisioning a new
// controller. Attended codes are short (XXXX-XXXX) and expire in 15
// minutes; unattended codes are longer and expire in 7 days.
func GenerateEnrollmentCode(codeType, label string) (*store.EnrollmentCode, string, error) {
	var codeLen int
	var expiry time.Duration

	switch codeType {
	case "attended":
		codeLen = 8
		expiry = 15 * time.Minute
	case "unattended":
		codeLen = 24
		expiry = 7 * 24 * time.Hour
	default:
		return nil, "", fmt.Errorf("invalid code type: %s", codeType)
	}

	code, err := randomCode(codeLen)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	rec := &store.EnrollmentCode{
		ID:        RandomID(8),
		CodeHash:  hashCode(code),
		Type:      codeType,
		Label:     label,
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
	}

	return rec, formatCode(code), nil
}

// HashEnrollmentCode normalises and hashes an enrollment code for DB lookup.
// Strips dashes and whitespace, uppercases, then SHA-256 hashes.
func HashEnrollmentCode(code string) string {
	cleaned := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	return hashCode(cleaned)
}

// CertFingerprint returns the SHA-256 hex fingerprint of a DER certificate,
// used to record which certificate an enrolled controller holds.
func CertFingerprint(der []byte) string {
	h := sha256.Sum256(der)
	return hex.EncodeToString(h[:])
}

func randomCode(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, length)
	for i := range b {
		code[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(code), nil
}

// formatCode inserts dashes every 4 characters for readability.
func formatCode(code string) string {
	var parts []string
	for i := 0; i < len(code); i += 4 {
		end := i + 4
		if end > len(code) {
			end = len(code)
		}
		parts = append(parts, code[i:end])
	}
	return strings.Join(parts, "-")
}

func hashCode(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// RandomID returns n random bytes hex-encoded, used for controller and
// audit-event identifiers.
func RandomID(n int) string {
	b := make([]byte, n)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}
