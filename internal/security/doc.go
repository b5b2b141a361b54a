// Package security provides the cryptographic core of the control channel:
//
//   - Certificate authority and mutual-TLS setup (ECDSA P-384 root,
//     Ed25519 controller leaf certificates)
//   - Vehicle identity keypair (Ed25519) used to sign outbound envelopes
//   - Trust store for verifying presented controller certificates
//   - Session token issuance, validation and expiry
//   - Command signing, verification, staleness and replay protection
//   - Hybrid payload encryption (X25519 + HKDF + AES-256-GCM)
//   - Enrollment code generation for controller provisioning
//
// # Quantum-readiness
//
// Transport layer: Go 1.23+ TLS 1.3 automatically negotiates the
// X25519+ML-KEM-768 hybrid post-quantum key exchange when both peers
// support it — no application code changes required.
package security
