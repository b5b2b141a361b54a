package main

import (
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldlink/fieldlink/internal/security"
	"github.com/fieldlink/fieldlink/internal/store"
)

// clientCertValidity is how long issued controller certificates live.
const clientCertValidity = 2 * 365 * 24 * time.Hour

// handleEnroll exchanges an enrollment code for controller credentials: an
// Ed25519 client certificate and key signed by the vehicle CA, plus the CA
// certificate and the vehicle's envelope-signing public key. Served on the
// provisioning listener, which does not require a client certificate —
// the enrolling controller does not have one yet.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, `{"error":"enrollment code required"}`, http.StatusBadRequest)
		return
	}

	clientID := "ctrl-" + security.RandomID(8)

	codeHash := security.HashEnrollmentCode(req.Code)
	code, err := s.store.ConsumeEnrollmentCode(r.Context(), codeHash, clientID)
	if err != nil {
		s.logger.Warn("enrollment failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusForbidden)
		return
	}
	if code == nil {
		http.Error(w, `{"error":"invalid enrollment code"}`, http.StatusForbidden)
		return
	}

	certPEM, keyPEM, err := s.ca.IssueClientCert(clientID, clientCertValidity)
	if err != nil {
		s.logger.Error("issue client certificate", "error", err)
		http.Error(w, `{"error":"enrollment failed"}`, http.StatusInternalServerError)
		return
	}

	block, _ := pem.Decode(certPEM)

	now := time.Now()
	rec := &store.ControllerRecord{
		ID:              clientID,
		Name:            req.Name,
		CertFingerprint: security.CertFingerprint(block.Bytes),
		EnrolledAt:      now,
		LastSeen:        now,
	}
	if err := s.store.CreateController(r.Context(), rec); err != nil {
		s.logger.Error("store controller", "error", err)
		http.Error(w, `{"error":"enrollment failed"}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("controller enrolled",
		"client", clientID, "name", req.Name, "code_type", code.Type)

	caCert, err := s.ca.CertPEM()
	if err != nil {
		s.logger.Error("read CA certificate", "error", err)
		http.Error(w, `{"error":"enrollment failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"client_id":              clientID,
		"certificate":            string(certPEM),
		"private_key":            string(keyPEM),
		"ca_certificate":         string(caCert),
		"vehicle_fingerprint":    s.platform.Fingerprint(),
		"vehicle_public_key":     base64.StdEncoding.EncodeToString(s.platform.PublicKey),
		"vehicle_encryption_key": base64.StdEncoding.EncodeToString(s.encKey.PublicKey().Bytes()),
	})
}

// handleEnrollmentCodes manages enrollment codes (CRUD). Served on the
// mTLS listener: only an already-enrolled operator can mint codes.
func (s *Server) handleEnrollmentCodes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		codes, err := s.store.ListEnrollmentCodes(r.Context())
		if err != nil {
			http.Error(w, `{"error":"failed to list codes"}`, http.StatusInternalServerError)
			return
		}
		if codes == nil {
			codes = []*store.EnrollmentCode{}
		}
		json.NewEncoder(w).Encode(codes) //nolint:errcheck

	case http.MethodPost:
		var req struct {
			Type  string `json:"type"`
			Label string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request"}`, http.StatusBadRequest)
			return
		}
		if req.Type == "" {
			req.Type = "attended"
		}

		rec, display, err := security.GenerateEnrollmentCode(req.Type, req.Label)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusBadRequest)
			return
		}
		if err := s.store.CreateEnrollmentCode(r.Context(), rec); err != nil {
			http.Error(w, `{"error":"failed to create code"}`, http.StatusInternalServerError)
			return
		}

		s.logger.Info("enrollment code created", "id", rec.ID, "type", rec.Type)
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"id":         rec.ID,
			"code":       display,
			"type":       rec.Type,
			"label":      rec.Label,
			"expires_at": rec.ExpiresAt,
		})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, `{"error":"id required"}`, http.StatusBadRequest)
			return
		}
		if err := s.store.DeleteEnrollmentCode(r.Context(), id); err != nil {
			http.Error(w, `{"error":"failed to delete"}`, http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"}) //nolint:errcheck

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleControllers lists enrolled controllers with live-connection state.
func (s *Server) handleControllers(w http.ResponseWriter, r *http.Request) {
	controllers, err := s.store.ListControllers(r.Context())
	if err != nil {
		http.Error(w, `{"error":"failed to list controllers"}`, http.StatusInternalServerError)
		return
	}
	if controllers == nil {
		controllers = []*store.ControllerRecord{}
	}

	connected := make(map[string]bool)
	for _, c := range s.registry.Authenticated() {
		connected[c.ClientID()] = true
	}

	type entry struct {
		*store.ControllerRecord
		Connected bool `json:"connected"`
	}
	out := make([]entry, 0, len(controllers))
	for _, c := range controllers {
		out = append(out, entry{ControllerRecord: c, Connected: connected[c.ID]})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out) //nolint:errcheck
}

// handleSecurityEvents exposes the audit log to the monitoring collaborator.
func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := s.store.ListSecurityEvents(r.Context(), limit)
	if err != nil {
		http.Error(w, `{"error":"failed to list events"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*store.SecurityEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events) //nolint:errcheck
}
