package main

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ecdh"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlink/fieldlink/internal/broadcast"
	"github.com/fieldlink/fieldlink/internal/bus"
	"github.com/fieldlink/fieldlink/internal/config"
	"github.com/fieldlink/fieldlink/internal/dispatch"
	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/registry"
	"github.com/fieldlink/fieldlink/internal/security"
	"github.com/fieldlink/fieldlink/internal/store"
)

// welcomeTimeout is how long the server waits for the first command after
// the WebSocket handshake before assuming a dead peer.
const welcomeTimeout = 30 * time.Second

// Server wires the control channel together: registry, dispatcher,
// broadcast scheduler, session and replay sweeps, and the event
// re-broadcast loop.
type Server struct {
	cfg        *config.Config
	platform   *security.Platform
	encKey     *ecdh.PrivateKey
	ca         *security.CA
	trust      *security.TrustStore
	sessions   *security.SessionManager
	auth       *security.CommandAuthenticator
	registry   *registry.Registry
	scheduler  *broadcast.Scheduler
	dispatcher *dispatch.Dispatcher
	bus        *bus.Bus
	store      store.Store
	logger     *slog.Logger
}

// handleControl is the mTLS WebSocket endpoint every controller connects
// to. The TLS layer has already required and verified a client
// certificate; here the identity is extracted and the message loop runs.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	identity, err := s.trust.VerifyCert(r.TLS.PeerCertificates[0])
	if err != nil {
		s.logger.Warn("certificate rejected", "remote", r.RemoteAddr, "error", err)
		s.auditEvent(r.Context(), "", r.RemoteAddr, dispatch.EventCertificateReject, err.Error())
		http.Error(w, "certificate rejected", http.StatusUnauthorized)
		return
	}

	netConn, err := protocol.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := s.registry.Add(netConn, r.RemoteAddr)
	conn.SetIdentity(identity)

	s.logger.Info("controller connected",
		"connection", conn.ID, "client", identity.ClientID, "remote", r.RemoteAddr)

	defer s.closeConnection(conn, netConn)

	welcome, _ := json.Marshal(protocol.Welcome{
		VehicleID:    s.platform.Fingerprint(),
		RequiresAuth: true,
	})
	resp := &protocol.Response{
		Type:      protocol.MsgWelcome,
		Data:      welcome,
		Timestamp: time.Now().UnixMilli(),
	}
	s.auth.Sign(resp)
	if err := s.sendResponse(conn, resp); err != nil {
		return
	}

	reader := bufio.NewReader(netConn)
	_ = netConn.SetReadDeadline(time.Now().Add(welcomeTimeout))

	for {
		opcode, payload, err := protocol.ReadFrame(reader)
		if err != nil {
			return
		}
		_ = netConn.SetReadDeadline(time.Time{})
		conn.Touch()

		switch opcode {
		case protocol.OpClose:
			return
		case protocol.OpPing:
			_ = conn.Send(protocol.OpPong, payload)
			continue
		case protocol.OpBinary:
			// Binary frames carry gzip-compressed JSON commands from
			// compression-capable controllers.
			payload, err = gunzipBytes(payload)
			if err != nil {
				s.sendError(conn, protocol.CodeDecompressionFailed, "could not decompress frame")
				continue
			}
		case protocol.OpText:
		default:
			continue
		}

		result := s.dispatcher.Dispatch(r.Context(), conn, payload)
		if result.Response != nil {
			if err := s.sendResponse(conn, result.Response); err != nil {
				return
			}
		}
		if result.Close {
			return
		}
	}
}

// closeConnection tears the connection down in one logical step: mark
// closed, drop pending broadcasts, remove from the registry, invalidate
// the session. After this no flush targets the connection and its token
// never validates again.
func (s *Server) closeConnection(conn *registry.Connection, netConn io.Closer) {
	token := conn.MarkClosed()
	s.scheduler.Drop(conn.ID)
	s.registry.Remove(conn.ID)
	if token != "" {
		s.sessions.Invalidate(token)
	}
	_ = netConn.Close()

	s.logger.Info("controller disconnected", "connection", conn.ID)
}

func (s *Server) sendResponse(conn *registry.Connection, resp *protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return conn.Send(protocol.OpText, data)
}

func (s *Server) sendError(conn *registry.Connection, code, message string) {
	data, _ := json.Marshal(protocol.ErrorData{Code: code, Message: message})
	resp := &protocol.Response{
		Type:      protocol.MsgError,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.auth.Sign(resp)
	_ = s.sendResponse(conn, resp)
}

// runSweeps expires sessions and replay entries on a fixed timer,
// independent of request traffic.
func (s *Server) runSweeps(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.SweepExpired(); n > 0 {
				s.logger.Debug("swept expired sessions", "count", n)
			}
			if n := s.auth.SweepReplayWindow(); n > 0 {
				s.logger.Debug("swept replay entries", "count", n)
			}
		}
	}
}

// runRebroadcast forwards internal subsystem events to every
// authenticated controller through the batching scheduler.
func (s *Server) runRebroadcast(ctx context.Context) {
	for _, topic := range bus.BroadcastTopics {
		ch, cancel := s.bus.Subscribe(topic)
		defer cancel()

		go func(topic string, ch <-chan bus.Message) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					s.enqueueEvent(msg)
				}
			}
		}(topic, ch)
	}
	<-ctx.Done()
}

func (s *Server) enqueueEvent(msg bus.Message) {
	event, err := json.Marshal(protocol.Event{Topic: msg.Topic, Payload: msg.Payload})
	if err != nil {
		return
	}
	resp := &protocol.Response{
		Type:      protocol.MsgEvent,
		Data:      event,
		Timestamp: time.Now().UnixMilli(),
	}
	s.auth.Sign(resp)

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}

	for _, conn := range s.registry.Authenticated() {
		s.scheduler.Enqueue(conn, data)
	}
}

func (s *Server) auditEvent(ctx context.Context, clientID, remoteAddr, kind, detail string) {
	ev := &store.SecurityEvent{
		ID:         uuid.NewString(),
		At:         time.Now(),
		ClientID:   clientID,
		RemoteAddr: remoteAddr,
		Kind:       kind,
		Detail:     detail,
	}
	if err := s.store.AppendSecurityEvent(ctx, ev); err != nil {
		s.logger.Error("append security event", "error", err)
	}
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close() //nolint:errcheck
	return io.ReadAll(zr)
}
