// Package broadcast batches outbound event messages per connection and
// flushes them on a shared timer, compressing large payloads for
// connections that negotiated compression.
package broadcast

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/registry"
)

// Signer signs a response envelope with the vehicle's platform key.
type Signer interface {
	Sign(resp *protocol.Response)
}

type pendingMessage struct {
	message    []byte
	enqueuedAt time.Time
}

// Scheduler accumulates outbound messages per connection and flushes on a
// fixed batching window. A connection with exactly one pending message
// receives it unbatched; more than one is delivered as a single BATCH
// envelope preserving enqueue order.
type Scheduler struct {
	window    time.Duration
	threshold int
	signer    Signer
	logger    *slog.Logger
	compress  func([]byte) ([]byte, error)

	mu      sync.Mutex
	pending map[string][]pendingMessage
	targets map[string]*registry.Connection
}

// NewScheduler creates a scheduler. threshold is the serialized size in
// bytes above which payloads are compressed for capable connections.
func NewScheduler(window time.Duration, threshold int, signer Signer, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		window:    window,
		threshold: threshold,
		signer:    signer,
		logger:    logger,
		compress:  gzipBytes,
		pending:   make(map[string][]pendingMessage),
		targets:   make(map[string]*registry.Connection),
	}
}

// Enqueue queues a serialized envelope for delivery to conn on the next
// flush. Messages for one connection are delivered FIFO.
func (s *Scheduler) Enqueue(conn *registry.Connection, message []byte) {
	s.mu.Lock()
	s.pending[conn.ID] = append(s.pending[conn.ID], pendingMessage{
		message:    message,
		enqueuedAt: time.Now(),
	})
	s.targets[conn.ID] = conn
	s.mu.Unlock()
}

// Drop discards all pending messages for a connection. Called in the same
// logical step as registry removal so a flush never targets a removed
// connection.
func (s *Scheduler) Drop(connID string) {
	s.mu.Lock()
	delete(s.pending, connID)
	delete(s.targets, connID)
	s.mu.Unlock()
}

// Run flushes on the batching window until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Flush delivers every pending queue. Exported for tests; production use
// goes through Run.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	batches := s.pending
	targets := s.targets
	s.pending = make(map[string][]pendingMessage)
	s.targets = make(map[string]*registry.Connection)
	s.mu.Unlock()

	for connID, queue := range batches {
		conn := targets[connID]
		if conn == nil || conn.State() == registry.StateClosed {
			continue
		}

		var payload []byte
		if len(queue) == 1 {
			payload = queue[0].message
		} else {
			payload = s.batchEnvelope(queue)
			if payload == nil {
				continue
			}
		}

		if err := s.send(conn, payload); err != nil {
			s.logger.Debug("broadcast send failed", "connection", connID, "error", err)
		}
	}
}

// batchEnvelope wraps queued messages in a signed BATCH response.
func (s *Scheduler) batchEnvelope(queue []pendingMessage) []byte {
	batch := protocol.Batch{Messages: make([]json.RawMessage, 0, len(queue))}
	for _, pm := range queue {
		batch.Messages = append(batch.Messages, pm.message)
	}

	data, err := json.Marshal(batch)
	if err != nil {
		s.logger.Error("marshal batch", "error", err)
		return nil
	}

	resp := &protocol.Response{
		Type:      protocol.MsgBatch,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.signer.Sign(resp)

	out, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal batch envelope", "error", err)
		return nil
	}
	return out
}

// send writes payload as a text frame, or as a gzip binary frame when it
// exceeds the compression threshold and the connection negotiated
// compression. Compression failure falls back to the uncompressed frame;
// it is an optimization, never a correctness dependency.
func (s *Scheduler) send(conn *registry.Connection, payload []byte) error {
	if len(payload) > s.threshold && conn.SupportsCompression() {
		if compressed, err := s.compress(payload); err == nil {
			return conn.Send(protocol.OpBinary, compressed)
		}
		s.logger.Warn("compression failed, sending uncompressed", "connection", conn.ID)
	}
	return conn.Send(protocol.OpText, payload)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close() //nolint:errcheck
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
