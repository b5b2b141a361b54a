package broadcast

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/registry"
)

type stubSigner struct{}

func (stubSigner) Sign(resp *protocol.Response) { resp.Signature = "c3R1Yg==" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testConn struct {
	conn   *registry.Connection
	client net.Conn
	reader *bufio.Reader
}

func newTestConn(t *testing.T, r *registry.Registry, compression bool) *testConn {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	conn := r.Add(server, "test")
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	conn.Authenticate("ctrl-test", "tok", pub, compression)

	return &testConn{conn: conn, client: client, reader: bufio.NewReader(client)}
}

// readFrame reads one frame off the client side with a deadline so a
// missing flush fails the test instead of hanging it.
func (tc *testConn) readFrame(t *testing.T) (byte, []byte) {
	t.Helper()

	type frame struct {
		op      byte
		payload []byte
		err     error
	}
	ch := make(chan frame, 1)
	go func() {
		op, payload, err := protocol.ReadFrame(tc.reader)
		ch <- frame{op, payload, err}
	}()

	select {
	case f := <-ch:
		require.NoError(t, f.err)
		return f.op, f.payload
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return 0, nil
	}
}

func TestFlushSingleMessageUnbatched(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 1024, stubSigner{}, testLogger())
	r := registry.New()
	tc := newTestConn(t, r, false)

	msg := []byte(`{"type":"EVENT","data":{"topic":"motor.statusUpdated"}}`)
	s.Enqueue(tc.conn, msg)

	go s.Flush()
	op, payload := tc.readFrame(t)
	assert.Equal(t, byte(protocol.OpText), op)
	// A single pending message goes out verbatim, no BATCH wrapper.
	assert.Equal(t, msg, payload)
}

func TestFlushBatchesMultipleInOrder(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 1<<20, stubSigner{}, testLogger())
	r := registry.New()
	tc := newTestConn(t, r, false)

	msgs := [][]byte{
		[]byte(`{"seq":1}`),
		[]byte(`{"seq":2}`),
		[]byte(`{"seq":3}`),
	}
	for _, m := range msgs {
		s.Enqueue(tc.conn, m)
	}

	go s.Flush()
	op, payload := tc.readFrame(t)
	assert.Equal(t, byte(protocol.OpText), op)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(payload, &resp))
	assert.Equal(t, protocol.MsgBatch, resp.Type)
	assert.NotEmpty(t, resp.Signature)

	var batch protocol.Batch
	require.NoError(t, json.Unmarshal(resp.Data, &batch))
	require.Len(t, batch.Messages, 3)
	for i, m := range batch.Messages {
		assert.JSONEq(t, string(msgs[i]), string(m))
	}
}

func TestFlushSeparateQueuesPerConnection(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 1<<20, stubSigner{}, testLogger())
	r := registry.New()
	a := newTestConn(t, r, false)
	b := newTestConn(t, r, false)

	s.Enqueue(a.conn, []byte(`{"for":"a"}`))
	s.Enqueue(b.conn, []byte(`{"for":"b"}`))

	go s.Flush()
	_, payloadA := a.readFrame(t)
	_, payloadB := b.readFrame(t)
	assert.JSONEq(t, `{"for":"a"}`, string(payloadA))
	assert.JSONEq(t, `{"for":"b"}`, string(payloadB))
}

func TestSendCompressesLargePayloads(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 128, stubSigner{}, testLogger())
	r := registry.New()
	tc := newTestConn(t, r, true)

	big := append([]byte(`{"pad":"`), bytes.Repeat([]byte{'a'}, 500)...)
	big = append(big, []byte(`"}`)...)
	s.Enqueue(tc.conn, big)

	go s.Flush()
	op, payload := tc.readFrame(t)
	require.Equal(t, byte(protocol.OpBinary), op)

	zr, err := gzip.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, big, plain)
}

func TestSendSkipsCompressionWithoutCapability(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 128, stubSigner{}, testLogger())
	r := registry.New()
	tc := newTestConn(t, r, false)

	big := bytes.Repeat([]byte{'b'}, 500)
	s.Enqueue(tc.conn, big)

	go s.Flush()
	op, payload := tc.readFrame(t)
	assert.Equal(t, byte(protocol.OpText), op)
	assert.Equal(t, big, payload)
}

func TestSendFallsBackWhenCompressionFails(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 128, stubSigner{}, testLogger())
	s.compress = func([]byte) ([]byte, error) {
		return nil, errors.New("gzip broken")
	}
	r := registry.New()
	tc := newTestConn(t, r, true)

	big := bytes.Repeat([]byte{'c'}, 500)
	s.Enqueue(tc.conn, big)

	// Delivery degrades to an uncompressed text frame with the original
	// bytes intact.
	go s.Flush()
	op, payload := tc.readFrame(t)
	assert.Equal(t, byte(protocol.OpText), op)
	assert.Equal(t, big, payload)
}

func TestRunFlushesOnWindow(t *testing.T) {
	s := NewScheduler(20*time.Millisecond, 1024, stubSigner{}, testLogger())
	r := registry.New()
	tc := newTestConn(t, r, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	msg := []byte(`{"type":"EVENT","data":{"topic":"gps.positionChanged"}}`)
	s.Enqueue(tc.conn, msg)

	// No manual Flush: the ticker must deliver it.
	op, payload := tc.readFrame(t)
	assert.Equal(t, byte(protocol.OpText), op)
	assert.Equal(t, msg, payload)
}

func TestSendSkipsCompressionBelowThreshold(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 1024, stubSigner{}, testLogger())
	r := registry.New()
	tc := newTestConn(t, r, true)

	small := []byte(`{"small":true}`)
	s.Enqueue(tc.conn, small)

	go s.Flush()
	op, _ := tc.readFrame(t)
	assert.Equal(t, byte(protocol.OpText), op)
}

func TestDropDiscardsPending(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 1024, stubSigner{}, testLogger())
	r := registry.New()
	tc := newTestConn(t, r, false)

	s.Enqueue(tc.conn, []byte(`{"doomed":true}`))
	s.Drop(tc.conn.ID)

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	assert.Zero(t, pending)

	// Flush with nothing queued writes no frames.
	s.Flush()
}

func TestFlushSkipsClosedConnections(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, 1024, stubSigner{}, testLogger())
	r := registry.New()
	tc := newTestConn(t, r, false)

	s.Enqueue(tc.conn, []byte(`{"late":true}`))
	tc.conn.MarkClosed()

	// Must not block writing to a connection nobody reads from.
	done := make(chan struct{})
	go func() {
		s.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush blocked on a closed connection")
	}
}
