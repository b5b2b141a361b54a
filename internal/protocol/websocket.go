package protocol

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
)

// WebSocket opcodes per RFC 6455. Text frames carry plain JSON envelopes;
// binary frames carry gzip-compressed JSON for connections that negotiated
// compression during AUTH.
const (
	OpContinue = 0
	OpText     = 1
	OpBinary   = 2
	OpClose    = 8
	OpPing     = 9
	OpPong     = 10
)

// maxFrameLen bounds a single inbound frame to keep a misbehaving peer
// from forcing a huge allocation.
const maxFrameLen = 4 << 20

// WebSocket GUID per RFC 6455 section 4.2.2.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a given key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Upgrade performs the HTTP to WebSocket handshake and hands back the
// hijacked connection. The caller owns the connection afterwards.
func Upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	if r.Header.Get("Upgrade") != "websocket" {
		return nil, fmt.Errorf("not a websocket request")
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, fmt.Errorf("missing Sec-WebSocket-Key")
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("hijacking not supported")
	}

	conn, _, err := hj.Hijack()
	if err != nil {
		return nil, err
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n"

	if _, err := conn.Write([]byte(response)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

// ReadFrame reads a single WebSocket frame from r.
// It handles extended payload lengths and optional masking.
func ReadFrame(r *bufio.Reader) (opcode byte, payload []byte, err error) {
	header := make([]byte, 2)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	opcode = header[0] & 0x0F
	masked := (header[1] & 0x80) != 0
	length := uint64(header[1] & 0x7F)

	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err = io.ReadFull(r, ext); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err = io.ReadFull(r, ext); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext)
	}

	if length > maxFrameLen {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	var maskKey []byte
	if masked {
		maskKey = make([]byte, 4)
		if _, err = io.ReadFull(r, maskKey); err != nil {
			return 0, nil, err
		}
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return opcode, payload, nil
}

// WriteServerFrame writes an unmasked WebSocket frame (server → client).
func WriteServerFrame(conn net.Conn, opcode byte, payload []byte) error {
	length := len(payload)

	frame := make([]byte, 0, 2+8+length)
	frame = append(frame, 0x80|opcode)

	switch {
	case length < 126:
		frame = append(frame, byte(length))
	case length < 65536:
		frame = append(frame, 126, byte(length>>8), byte(length))
	default:
		frame = append(frame, 127)
		for i := 7; i >= 0; i-- {
			frame = append(frame, byte(length>>(i*8)))
		}
	}

	frame = append(frame, payload...)
	_, err := conn.Write(frame)
	return err
}

// WriteClientFrame writes a masked WebSocket frame (client → server).
func WriteClientFrame(conn net.Conn, opcode byte, payload []byte) error {
	length := len(payload)

	frame := make([]byte, 0, 2+8+4+length)
	frame = append(frame, 0x80|opcode)

	switch {
	case length < 126:
		frame = append(frame, byte(length)|0x80)
	case length < 65536:
		frame = append(frame, 126|0x80, byte(length>>8), byte(length))
	default:
		frame = append(frame, 127|0x80)
		for i := 7; i >= 0; i-- {
			frame = append(frame, byte(length>>(i*8)))
		}
	}

	maskKey := [4]byte{}
	rand.Read(maskKey[:]) //nolint:errcheck
	frame = append(frame, maskKey[:]...)

	// Mask inline into the same allocation.
	off := len(frame)
	frame = frame[:off+length]
	for i, b := range payload {
		frame[off+i] = b ^ maskKey[i&3]
	}

	_, err := conn.Write(frame)
	return err
}
