package main

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/security"
)

// responseTimeout bounds how long Send waits for the vehicle to answer
// one command.
const responseTimeout = 10 * time.Second

// Client is a connected, authenticated control-channel session.
type Client struct {
	conn          net.Conn
	reader        *bufio.Reader
	creds         *Credentials
	signKey       ed25519.PrivateKey
	vehicleKey    ed25519.PublicKey
	vehicleEncKey *ecdh.PublicKey
	compress      bool
	encrypt       bool
	timeout       time.Duration
}

// Dial connects to the vehicle's control endpoint over mutual TLS,
// performs the WebSocket handshake and waits for the WELCOME message.
func Dial(addr string, creds *Credentials, compress bool) (*Client, error) {
	cert, err := tls.X509KeyPair([]byte(creds.Certificate), []byte(creds.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(creds.CACertificate)) {
		return nil, fmt.Errorf("invalid CA certificate")
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	signKey, err := parseSigningKey(creds.PrivateKey)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}

	vehicleKey, err := base64.StdEncoding.DecodeString(creds.VehiclePublicKey)
	if err != nil || len(vehicleKey) != ed25519.PublicKeySize {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("invalid vehicle public key")
	}

	c := &Client{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		creds:      creds,
		signKey:    signKey,
		vehicleKey: ed25519.PublicKey(vehicleKey),
		compress:   compress,
		timeout:    responseTimeout,
	}

	// Vehicles that hand out an encryption key during enrollment accept
	// encrypted command payloads; older credentials simply lack the key.
	if creds.VehicleEncryptionKey != "" {
		raw, err := base64.StdEncoding.DecodeString(creds.VehicleEncryptionKey)
		if err != nil {
			conn.Close() //nolint:errcheck
			return nil, fmt.Errorf("invalid vehicle encryption key: %w", err)
		}
		encKey, err := ecdh.X25519().NewPublicKey(raw)
		if err != nil {
			conn.Close() //nolint:errcheck
			return nil, fmt.Errorf("invalid vehicle encryption key: %w", err)
		}
		c.vehicleEncKey = encKey
	}

	if err := c.handshake(addr); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}

	welcome, err := c.ReadResponse()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	if welcome.Type != protocol.MsgWelcome {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("expected WELCOME, got %s", welcome.Type)
	}

	return c, nil
}

// handshake performs the client side of the WebSocket upgrade.
func (c *Client) handshake(addr string) error {
	keyBytes := make([]byte, 16)
	rand.Read(keyBytes) //nolint:errcheck
	wsKey := base64.StdEncoding.EncodeToString(keyBytes)

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	request := "GET /ws HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + wsKey + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	if _, err := c.conn.Write([]byte(request)); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}

	status, err := c.reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	if !strings.Contains(status, "101") {
		return fmt.Errorf("upgrade rejected: %s", strings.TrimSpace(status))
	}

	// Drain remaining headers.
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" {
			return nil
		}
	}
}

// Authenticate sends the signed AUTH command and waits for AUTH_SUCCESS.
func (c *Client) Authenticate() error {
	data, _ := json.Marshal(protocol.AuthRequest{
		ClientID:    c.creds.ClientID,
		Compression: c.compress,
	})

	resp, err := c.Send(protocol.CmdAuth, data)
	if err != nil {
		return err
	}
	if resp.Type != protocol.MsgAuthSuccess {
		return responseError(resp)
	}
	return nil
}

// Send signs and transmits one command, then waits for the matching
// response, skipping broadcast traffic that arrives in between.
func (c *Client) Send(cmdType string, data json.RawMessage) (*protocol.Response, error) {
	if c.encrypt && len(data) > 0 && cmdType != protocol.CmdAuth {
		enc, err := c.encryptPayload(data)
		if err != nil {
			return nil, err
		}
		data = enc
	}

	cmd := &protocol.Command{
		ID:        uuid.NewString(),
		Type:      cmdType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		ClientID:  c.creds.ClientID,
	}
	signed := security.SignCommand(c.signKey, cmd)

	payload, err := json.Marshal(signed)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteClientFrame(c.conn, protocol.OpText, payload); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	// The read deadline covers the whole wait: a vehicle that goes silent
	// surfaces a timeout error instead of blocking forever.
	deadline := time.Now().Add(c.timeout)
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	for time.Now().Before(deadline) {
		resp, err := c.ReadResponse()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, fmt.Errorf("timed out waiting for response to %s", cmdType)
			}
			return nil, err
		}
		if resp.Type == protocol.MsgEvent || resp.Type == protocol.MsgBatch {
			continue
		}
		if resp.ID == "" || resp.ID == cmd.ID {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("timed out waiting for response to %s", cmdType)
}

// encryptPayload seals a command payload for the vehicle's encryption key
// so field geometry never crosses the link in the clear.
func (c *Client) encryptPayload(data json.RawMessage) (json.RawMessage, error) {
	if c.vehicleEncKey == nil {
		return nil, fmt.Errorf("vehicle did not provide an encryption key; re-enroll to use -encrypt")
	}
	ep, err := security.Encrypt(data, c.vehicleEncKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	return json.Marshal(map[string]*security.EncryptedPayload{"encrypted": ep})
}

// ReadResponse reads one server envelope, decompressing binary frames and
// verifying the vehicle's signature.
func (c *Client) ReadResponse() (*protocol.Response, error) {
	for {
		opcode, payload, err := protocol.ReadFrame(c.reader)
		if err != nil {
			return nil, err
		}

		switch opcode {
		case protocol.OpPing:
			_ = protocol.WriteClientFrame(c.conn, protocol.OpPong, payload)
			continue
		case protocol.OpClose:
			return nil, io.EOF
		case protocol.OpBinary:
			payload, err = gunzip(payload)
			if err != nil {
				return nil, fmt.Errorf("decompress: %w", err)
			}
		case protocol.OpText:
		default:
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}

		if resp.Signature != "" && !security.VerifyPlatform(c.vehicleKey, resp.Canonical(), resp.Signature) {
			return nil, fmt.Errorf("response signature invalid: not our vehicle")
		}
		return &resp, nil
	}
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	_ = protocol.WriteClientFrame(c.conn, protocol.OpClose, nil)
	return c.conn.Close()
}

func parseSigningKey(keyPEM string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", key)
	}
	return edKey, nil
}

func responseError(resp *protocol.Response) error {
	var ed protocol.ErrorData
	if err := json.Unmarshal(resp.Data, &ed); err == nil && ed.Code != "" {
		return fmt.Errorf("%s: %s", ed.Code, ed.Message)
	}
	return fmt.Errorf("unexpected response %s", resp.Type)
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close() //nolint:errcheck
	return io.ReadAll(zr)
}
