// Package ws implements the client side of the WebSocket protocol
// (RFC 6455) on top of an established net.Conn, so that the same
// framing works over plain TCP, over TLS, and through a SOCKS5h
// tunnel. Only the subset needed by the NDT protocols is implemented:
// there is no redirect following, header matching is exact rather than
// case-insensitive, and the handshake uses the RFC 6455 sample nonce,
// which pins the accept token to a known constant.
package ws

import (
	"bufio"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/bassosimone/libndt/errx"
)

const (
	// websocketKey is the Sec-WebSocket-Key we send.
	websocketKey = "dGhlIHNhbXBsZSBub25jZQ=="

	// websocketAccept is the Sec-WebSocket-Accept matching websocketKey.
	websocketAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

	// maxLineLength is the maximum accepted response line length.
	maxLineLength = 8000

	// maxResponseLines is the maximum number of response header lines.
	maxResponseLines = 1000
)

// DefaultTimeout bounds each I/O operation when Config.Timeout is zero.
const DefaultTimeout = 7 * time.Second

// Config contains the parameters of the WebSocket upgrade.
type Config struct {
	// Hostname is the value of the Host header. The port is appended
	// when it is not the default port for the scheme.
	Hostname string

	// Port is the remote port. Used to build the Host header.
	Port string

	// TLS indicates whether the underlying connection uses TLS. Used
	// only to decide what the default port is.
	TLS bool

	// Path is the request target of the upgrade request.
	Path string

	// Protocol is the Sec-WebSocket-Protocol we request and that the
	// server must echo back.
	Protocol string

	// Timeout bounds each I/O operation on the resulting Conn.
	Timeout time.Duration
}

// Conn is a client WebSocket connection. All operations are bounded by
// the configured timeout. Conn is not safe for concurrent use.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	rng     *rand.Rand
	ctrl    [maxControlPayload]byte
}

// Dial performs the client upgrade handshake over conn and returns the
// framed connection. On failure conn is closed: either the caller owns
// a working *Conn or nothing.
func Dial(conn net.Conn, config Config) (*Conn, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	wsConn := &Conn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := wsConn.handshake(config); err != nil {
		conn.Close()
		return nil, err
	}
	return wsConn, nil
}

func hostHeader(config Config) string {
	defaultPort := "80"
	if config.TLS {
		defaultPort = "443"
	}
	if config.Port == defaultPort {
		return config.Hostname
	}
	return net.JoinHostPort(config.Hostname, config.Port)
}

// Facts we must collect from the upgrade response before the blank
// line for the handshake to be acceptable.
const (
	factUpgrade = 1 << iota
	factConnection
	factAccept
	factProtocol
)

func (c *Conn) handshake(config Config) error {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	defer c.conn.SetDeadline(time.Time{})
	var request strings.Builder
	request.WriteString("GET " + config.Path + " HTTP/1.1\r\n")
	request.WriteString("Host: " + hostHeader(config) + "\r\n")
	request.WriteString("Connection: Upgrade\r\n")
	request.WriteString("Upgrade: websocket\r\n")
	request.WriteString("Sec-WebSocket-Key: " + websocketKey + "\r\n")
	request.WriteString("Sec-WebSocket-Version: 13\r\n")
	request.WriteString("Sec-WebSocket-Protocol: " + config.Protocol + "\r\n")
	request.WriteString("\r\n")
	if _, err := c.conn.Write([]byte(request.String())); err != nil {
		return err
	}
	statusLine, err := c.readLine()
	if err != nil {
		return err
	}
	if statusLine != "HTTP/1.1 101 Switching Protocols" {
		return errx.New(errx.WSProto, "ws_handshake", "unexpected status line")
	}
	var facts int
	for i := 0; i < maxResponseLines; i++ {
		line, err := c.readLine()
		if err != nil {
			return err
		}
		if line == "" {
			if facts != factUpgrade|factConnection|factAccept|factProtocol {
				return errx.New(errx.WSProto, "ws_handshake",
					"missing required headers in upgrade response")
			}
			return nil
		}
		switch line {
		case "Upgrade: websocket":
			facts |= factUpgrade
		case "Connection: Upgrade":
			facts |= factConnection
		case "Sec-WebSocket-Accept: " + websocketAccept:
			facts |= factAccept
		case "Sec-WebSocket-Protocol: " + config.Protocol:
			facts |= factProtocol
		}
	}
	return errx.New(errx.WSProto, "ws_handshake", "too many response header lines")
}

// readLine reads a single CRLF terminated line, without the terminator.
func (c *Conn) readLine() (string, error) {
	var line strings.Builder
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if line.Len() >= maxLineLength {
			return "", errx.New(errx.WSProto, "ws_handshake", "response line too long")
		}
		line.WriteByte(b)
	}
	return strings.TrimSuffix(line.String(), "\r"), nil
}

func (c *Conn) maskKey() (key [4]byte) {
	c.rng.Read(key[:])
	return
}

// PrepareFrame serializes payload as a single masked frame with FIN
// set. The returned buffer can be written many times with
// WritePrepared, which is how the upload engines avoid re-masking the
// same payload on every send.
func (c *Conn) PrepareFrame(opcode Opcode, payload []byte) []byte {
	return prepareFrame(byte(opcode)|finFlag, c.maskKey(), payload)
}

// WritePrepared writes a frame built with PrepareFrame as one write.
func (c *Conn) WritePrepared(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

// WriteMessage sends payload as a single unfragmented message.
func (c *Conn) WriteMessage(opcode Opcode, payload []byte) error {
	return c.WritePrepared(c.PrepareFrame(opcode, payload))
}

// WriteFragmented sends one logical message as two frames: the first
// carrying the message opcode with FIN clear, the second a
// continuation with FIN set. When second is empty a single FIN frame
// is sent instead.
func (c *Conn) WriteFragmented(opcode Opcode, first, second []byte) error {
	if len(second) == 0 {
		return c.WriteMessage(opcode, first)
	}
	if err := c.WritePrepared(prepareFrame(byte(opcode), c.maskKey(), first)); err != nil {
		return err
	}
	return c.WritePrepared(prepareFrame(byte(OpcodeContinuation)|finFlag, c.maskKey(), second))
}

// readAnyFrame reads the next frame. Data payloads land into buf while
// control payloads land into an internal scratch buffer, so a control
// frame can never overflow a partially filled message buffer. The
// returned slice aliases the payload destination.
func (c *Conn) readAnyFrame(buf []byte) (frameHeader, []byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return frameHeader{}, nil, err
	}
	header, err := readFrameHeader(c.reader)
	if err != nil {
		return frameHeader{}, nil, err
	}
	dst := buf
	if header.opcode.control() {
		dst = c.ctrl[:]
	}
	if header.length > uint64(len(dst)) {
		return frameHeader{}, nil, errx.New(errx.MessageSize, "ws_recv_any_frame",
			"frame payload larger than buffer")
	}
	if _, err := io.ReadFull(c.reader, dst[:header.length]); err != nil {
		return frameHeader{}, nil, err
	}
	return header, dst[:header.length], nil
}

// readDataFrame reads frames until a data frame arrives, transparently
// handling control frames: PING is answered with a PONG echoing the
// payload, PONG is ignored, and CLOSE is answered with a CLOSE after
// which io.EOF is returned.
func (c *Conn) readDataFrame(buf []byte) (frameHeader, []byte, error) {
	for {
		header, payload, err := c.readAnyFrame(buf)
		if err != nil {
			return frameHeader{}, nil, err
		}
		switch header.opcode {
		case OpcodeClose:
			c.WriteMessage(OpcodeClose, nil)
			return frameHeader{}, nil, io.EOF
		case OpcodePing:
			if err := c.WriteMessage(OpcodePong, payload); err != nil {
				return frameHeader{}, nil, err
			}
		case OpcodePong:
			// ignored
		default:
			return header, payload, nil
		}
	}
}

// ReadMessage reads the next logical text or binary message into buf
// and returns its opcode and length. The message may span multiple
// frames; a message larger than buf is a message-size error, and a
// non-continuation frame in the middle of a fragmented message is a
// protocol error. Returns io.EOF after answering a CLOSE frame.
func (c *Conn) ReadMessage(buf []byte) (Opcode, int, error) {
	header, payload, err := c.readDataFrame(buf)
	if err != nil {
		return 0, 0, err
	}
	if header.opcode == OpcodeContinuation {
		return 0, 0, errx.New(errx.WSProto, "ws_recvmsg",
			"first frame of a message is a continuation")
	}
	opcode := header.opcode
	total := len(payload)
	for !header.fin {
		header, payload, err = c.readDataFrame(buf[total:])
		if err != nil {
			return 0, 0, err
		}
		if header.opcode != OpcodeContinuation {
			return 0, 0, errx.New(errx.WSProto, "ws_recvmsg",
				"expected a continuation frame")
		}
		total += len(payload)
	}
	return opcode, total, nil
}

// NetConn returns the connection beneath the WebSocket framing.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
