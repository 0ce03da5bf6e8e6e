// Package protocol implements the messages of the ndt5 control
// protocol. An NDT message is a 3-byte header, type and big endian
// body length, followed by the body. Depending on the negotiated
// encoding the body is either a raw string or a JSON document, and
// depending on the transport the message travels either directly over
// the byte stream or inside a single WebSocket binary message.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/bassosimone/libndt/ws"
)

// MessageType is the full set of NDT protocol messages we understand.
type MessageType byte

const (
	// MsgCommFailure is sent when a communication failure occurs.
	MsgCommFailure MessageType = iota
	// SrvQueue signals how long a client should wait.
	SrvQueue
	// MsgLogin is used for signalling capabilities.
	MsgLogin
	// TestPrepare indicates that the server is getting ready to run a test.
	TestPrepare
	// TestStart indicates preparation is complete and the test is about to run.
	TestStart
	// TestMsg is used for communication during a test.
	TestMsg
	// TestFinalize is the last message a test sends.
	TestFinalize
	// MsgError is sent when an error occurs.
	MsgError
	// MsgResults sends test results.
	MsgResults
	// MsgLogout is used to logout.
	MsgLogout
	// MsgWaiting is used for queue management.
	MsgWaiting
	// MsgExtendedLogin is used to signal advanced capabilities.
	MsgExtendedLogin
)

func (m MessageType) String() string {
	switch m {
	case MsgCommFailure:
		return "MsgCommFailure"
	case SrvQueue:
		return "SrvQueue"
	case MsgLogin:
		return "MsgLogin"
	case TestPrepare:
		return "TestPrepare"
	case TestStart:
		return "TestStart"
	case TestMsg:
		return "TestMsg"
	case TestFinalize:
		return "TestFinalize"
	case MsgError:
		return "MsgError"
	case MsgResults:
		return "MsgResults"
	case MsgLogout:
		return "MsgLogout"
	case MsgWaiting:
		return "MsgWaiting"
	case MsgExtendedLogin:
		return "MsgExtendedLogin"
	default:
		return fmt.Sprintf("UnknownMessage(0x%X)", byte(m))
	}
}

// NettestFlags is the bitset of sub-tests advertised during login. The
// same values identify the granted sub-tests announced by the server.
type NettestFlags uint8

const (
	// NettestMiddlebox selects the middlebox sub-test (not implemented).
	NettestMiddlebox NettestFlags = 1 << iota
	// NettestUpload selects the upload sub-test.
	NettestUpload
	// NettestDownload selects the download sub-test.
	NettestDownload
	// NettestSimpleFirewall selects the simple-firewall sub-test (not
	// implemented).
	NettestSimpleFirewall
	// NettestStatus signals that we are a modern client able to deal
	// with queue management messages.
	NettestStatus
	// NettestMeta selects the meta sub-test.
	NettestMeta
	// NettestUploadExt selects the extended upload sub-test (not
	// implemented).
	NettestUploadExt
	// NettestDownloadExt selects the multi-stream download sub-test.
	NettestDownloadExt
)

// Kickoff is the fixed preamble the legacy non-WebSocket server sends
// immediately after accepting the connection.
const Kickoff = "123456 654321"

// maxBodyLength is the maximum encodable body length, bounded by the
// 16-bit length field in the message header.
const maxBodyLength = 65535

// Connection sends and receives whole NDT messages over some
// transport. Implementations are not safe for concurrent use.
type Connection interface {
	// WriteMessage sends a single NDT message.
	WriteMessage(kind MessageType, body []byte) error

	// ReadMessage reads the next NDT message.
	ReadMessage() (MessageType, []byte, error)

	// ReadKickoff consumes the kickoff preamble, where the transport
	// has one, and fails if it does not match.
	ReadKickoff() error

	// AwaitClose waits up to timeout for the server to close the
	// connection. A server that is merely slow to close is tolerated;
	// a server that sends more data is not.
	AwaitClose(timeout time.Duration) error

	// Close closes the underlying transport.
	Close() error
}

// tlvConn frames messages directly over a byte stream.
type tlvConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// NewTLVConn creates a Connection framing messages directly over conn,
// with each I/O operation bounded by timeout.
func NewTLVConn(conn net.Conn, timeout time.Duration) Connection {
	return &tlvConn{conn: conn, reader: bufio.NewReader(conn), timeout: timeout}
}

func (c *tlvConn) WriteMessage(kind MessageType, body []byte) error {
	if len(body) > maxBodyLength {
		return errors.New("message body too long")
	}
	frame := make([]byte, 0, 3+len(body))
	frame = append(frame, byte(kind), byte(len(body)>>8), byte(len(body)))
	frame = append(frame, body...)
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *tlvConn) ReadMessage() (MessageType, []byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, nil, err
	}
	var header [3]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return 0, nil, err
	}
	length := int(header[1])<<8 | int(header[2])
	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return 0, nil, err
	}
	return MessageType(header[0]), body, nil
}

func (c *tlvConn) ReadKickoff() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	received := make([]byte, len(Kickoff))
	if _, err := io.ReadFull(c.reader, received); err != nil {
		return err
	}
	if string(received) != Kickoff {
		return errors.New("invalid kickoff message")
	}
	return nil
}

func (c *tlvConn) AwaitClose(timeout time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	var trailing [1]byte
	n, err := c.reader.Read(trailing[:])
	if n != 0 {
		return errors.New("server did not close the connection")
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	return nil
}

func (c *tlvConn) Close() error {
	return c.conn.Close()
}

// wsConn frames messages inside WebSocket binary messages: one NDT
// message per WebSocket message.
type wsConn struct {
	conn *ws.Conn
	buf  []byte
}

// NewWSConn creates a Connection carrying each NDT message inside a
// single WebSocket binary message over conn.
func NewWSConn(conn *ws.Conn) Connection {
	return &wsConn{conn: conn, buf: make([]byte, 3+maxBodyLength)}
}

func (c *wsConn) WriteMessage(kind MessageType, body []byte) error {
	if len(body) > maxBodyLength {
		return errors.New("message body too long")
	}
	header := []byte{byte(kind), byte(len(body) >> 8), byte(len(body))}
	return c.conn.WriteFragmented(ws.OpcodeBinary, header, body)
}

func (c *wsConn) ReadMessage() (MessageType, []byte, error) {
	opcode, n, err := c.conn.ReadMessage(c.buf)
	if err != nil {
		return 0, nil, err
	}
	if opcode != ws.OpcodeBinary {
		return 0, nil, errors.New("unexpected non-binary message")
	}
	if n < 3 {
		return 0, nil, errors.New("message too short")
	}
	length := int(c.buf[1])<<8 | int(c.buf[2])
	if length != n-3 {
		return 0, nil, fmt.Errorf(
			"message length (%d) does not match length of data received (%d)",
			length, n-3)
	}
	body := append([]byte(nil), c.buf[3:n]...)
	return MessageType(c.buf[0]), body, nil
}

func (c *wsConn) ReadKickoff() error {
	// The kickoff preamble is not sent over WebSocket.
	return nil
}

func (c *wsConn) AwaitClose(timeout time.Duration) error {
	// ReadMessage arms the read deadline with the connection's own I/O
	// timeout; the timer moves the deadline to now once timeout elapses.
	timer := time.AfterFunc(timeout, func() {
		c.conn.NetConn().SetReadDeadline(time.Now())
	})
	defer timer.Stop()
	_, _, err := c.conn.ReadMessage(c.buf)
	if err == nil {
		return errors.New("server did not close the connection")
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	return err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// JSONMessage is the JSON body used when the JSON encoding is active.
// We only support the subset of the NDT JSON protocol that has two
// fields: msg and tests.
type JSONMessage struct {
	Msg   string `json:"msg"`
	Tests string `json:"tests,omitempty"`
}

// Encoding selects how message bodies are framed on the wire.
type Encoding int

const (
	// TLV sends raw bodies.
	TLV Encoding = iota
	// JSON wraps bodies into JSON documents.
	JSON
)

func (e Encoding) String() string {
	switch e {
	case TLV:
		return "TLV"
	case JSON:
		return "JSON"
	}
	return fmt.Sprintf("Bad Encoding value: %d", int(e))
}

// Messager reads and writes message bodies with a fixed encoding over
// a Connection.
type Messager struct {
	conn     Connection
	encoding Encoding
}

// NewMessager creates a Messager using the given encoding over conn.
func NewMessager(conn Connection, encoding Encoding) *Messager {
	return &Messager{conn: conn, encoding: encoding}
}

// Encoding returns the encoding in use.
func (m *Messager) Encoding() Encoding {
	return m.encoding
}

// SendLogin sends the login message advertising the given sub-tests
// and the NDT version we are compatible with. With the JSON encoding
// this is an extended login; with the TLV encoding the body is the
// single flags byte of the original protocol.
func (m *Messager) SendLogin(emulatedVersion string, flags NettestFlags) error {
	if m.encoding == JSON {
		body, err := json.Marshal(&JSONMessage{
			Msg:   emulatedVersion,
			Tests: strconv.Itoa(int(flags)),
		})
		if err != nil {
			return err
		}
		return m.conn.WriteMessage(MsgExtendedLogin, body)
	}
	return m.conn.WriteMessage(MsgLogin, []byte{byte(flags)})
}

// SendMessage sends body as a message of the given kind.
func (m *Messager) SendMessage(kind MessageType, body []byte) error {
	if m.encoding == JSON {
		wrapped, err := json.Marshal(&JSONMessage{Msg: string(body)})
		if err != nil {
			return err
		}
		return m.conn.WriteMessage(kind, wrapped)
	}
	return m.conn.WriteMessage(kind, body)
}

// ReadMessage reads the next message and decodes its body according to
// the encoding.
func (m *Messager) ReadMessage() (MessageType, []byte, error) {
	kind, raw, err := m.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	if m.encoding == JSON {
		var message JSONMessage
		if err := json.Unmarshal(raw, &message); err != nil {
			return kind, nil, err
		}
		return kind, []byte(message.Msg), nil
	}
	return kind, raw, nil
}

// SendLegacyMessage sends body without encoding it, regardless of the
// negotiated encoding.
func (m *Messager) SendLegacyMessage(kind MessageType, body []byte) error {
	return m.conn.WriteMessage(kind, body)
}

// ReadLegacyMessage reads the next message without decoding the body,
// regardless of the encoding. A few server messages use raw bodies
// even when the JSON encoding has been negotiated.
func (m *Messager) ReadLegacyMessage() (MessageType, []byte, error) {
	return m.conn.ReadMessage()
}

// Expect reads the next message and fails unless it has the wanted kind.
func (m *Messager) Expect(kind MessageType) ([]byte, error) {
	got, body, err := m.ReadMessage()
	if err != nil {
		return nil, err
	}
	if got != kind {
		return nil, fmt.Errorf("expected %s message, got %s", kind, got)
	}
	return body, nil
}

// ExpectEmpty reads the next message and fails unless it has the
// wanted kind and an empty body.
func (m *Messager) ExpectEmpty(kind MessageType) error {
	body, err := m.Expect(kind)
	if err != nil {
		return err
	}
	if len(body) != 0 {
		return fmt.Errorf("expected empty %s message", kind)
	}
	return nil
}
