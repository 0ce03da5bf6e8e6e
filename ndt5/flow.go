package ndt5

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/bassosimone/libndt/errx"
	"github.com/bassosimone/libndt/ws"
)

// errNonBinaryMessage tells a download receiver that the server sent a
// non-binary WebSocket message in the middle of the payload stream.
var errNonBinaryMessage = errors.New("received non-binary message during measurement")

// flow is a single measurement connection carrying payload traffic.
// Exactly one of netConn and wsConn is non-nil, depending on whether
// WebSocket framing is active.
type flow struct {
	netConn net.Conn
	wsConn  *ws.Conn
	timeout time.Duration
}

// dialFlow opens one measurement flow towards the port announced in
// the test-prepare message, using the role as WebSocket subprotocol.
func (c *Client) dialFlow(ctx context.Context, port, role string) (*flow, error) {
	conn, err := c.config.Dialer.DialContext(ctx, c.config.Hostname, port)
	if err != nil {
		return nil, err
	}
	if !c.config.WebSocket {
		return &flow{netConn: conn, timeout: c.config.ioTimeout()}, nil
	}
	wsConn, err := ws.Dial(conn, ws.Config{
		Hostname: c.config.Hostname,
		Port:     port,
		TLS:      c.config.Dialer.TLS,
		Path:     wsProtocolPath,
		Protocol: role,
		Timeout:  c.config.ioTimeout(),
	})
	if err != nil {
		return nil, err
	}
	return &flow{wsConn: wsConn, timeout: c.config.ioTimeout()}, nil
}

// readChunk reads the next chunk of payload into buf: a raw read in
// plain mode, a whole message in WebSocket mode.
func (f *flow) readChunk(buf []byte) (int, error) {
	if f.wsConn != nil {
		opcode, n, err := f.wsConn.ReadMessage(buf)
		if err != nil {
			return 0, err
		}
		if opcode != ws.OpcodeBinary {
			return n, errNonBinaryMessage
		}
		return n, nil
	}
	if err := f.netConn.SetReadDeadline(time.Now().Add(f.timeout)); err != nil {
		return 0, err
	}
	return f.netConn.Read(buf)
}

// writeChunk writes one chunk of payload: the raw buffer in plain
// mode, the pre-masked frame in WebSocket mode.
func (f *flow) writeChunk(raw, prepared []byte) (int, error) {
	if f.wsConn != nil {
		if err := f.wsConn.WritePrepared(prepared); err != nil {
			return 0, err
		}
		return len(raw), nil
	}
	if err := f.netConn.SetWriteDeadline(time.Now().Add(f.timeout)); err != nil {
		return 0, err
	}
	return f.netConn.Write(raw)
}

func (f *flow) Close() error {
	if f.wsConn != nil {
		return f.wsConn.Close()
	}
	return f.netConn.Close()
}

// quietSendFailure tells whether a send failure is the expected way
// for the peer to end the sub-test rather than a real problem.
func quietSendFailure(err error) bool {
	switch errx.Classify(err) {
	case errx.BrokenPipe, errx.ConnectionReset:
		return true
	}
	return false
}

func errKindLabel(err error) string {
	return errx.Classify(err).String()
}
