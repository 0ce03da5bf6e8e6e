package netx

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/bassosimone/libndt/errx"
)

// RFC 1928 wire constants.
const (
	socks5Version    = 0x05
	socks5AuthNone   = 0x00
	socks5CmdConnect = 0x01
	socks5AtypIPv4   = 0x01
	socks5AtypDomain = 0x03
	socks5AtypIPv6   = 0x04
)

// SOCKS5Error is a failure reported by the SOCKS5h proxy in the reply
// to our connect request.
type SOCKS5Error struct {
	// Reply is the status byte sent by the proxy.
	Reply byte
}

func (e *SOCKS5Error) Error() string {
	switch e.Reply {
	case 0x01:
		return "socks5h: general server failure"
	case 0x02:
		return "socks5h: connection not allowed by ruleset"
	case 0x03:
		return "socks5h: network unreachable"
	case 0x04:
		return "socks5h: host unreachable"
	case 0x05:
		return "socks5h: connection refused"
	case 0x06:
		return "socks5h: TTL expired"
	case 0x07:
		return "socks5h: command not supported"
	case 0x08:
		return "socks5h: address type not supported"
	default:
		return "socks5h: unknown error " + strconv.Itoa(int(e.Reply))
	}
}

// maybeSOCKS5hDial dials hostname:port directly or through the local
// SOCKS5h proxy, depending on whether SOCKS5hPort is configured. With a
// proxy, hostname resolution happens proxy-side: we always send the
// DOMAINNAME address type.
func (d *Dialer) maybeSOCKS5hDial(ctx context.Context, hostname, port string) (net.Conn, error) {
	if d.SOCKS5hPort == "" {
		return d.dialTCP(ctx, hostname, port)
	}
	if len(hostname) > 255 {
		return nil, errx.New(errx.InvalidArgument, "socks5h_dial", "hostname longer than 255 bytes")
	}
	portNumber, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, errx.Wrap(errx.InvalidArgument, "socks5h_dial", err)
	}
	conn, err := d.dialTCP(ctx, "127.0.0.1", d.SOCKS5hPort)
	if err != nil {
		return nil, err
	}
	if err := d.socks5hHandshake(conn, hostname, uint16(portNumber)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) socks5hHandshake(conn net.Conn, hostname string, port uint16) error {
	if err := conn.SetDeadline(time.Now().Add(d.timeout())); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})
	if _, err := conn.Write([]byte{socks5Version, 1, socks5AuthNone}); err != nil {
		return err
	}
	var method [2]byte
	if _, err := io.ReadFull(conn, method[:]); err != nil {
		return err
	}
	if method[0] != socks5Version || method[1] != socks5AuthNone {
		return errx.New(errx.SOCKS5h, "socks5h_dial", "unexpected method selection")
	}
	request := make([]byte, 0, 7+len(hostname))
	request = append(request, socks5Version, socks5CmdConnect, 0, socks5AtypDomain)
	request = append(request, byte(len(hostname)))
	request = append(request, hostname...)
	request = append(request, byte(port>>8), byte(port))
	if _, err := conn.Write(request); err != nil {
		return err
	}
	var reply [4]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return err
	}
	if reply[0] != socks5Version {
		return errx.New(errx.SOCKS5h, "socks5h_dial", "unexpected reply version")
	}
	if reply[1] != 0 {
		return errx.Wrap(errx.SOCKS5h, "socks5h_dial", &SOCKS5Error{Reply: reply[1]})
	}
	// Consume the bound address and port; we do not use them.
	var boundAddrLen int
	switch reply[3] {
	case socks5AtypIPv4:
		boundAddrLen = 4
	case socks5AtypDomain:
		var length [1]byte
		if _, err := io.ReadFull(conn, length[:]); err != nil {
			return err
		}
		boundAddrLen = int(length[0])
	case socks5AtypIPv6:
		boundAddrLen = 16
	default:
		return errx.New(errx.SOCKS5h, "socks5h_dial", "unexpected address type in reply")
	}
	rest := make([]byte, boundAddrLen+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return err
	}
	return nil
}
