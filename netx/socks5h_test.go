package netx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bassosimone/libndt/errx"
)

// pipeDialer returns a Dialer whose lowest layer is one end of an in
// memory pipe, plus the other end for the test to drive the proxy.
func pipeDialer(socks5hPort string) (*Dialer, net.Conn) {
	clientEnd, proxyEnd := net.Pipe()
	dialer := &Dialer{
		SOCKS5hPort: socks5hPort,
		Timeout:     time.Second,
		BaseDial: func(ctx context.Context, network, address string) (net.Conn, error) {
			if address != "127.0.0.1:9050" {
				return nil, errors.New("unexpected proxy address: " + address)
			}
			return clientEnd, nil
		},
	}
	return dialer, proxyEnd
}

func mustReadExact(t *testing.T, conn net.Conn, want []byte) {
	t.Helper()
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read %v, want %v", got, want)
	}
}

func Test_socks5hDialSuccess(t *testing.T) {
	dialer, proxyEnd := pipeDialer("9050")
	go func() {
		mustReadExact(t, proxyEnd, []byte{0x05, 0x01, 0x00})
		proxyEnd.Write([]byte{0x05, 0x00})
		request := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
		request = append(request, "example.com"...)
		request = append(request, 0x0b, 0xb9) // port 3001
		mustReadExact(t, proxyEnd, request)
		proxyEnd.Write([]byte{0x05, 0x00, 0x00, 0x01, 1, 2, 3, 4, 0x1f, 0x40})
	}()
	conn, err := dialer.DialContext(context.Background(), "example.com", "3001")
	if err != nil {
		t.Fatalf("DialContext failed: %v", err)
	}
	conn.Close()
}

func Test_socks5hDialDomainReply(t *testing.T) {
	dialer, proxyEnd := pipeDialer("9050")
	go func() {
		mustReadExact(t, proxyEnd, []byte{0x05, 0x01, 0x00})
		proxyEnd.Write([]byte{0x05, 0x00})
		header := make([]byte, 5)
		io.ReadFull(proxyEnd, header)
		rest := make([]byte, int(header[4])+2)
		io.ReadFull(proxyEnd, rest)
		reply := []byte{0x05, 0x00, 0x00, 0x03, 4}
		reply = append(reply, "host"...)
		reply = append(reply, 0x1f, 0x40)
		proxyEnd.Write(reply)
	}()
	conn, err := dialer.DialContext(context.Background(), "example.com", "3001")
	if err != nil {
		t.Fatalf("DialContext failed: %v", err)
	}
	conn.Close()
}

func Test_socks5hDialProxyDenies(t *testing.T) {
	dialer, proxyEnd := pipeDialer("9050")
	go func() {
		mustReadExact(t, proxyEnd, []byte{0x05, 0x01, 0x00})
		proxyEnd.Write([]byte{0x05, 0x00})
		header := make([]byte, 5)
		io.ReadFull(proxyEnd, header)
		rest := make([]byte, int(header[4])+2)
		io.ReadFull(proxyEnd, rest)
		proxyEnd.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()
	_, err := dialer.DialContext(context.Background(), "example.com", "3001")
	if err == nil {
		t.Fatal("expected an error here")
	}
	if errx.Classify(err) != errx.SOCKS5h {
		t.Fatalf("unexpected error kind: %s", errx.Classify(err))
	}
	var socksErr *SOCKS5Error
	if !errors.As(err, &socksErr) || socksErr.Reply != 0x05 {
		t.Fatalf("expected SOCKS5Error with reply 0x05, got %v", err)
	}
}

func Test_socks5hDialBadMethodSelection(t *testing.T) {
	dialer, proxyEnd := pipeDialer("9050")
	go func() {
		mustReadExact(t, proxyEnd, []byte{0x05, 0x01, 0x00})
		proxyEnd.Write([]byte{0x05, 0xff})
	}()
	_, err := dialer.DialContext(context.Background(), "example.com", "3001")
	if errx.Classify(err) != errx.SOCKS5h {
		t.Fatalf("unexpected error kind: %v", err)
	}
}

func Test_socks5hDialHostnameLength(t *testing.T) {
	tooLong := strings.Repeat("x", 256)
	dialer := &Dialer{
		SOCKS5hPort: "9050",
		Timeout:     time.Second,
		BaseDial: func(ctx context.Context, network, address string) (net.Conn, error) {
			t.Error("the base dial should not run with an oversized hostname")
			return nil, errors.New("unreachable")
		},
	}
	_, err := dialer.DialContext(context.Background(), tooLong, "3001")
	if errx.Classify(err) != errx.InvalidArgument {
		t.Fatalf("unexpected error kind: %v", err)
	}

	// A 255 byte hostname is the longest that fits the length octet.
	longest := strings.Repeat("x", 255)
	dialer2, proxyEnd := pipeDialer("9050")
	go func() {
		mustReadExact(t, proxyEnd, []byte{0x05, 0x01, 0x00})
		proxyEnd.Write([]byte{0x05, 0x00})
		header := make([]byte, 5)
		io.ReadFull(proxyEnd, header)
		if header[4] != 255 {
			t.Errorf("unexpected hostname length: %d", header[4])
		}
		rest := make([]byte, 255+2)
		io.ReadFull(proxyEnd, rest)
		proxyEnd.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()
	conn, err := dialer2.DialContext(context.Background(), longest, "3001")
	if err != nil {
		t.Fatalf("DialContext failed: %v", err)
	}
	conn.Close()
}
