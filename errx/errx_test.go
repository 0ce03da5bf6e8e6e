package errx

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestKindStrings(t *testing.T) {
	for kind := None; kind <= WSProto; kind++ {
		if kind.String() == "" {
			t.Errorf("Kind(%d) should not stringify to an empty string", int(kind))
		}
	}
	for _, subtest := range []struct {
		kind Kind
		str  string
	}{
		{None, "none"},
		{BrokenPipe, "broken_pipe"},
		{OperationWouldBlock, "operation_would_block"},
		{TimedOut, "timed_out"},
		{AINoName, "ai_noname"},
		{SSLGeneric, "ssl_generic"},
		{EOF, "eof"},
		{SOCKS5h, "socks5h"},
		{WSProto, "ws_proto"},
	} {
		if subtest.kind.String() != subtest.str {
			t.Errorf("%q != %q", subtest.kind.String(), subtest.str)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, None},
		{"tagged", New(WSProto, "ws_handshake", "missing headers"), WSProto},
		{"wrapped tagged", fmt.Errorf("outer: %w", New(SOCKS5h, "socks5h_dial", "denied")), SOCKS5h},
		{"epipe", syscall.EPIPE, BrokenPipe},
		{"econnreset in op error", &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.ECONNRESET)}, ConnectionReset},
		{"econnrefused", syscall.ECONNREFUSED, ConnectionRefused},
		{"eagain", syscall.EAGAIN, OperationWouldBlock},
		{"etimedout", syscall.ETIMEDOUT, TimedOut},
		{"deadline", os.ErrDeadlineExceeded, TimedOut},
		{"deadline in op error", &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}, TimedOut},
		{"eof", io.EOF, EOF},
		{"unexpected eof", io.ErrUnexpectedEOF, EOF},
		{"dns not found", &net.DNSError{IsNotFound: true}, AINoName},
		{"dns temporary", &net.DNSError{IsTemporary: true}, AIAgain},
		{"dns generic", &net.DNSError{}, AIGeneric},
		{"unknown", errors.New("mystery"), IOError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := Wrap(SSLGeneric, "tls_dial", errors.New("handshake failed"))
	want := "tls_dial: ssl_generic: handshake failed"
	if err.Error() != want {
		t.Errorf("%q != %q", err.Error(), want)
	}
	var tagged *Error
	if !errors.As(err, &tagged) {
		t.Fatal("expected to unwrap an *Error")
	}
	if tagged.ErrKind != SSLGeneric {
		t.Errorf("unexpected kind: %s", tagged.ErrKind)
	}
}
