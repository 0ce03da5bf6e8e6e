// Package ndt5test provides a minimal in-process ndt5 server speaking
// the in-clear protocol, against which the client code can be
// exercised in tests. The server grants the sub-tests the client
// requests, serves a short burst of payload for each of them, and then
// sends canned summary results.
package ndt5test

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bassosimone/libndt/ndt5/protocol"
)

// Server is an in-process ndt5 server.
type Server struct {
	// JSON selects the JSON message encoding.
	JSON bool

	// Busy makes the server refuse clients with a srv-queue message.
	Busy bool

	// TransferDuration is for how long each sub-test moves payload.
	TransferDuration time.Duration

	listener net.Listener
}

// NewServer creates and starts an ndt5 server on a loopback port.
func NewServer(useJSON bool) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		JSON:             useJSON,
		TransferDuration: 250 * time.Millisecond,
		listener:         listener,
	}
	go server.acceptLoop()
	return server, nil
}

// Endpoint returns the host and port the server listens on.
func (s *Server) Endpoint() (host, port string) {
	host, port, _ = net.SplitHostPort(s.listener.Addr().String())
	return
}

// Close stops the server.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) messager(conn net.Conn) *protocol.Messager {
	encoding := protocol.TLV
	if s.JSON {
		encoding = protocol.JSON
	}
	return protocol.NewMessager(
		protocol.NewTLVConn(conn, 10*time.Second), encoding)
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Minute))
	if _, err := conn.Write([]byte(protocol.Kickoff)); err != nil {
		return
	}
	messager := s.messager(conn)
	flags, err := s.readLogin(messager)
	if err != nil {
		return
	}
	if s.Busy {
		messager.SendMessage(protocol.SrvQueue, []byte("9990"))
		return
	}
	if err := messager.SendMessage(protocol.SrvQueue, []byte("0")); err != nil {
		return
	}
	if err := messager.SendMessage(protocol.MsgLogin, []byte("v3.7.0 (ndt5test)")); err != nil {
		return
	}
	var granted []string
	for _, flag := range []protocol.NettestFlags{
		protocol.NettestUpload, protocol.NettestDownload, protocol.NettestMeta,
	} {
		if flags&flag != 0 {
			granted = append(granted, strconv.Itoa(int(flag)))
		}
	}
	if err := messager.SendMessage(protocol.MsgLogin, []byte(strings.Join(granted, " "))); err != nil {
		return
	}
	for _, id := range granted {
		var err error
		switch id {
		case strconv.Itoa(int(protocol.NettestUpload)):
			err = s.serveUpload(messager)
		case strconv.Itoa(int(protocol.NettestDownload)):
			err = s.serveDownload(messager)
		case strconv.Itoa(int(protocol.NettestMeta)):
			err = s.serveMeta(messager)
		}
		if err != nil {
			return
		}
	}
	if err := messager.SendMessage(protocol.MsgResults, []byte("avgrtt: 100\nMinRTT: 53\n")); err != nil {
		return
	}
	messager.SendMessage(protocol.MsgLogout, nil)
}

func (s *Server) readLogin(messager *protocol.Messager) (protocol.NettestFlags, error) {
	kind, body, err := messager.ReadLegacyMessage()
	if err != nil {
		return 0, err
	}
	switch kind {
	case protocol.MsgExtendedLogin:
		var message protocol.JSONMessage
		if err := json.Unmarshal(body, &message); err != nil {
			return 0, err
		}
		flags, err := strconv.Atoi(message.Tests)
		if err != nil {
			return 0, err
		}
		return protocol.NettestFlags(flags), nil
	case protocol.MsgLogin:
		if len(body) != 1 {
			return 0, fmt.Errorf("unexpected login body length: %d", len(body))
		}
		return protocol.NettestFlags(body[0]), nil
	default:
		return 0, fmt.Errorf("unexpected login message: %s", kind)
	}
}

// listenData opens the ephemeral data listener announced in the
// test-prepare message.
func listenData() (net.Listener, string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	_, port, _ := net.SplitHostPort(listener.Addr().String())
	return listener, port, nil
}

func (s *Server) serveDownload(messager *protocol.Messager) error {
	listener, port, err := listenData()
	if err != nil {
		return err
	}
	defer listener.Close()
	if err := messager.SendMessage(protocol.TestPrepare, []byte(port)); err != nil {
		return err
	}
	conn, err := listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := messager.SendMessage(protocol.TestStart, nil); err != nil {
		return err
	}
	payload := make([]byte, 8192)
	begin := time.Now()
	var total int64
	for time.Since(begin) < s.TransferDuration {
		n, err := conn.Write(payload)
		total += int64(n)
		if err != nil {
			break
		}
	}
	conn.Close()
	elapsed := time.Since(begin).Seconds()
	speed := float64(total) * 8 / 1000 / elapsed
	// The server-measured speed is sent with legacy framing even when
	// the JSON encoding is active.
	serverSpeed := fmt.Sprintf("%f", speed)
	if err := messager.SendLegacyMessage(protocol.TestMsg, []byte(serverSpeed)); err != nil {
		return err
	}
	if _, err := messager.Expect(protocol.TestMsg); err != nil {
		return err
	}
	if err := messager.SendMessage(protocol.TestMsg, []byte("CurRTO: 100\nMaxRwinRcvd: 65535\n")); err != nil {
		return err
	}
	return messager.SendMessage(protocol.TestFinalize, nil)
}

func (s *Server) serveUpload(messager *protocol.Messager) error {
	listener, port, err := listenData()
	if err != nil {
		return err
	}
	defer listener.Close()
	if err := messager.SendMessage(protocol.TestPrepare, []byte(port)); err != nil {
		return err
	}
	conn, err := listener.Accept()
	if err != nil {
		return err
	}
	if err := messager.SendMessage(protocol.TestStart, nil); err != nil {
		conn.Close()
		return err
	}
	buf := make([]byte, 1<<16)
	begin := time.Now()
	var total int64
	for time.Since(begin) < s.TransferDuration {
		conn.SetReadDeadline(time.Now().Add(s.TransferDuration))
		n, err := conn.Read(buf)
		total += int64(n)
		if err != nil {
			break
		}
	}
	// Closing the data connection is how we tell the client that the
	// sub-test is over.
	conn.Close()
	elapsed := time.Since(begin).Seconds()
	speed := float64(total) * 8 / 1000 / elapsed
	if err := messager.SendMessage(protocol.TestMsg, []byte(fmt.Sprintf("%f", speed))); err != nil {
		return err
	}
	return messager.SendMessage(protocol.TestFinalize, nil)
}

func (s *Server) serveMeta(messager *protocol.Messager) error {
	if err := messager.SendMessage(protocol.TestPrepare, nil); err != nil {
		return err
	}
	if err := messager.SendMessage(protocol.TestStart, nil); err != nil {
		return err
	}
	for {
		body, err := messager.Expect(protocol.TestMsg)
		if err != nil {
			return err
		}
		if len(body) == 0 {
			break
		}
	}
	return messager.SendMessage(protocol.TestFinalize, nil)
}
