package protocol

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
)

func Test_verifyStringConversions(t *testing.T) {
	for m := MessageType(0); m < 255; m++ {
		if m.String() == "" {
			t.Errorf("MessageType(0x%x) should not result in an empty string", m)
		}
	}
	for _, subtest := range []struct {
		mt  MessageType
		str string
	}{
		{MsgCommFailure, "MsgCommFailure"},
		{SrvQueue, "SrvQueue"},
		{MsgLogin, "MsgLogin"},
		{TestPrepare, "TestPrepare"},
		{TestStart, "TestStart"},
		{TestMsg, "TestMsg"},
		{TestFinalize, "TestFinalize"},
		{MsgError, "MsgError"},
		{MsgResults, "MsgResults"},
		{MsgLogout, "MsgLogout"},
		{MsgWaiting, "MsgWaiting"},
		{MsgExtendedLogin, "MsgExtendedLogin"},
	} {
		if subtest.mt.String() != subtest.str {
			t.Errorf("%q != %q", subtest.mt.String(), subtest.str)
		}
	}
}

// connPair returns two message connections joined by a TCP socket
// pair, so that what one writes the other reads.
func connPair(t *testing.T) (client, server Connection) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	rtx.Must(err, "Could not listen")
	defer listener.Close()
	done := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		rtx.Must(err, "Could not accept")
		done <- conn
	}()
	clientConn, err := net.Dial("tcp", listener.Addr().String())
	rtx.Must(err, "Could not dial")
	serverConn := <-done
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	return NewTLVConn(clientConn, time.Second), NewTLVConn(serverConn, time.Second)
}

func Test_tlvMessageRoundTrip(t *testing.T) {
	client, server := connPair(t)
	for _, body := range []string{"", "0", "some longer message body"} {
		go func(body string) {
			rtx.Must(client.WriteMessage(TestMsg, []byte(body)), "Could not write")
		}(body)
		kind, received, err := server.ReadMessage()
		rtx.Must(err, "Could not read")
		if kind != TestMsg || string(received) != body {
			t.Errorf("got (%s, %q), want (%s, %q)", kind, received, TestMsg, body)
		}
	}
}

func Test_kickoff(t *testing.T) {
	client, server := connPair(t)
	serverTLV := server.(*tlvConn)
	go func() {
		serverTLV.conn.Write([]byte(Kickoff))
	}()
	if err := client.ReadKickoff(); err != nil {
		t.Fatalf("ReadKickoff failed: %v", err)
	}
}

func Test_kickoffMismatch(t *testing.T) {
	client, server := connPair(t)
	serverTLV := server.(*tlvConn)
	go func() {
		serverTLV.conn.Write([]byte("123456 654320"))
	}()
	if err := client.ReadKickoff(); err == nil {
		t.Fatal("expected an error here")
	}
}

func Test_jsonMessagerRoundTrip(t *testing.T) {
	clientConn, serverConn := connPair(t)
	client := NewMessager(clientConn, JSON)
	server := NewMessager(serverConn, JSON)
	go func() {
		rtx.Must(client.SendMessage(TestMsg, []byte("125")), "Could not send")
	}()
	kind, raw, err := server.ReadLegacyMessage()
	rtx.Must(err, "Could not read")
	if kind != TestMsg {
		t.Fatalf("unexpected kind: %s", kind)
	}
	var decoded JSONMessage
	rtx.Must(json.Unmarshal(raw, &decoded), "Could not unmarshal")
	if decoded.Msg != "125" {
		t.Fatalf("unexpected msg: %q", decoded.Msg)
	}
	go func() {
		rtx.Must(server.SendMessage(TestMsg, []byte("125")), "Could not send")
	}()
	kind, body, err := client.ReadMessage()
	rtx.Must(err, "Could not read")
	if kind != TestMsg || string(body) != "125" {
		t.Fatalf("got (%s, %q)", kind, body)
	}
}

func Test_sendLogin(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		clientConn, serverConn := connPair(t)
		client := NewMessager(clientConn, JSON)
		go func() {
			rtx.Must(client.SendLogin("v3.7.0", NettestDownload|NettestStatus), "Could not login")
		}()
		kind, raw, err := serverConn.ReadMessage()
		rtx.Must(err, "Could not read")
		if kind != MsgExtendedLogin {
			t.Fatalf("unexpected kind: %s", kind)
		}
		var decoded JSONMessage
		rtx.Must(json.Unmarshal(raw, &decoded), "Could not unmarshal")
		if decoded.Msg != "v3.7.0" || decoded.Tests != "20" {
			t.Fatalf("unexpected login: %+v", decoded)
		}
	})
	t.Run("tlv", func(t *testing.T) {
		clientConn, serverConn := connPair(t)
		client := NewMessager(clientConn, TLV)
		go func() {
			rtx.Must(client.SendLogin("v3.7.0", NettestDownload|NettestStatus), "Could not login")
		}()
		kind, raw, err := serverConn.ReadMessage()
		rtx.Must(err, "Could not read")
		if kind != MsgLogin {
			t.Fatalf("unexpected kind: %s", kind)
		}
		if len(raw) != 1 || NettestFlags(raw[0]) != NettestDownload|NettestStatus {
			t.Fatalf("unexpected login body: %v", raw)
		}
	})
}

func Test_expectEmpty(t *testing.T) {
	clientConn, serverConn := connPair(t)
	client := NewMessager(clientConn, TLV)
	server := NewMessager(serverConn, TLV)
	go func() {
		rtx.Must(server.SendMessage(TestStart, nil), "Could not send")
		rtx.Must(server.SendMessage(TestStart, []byte("x")), "Could not send")
	}()
	if err := client.ExpectEmpty(TestStart); err != nil {
		t.Fatalf("ExpectEmpty failed: %v", err)
	}
	if err := client.ExpectEmpty(TestStart); err == nil {
		t.Fatal("expected an error here")
	}
}

func Test_expectWrongType(t *testing.T) {
	clientConn, serverConn := connPair(t)
	client := NewMessager(clientConn, TLV)
	server := NewMessager(serverConn, TLV)
	go func() {
		rtx.Must(server.SendMessage(TestMsg, []byte("whatever")), "Could not send")
	}()
	if _, err := client.Expect(TestFinalize); err == nil {
		t.Fatal("expected an error here")
	}
}
