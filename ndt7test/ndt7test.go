// Package ndt7test provides a minimal in-process ndt7 server, backed
// by an independent WebSocket implementation, against which the client
// code can be exercised in tests.
package ndt7test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bassosimone/libndt/ndt7/spec"
)

// Server is an in-process ndt7 server.
type Server struct {
	*httptest.Server

	// DownloadDuration is for how long the download handler keeps
	// sending bulk messages.
	DownloadDuration time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  spec.MinMaxMessageSize,
	WriteBufferSize: spec.MinMaxMessageSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer creates and starts an in-process ndt7 server that serves
// the download and upload URL paths over cleartext HTTP.
func NewServer() *Server {
	server := &Server{DownloadDuration: time.Second}
	mux := http.NewServeMux()
	mux.HandleFunc(spec.DownloadURLPath, server.download)
	mux.HandleFunc(spec.UploadURLPath, server.upload)
	server.Server = httptest.NewServer(mux)
	return server
}

func upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	return upgrader.Upgrade(w, r, headers)
}

type appInfo struct {
	NumBytes    int64
	ElapsedTime int64
}

type measurement struct {
	AppInfo appInfo
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrade(w, r)
	if err != nil {
		return
	}
	defer conn.Close()
	payload := make([]byte, spec.BulkMessageSize)
	prepared, err := websocket.NewPreparedMessage(websocket.BinaryMessage, payload)
	if err != nil {
		return
	}
	begin := time.Now()
	lastMeasurement := begin
	var total int64
	for time.Since(begin) < s.DownloadDuration {
		if err := conn.WritePreparedMessage(prepared); err != nil {
			return
		}
		total += int64(len(payload))
		now := time.Now()
		if now.Sub(lastMeasurement) >= spec.MinMeasurementInterval {
			data, err := json.Marshal(measurement{AppInfo: appInfo{
				NumBytes:    total,
				ElapsedTime: int64(now.Sub(begin) / time.Microsecond),
			}})
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			lastMeasurement = now
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrade(w, r)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(spec.MinMaxMessageSize)
	for {
		conn.SetReadDeadline(time.Now().Add(15 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
