package ndt7_test

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bassosimone/libndt/ndt7"
	"github.com/bassosimone/libndt/ndt7/model"
	"github.com/bassosimone/libndt/ndt7test"
	"github.com/bassosimone/libndt/netx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type eventRecorder struct {
	mu          sync.Mutex
	warnings    []string
	results     map[string][]string
	performance int
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{results: map[string][]string{}}
}

func (r *eventRecorder) OnWarning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

func (r *eventRecorder) OnInfo(msg string)  {}
func (r *eventRecorder) OnDebug(msg string) {}

func (r *eventRecorder) OnPerformance(subtest string, nflows int, totalBytes int64, elapsed, maxRuntime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.performance++
}

func (r *eventRecorder) OnResult(scope, name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[scope] = append(r.results[scope], value)
}

func (r *eventRecorder) resultValues(scope string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results[scope]...)
}

func newConfig(server *ndt7test.Server, recorder *eventRecorder) ndt7.Config {
	host, port, _ := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	return ndt7.Config{
		Hostname:       host,
		Port:           port,
		Dialer:         &netx.Dialer{Timeout: 5 * time.Second},
		IOTimeout:      5 * time.Second,
		MaxRuntime:     5 * time.Second,
		UploadDuration: 500 * time.Millisecond,
		Observer:       recorder,
	}
}

func TestDownload(t *testing.T) {
	server := ndt7test.NewServer()
	defer server.Close()
	recorder := newEventRecorder()
	client := ndt7.New(newConfig(server, recorder))
	if err := client.Download(context.Background()); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	values := recorder.resultValues("ndt7")
	if len(values) == 0 {
		t.Fatal("no ndt7 measurements reported")
	}
	for _, value := range values {
		if !json.Valid([]byte(value)) {
			t.Fatalf("invalid measurement JSON: %q", value)
		}
	}
}

func TestUpload(t *testing.T) {
	server := ndt7test.NewServer()
	defer server.Close()
	recorder := newEventRecorder()
	client := ndt7.New(newConfig(server, recorder))
	if err := client.Upload(context.Background()); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	values := recorder.resultValues("ndt7")
	if len(values) == 0 {
		t.Fatal("no ndt7 measurements reported")
	}
	var measurement model.Measurement
	if err := json.Unmarshal([]byte(values[len(values)-1]), &measurement); err != nil {
		t.Fatalf("cannot parse measurement: %v", err)
	}
	if measurement.AppInfo == nil {
		t.Fatal("measurement without AppInfo")
	}
	if measurement.AppInfo.NumBytes <= 0 {
		t.Fatal("measurement reports no transferred bytes")
	}
	if measurement.AppInfo.ElapsedTime <= 0 {
		t.Fatal("measurement reports no elapsed time")
	}
}

func TestDownloadConnectFailure(t *testing.T) {
	recorder := newEventRecorder()
	client := ndt7.New(ndt7.Config{
		Hostname:  "127.0.0.1",
		Port:      "1",
		Dialer:    &netx.Dialer{Timeout: time.Second},
		IOTimeout: time.Second,
		Observer:  recorder,
	})
	if err := client.Download(context.Background()); err == nil {
		t.Fatal("expected an error here")
	}
}
