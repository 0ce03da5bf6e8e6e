package ndt5

import (
	"testing"
	"time"
)

func Test_parseTestPrepare(t *testing.T) {
	tests := []struct {
		body    string
		port    string
		nflows  int
		wantErr bool
	}{
		{"5001 0 0 0 0 4", "5001", 4, false},
		{"5001", "5001", 1, false},
		{"5001 0 0 0 0 1", "5001", 1, false},
		{"5001 0 0 0 0 16", "5001", 16, false},
		{"0", "", 0, true},
		{"65536", "", 0, true},
		{"not-a-port", "", 0, true},
		{"", "", 0, true},
		{"5001 0 0 0 0 0", "", 0, true},
		{"5001 0 0 0 0 17", "", 0, true},
		{"5001 0 0 0 0 nan", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			port, nflows, err := parseTestPrepare(tt.body)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTestPrepare(%q) error = %v, wantErr %v", tt.body, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if port != tt.port || nflows != tt.nflows {
				t.Errorf("got (%q, %d), want (%q, %d)", port, nflows, tt.port, tt.nflows)
			}
		})
	}
}

func Test_computeSpeed(t *testing.T) {
	if speed := computeSpeed(125000, time.Second); speed != 1000 {
		t.Errorf("unexpected speed: %f", speed)
	}
	if speed := computeSpeed(1000, 0); speed != 0 {
		t.Errorf("unexpected speed: %f", speed)
	}
}

func Test_randomPrintableFill(t *testing.T) {
	buf := make([]byte, 4096)
	randomPrintableFill(buf)
	for i, b := range buf {
		if b < ' ' || b > '~' {
			t.Fatalf("non printable byte 0x%x at index %d", b, i)
		}
	}
}

func Test_emitResults(t *testing.T) {
	recorder := &resultRecorder{}
	client := New(Config{Observer: recorder})
	if err := client.emitResults("summary", "a: 1\nb:2\n"); err != nil {
		t.Fatalf("emitResults failed: %v", err)
	}
	if len(recorder.names) != 2 || recorder.names[0] != "a" || recorder.names[1] != "b" {
		t.Fatalf("unexpected names: %v", recorder.names)
	}
	if recorder.values[1] != "2" {
		t.Fatalf("unexpected values: %v", recorder.values)
	}
	if err := client.emitResults("summary", "malformed line\n"); err == nil {
		t.Fatal("expected an error here")
	}
}

type resultRecorder struct {
	names  []string
	values []string
}

func (r *resultRecorder) OnWarning(msg string) {}
func (r *resultRecorder) OnInfo(msg string)    {}
func (r *resultRecorder) OnDebug(msg string)   {}
func (r *resultRecorder) OnPerformance(subtest string, nflows int, totalBytes int64, elapsed, maxRuntime time.Duration) {
}
func (r *resultRecorder) OnResult(scope, name, value string) {
	r.names = append(r.names, name)
	r.values = append(r.values, value)
}
func (r *resultRecorder) OnServerBusy(msg string) {}
