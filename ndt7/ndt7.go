// Package ndt7 implements the client side of the ndt7 protocol: a
// single WebSocket connection per subtest over which bulk binary
// messages generate load and textual messages carry measurements. See
// the protocol specification at
// https://github.com/m-lab/ndt-server/blob/master/spec/ndt7-protocol.md.
package ndt7

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/bassosimone/libndt/errx"
	"github.com/bassosimone/libndt/metrics"
	"github.com/bassosimone/libndt/ndt7/model"
	"github.com/bassosimone/libndt/ndt7/spec"
	"github.com/bassosimone/libndt/netx"
	"github.com/bassosimone/libndt/tcpinfox"
	"github.com/bassosimone/libndt/ws"
)

// Observer receives the events emitted while the test runs.
type Observer interface {
	OnWarning(msg string)
	OnInfo(msg string)
	OnDebug(msg string)
	OnPerformance(subtest string, nflows int, totalBytes int64, elapsed, maxRuntime time.Duration)
	OnResult(scope, name, value string)
}

// Config contains the ndt7 client configuration.
type Config struct {
	// Hostname is the server to test against.
	Hostname string

	// Port overrides the default port.
	Port string

	// Dialer establishes the transport stack. The ndt7 protocol is
	// specified over TLS, but tests may configure a cleartext dialer.
	Dialer *netx.Dialer

	// IOTimeout bounds every I/O operation.
	IOTimeout time.Duration

	// MaxRuntime bounds the runtime of the download subtest.
	MaxRuntime time.Duration

	// UploadDuration overrides how long the upload subtest runs. Zero
	// means the duration prescribed by the ndt7 specification.
	UploadDuration time.Duration

	// Observer receives events. It must not be nil.
	Observer Observer
}

func (c *Config) ioTimeout() time.Duration {
	if c.IOTimeout <= 0 {
		return netx.DefaultTimeout
	}
	return c.IOTimeout
}

func (c *Config) maxRuntime() time.Duration {
	if c.MaxRuntime <= 0 {
		return 14 * time.Second
	}
	return c.MaxRuntime
}

func (c *Config) uploadDuration() time.Duration {
	if c.UploadDuration <= 0 {
		return spec.DefaultUploadDuration
	}
	return c.UploadDuration
}

// Client runs ndt7 subtests.
type Client struct {
	config Config
}

// New creates a Client with the given configuration.
func New(config Config) *Client {
	return &Client{config: config}
}

func (c *Client) dial(ctx context.Context, urlPath string) (*ws.Conn, error) {
	port := c.config.Port
	if port == "" {
		port = spec.DefaultPort
	}
	conn, err := c.config.Dialer.DialContext(ctx, c.config.Hostname, port)
	if err != nil {
		return nil, err
	}
	return ws.Dial(conn, ws.Config{
		Hostname: c.config.Hostname,
		Port:     port,
		TLS:      c.config.Dialer.TLS,
		Path:     urlPath,
		Protocol: spec.SecWebSocketProtocol,
		Timeout:  c.config.ioTimeout(),
	})
}

// Download runs the ndt7 download subtest: we continuously read binary
// messages counting bytes, report every textual measurement message to
// the observer, and emit a performance sample every 250 ms.
func (c *Client) Download(ctx context.Context) (err error) {
	var totalBytes int64
	begin := time.Now()
	defer func() {
		metricsDone("download", totalBytes, time.Since(begin), err)
	}()
	observer := c.config.Observer
	conn, err := c.dial(ctx, spec.DownloadURLPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	observer.OnInfo("starting download")
	buf := make([]byte, spec.MinMaxMessageSize)
	lastSample := begin
	for {
		opcode, n, readErr := conn.ReadMessage(buf)
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				observer.OnWarning("download terminated abnormally: " + readErr.Error())
				err = readErr
				return err
			}
			break
		}
		totalBytes += int64(n)
		if opcode == ws.OpcodeText {
			measurement := buf[:n]
			if !json.Valid(measurement) {
				err = errors.New("received invalid measurement JSON")
				return err
			}
			observer.OnResult("ndt7", "download", string(measurement))
		}
		now := time.Now()
		if now.Sub(lastSample) >= spec.MinMeasurementInterval {
			observer.OnPerformance("download", 1, totalBytes,
				now.Sub(begin), c.config.maxRuntime())
			lastSample = now
		}
		if now.Sub(begin) > c.config.maxRuntime() {
			observer.OnDebug("download has run for long enough")
			break
		}
	}
	observer.OnInfo("download complete")
	return nil
}

// Upload runs the ndt7 upload subtest: for ten seconds we send the
// same pre-masked bulk binary frame, and every 250 ms we additionally
// send a textual measurement message containing application level and,
// where available, TCP_INFO statistics.
func (c *Client) Upload(ctx context.Context) (err error) {
	var totalBytes int64
	begin := time.Now()
	defer func() {
		metricsDone("upload", totalBytes, time.Since(begin), err)
	}()
	observer := c.config.Observer
	conn, err := c.dial(ctx, spec.UploadURLPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	observer.OnInfo("starting upload")
	payload := make([]byte, spec.BulkMessageSize)
	randomPrintableFill(payload)
	prepared := conn.PrepareFrame(ws.OpcodeBinary, payload)
	tcpFile := maybeTCPFile(conn)
	if tcpFile != nil {
		defer tcpFile.Close()
	}
	lastSample := begin
	for time.Since(begin) < c.config.uploadDuration() {
		now := time.Now()
		if now.Sub(lastSample) >= spec.MinMeasurementInterval {
			if sendErr := c.sendMeasurement(conn, tcpFile, totalBytes, now.Sub(begin)); sendErr != nil {
				observer.OnWarning("cannot send measurement message: " + sendErr.Error())
				break
			}
			observer.OnPerformance("upload", 1, totalBytes,
				now.Sub(begin), c.config.uploadDuration())
			lastSample = now
		}
		if writeErr := conn.WritePrepared(prepared); writeErr != nil {
			switch errx.Classify(writeErr) {
			case errx.BrokenPipe, errx.ConnectionReset:
				observer.OnDebug("upload terminated by the server: " + writeErr.Error())
			default:
				observer.OnWarning("upload write failed: " + writeErr.Error())
			}
			break
		}
		totalBytes += int64(len(payload))
	}
	observer.OnInfo("upload complete")
	return nil
}

// sendMeasurement sends the application level measurement message and
// reports it to the observer.
func (c *Client) sendMeasurement(conn *ws.Conn, tcpFile *os.File, totalBytes int64, elapsed time.Duration) error {
	measurement := model.Measurement{
		AppInfo: &model.AppInfo{
			NumBytes:    totalBytes,
			ElapsedTime: int64(elapsed / time.Microsecond),
		},
	}
	if tcpFile != nil {
		if info, err := tcpinfox.GetTCPInfo(tcpFile); err == nil {
			measurement.TCPInfo = info
		}
	}
	data, err := json.Marshal(measurement)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(ws.OpcodeText, data); err != nil {
		return err
	}
	c.config.Observer.OnResult("ndt7", "upload", string(data))
	return nil
}

// maybeTCPFile returns a dup()ed file for the TCP connection at the
// bottom of the transport stack, or nil when there is none, e.g. when
// the lowest layer has been replaced by a test double. Through a
// SOCKS5h proxy the file is that of the connection to the proxy.
func maybeTCPFile(conn *ws.Conn) *os.File {
	tcpConn := netx.ToTCPConn(conn.NetConn())
	if tcpConn == nil {
		return nil
	}
	file, err := tcpConn.File()
	if err != nil {
		return nil
	}
	return file
}

func metricsDone(direction string, totalBytes int64, elapsed time.Duration, err error) {
	result := "okay"
	if err != nil {
		result = "error"
		metrics.ErrorCount.WithLabelValues("ndt7", errx.Classify(err).String()).Inc()
	}
	metrics.TestCount.WithLabelValues("ndt7", direction, result).Inc()
	if err == nil && elapsed > 0 {
		mbps := float64(totalBytes) * 8 / 1e6 / elapsed.Seconds()
		metrics.TestRate.WithLabelValues(direction).Observe(mbps)
	}
}

const printableASCII = " !\"#$%&'()*+,-./0123456789:;<=>?@" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`" +
	"abcdefghijklmnopqrstuvwxyz{|}~"

// randomPrintableFill fills buf with random printable ASCII.
func randomPrintableFill(buf []byte) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range buf {
		buf[i] = printableASCII[rng.Intn(len(printableASCII))]
	}
}
