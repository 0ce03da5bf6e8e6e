// Package ndt5 implements the client side of the ndt5 protocol: the
// control-channel handshake, the download, upload, and meta sub-tests,
// and the final results exchange. The transport beneath the control
// channel and the measurement flows is established by package netx and
// optionally framed by package ws; this package only deals with NDT
// messages and payload traffic.
package ndt5

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/bassosimone/libndt/metadata"
	"github.com/bassosimone/libndt/metrics"
	"github.com/bassosimone/libndt/ndt5/protocol"
	"github.com/bassosimone/libndt/netx"
	"github.com/bassosimone/libndt/version"
	"github.com/bassosimone/libndt/ws"
)

// Observer receives the events emitted while the test runs. Callbacks
// may be invoked from the goroutines serving measurement flows, hence
// implementations must be callable from any goroutine.
type Observer interface {
	OnWarning(msg string)
	OnInfo(msg string)
	OnDebug(msg string)
	OnPerformance(subtest string, nflows int, totalBytes int64, elapsed, maxRuntime time.Duration)
	OnResult(scope, name, value string)
	OnServerBusy(msg string)
}

const (
	// defaultPlainPort is the control port for in-clear communication.
	defaultPlainPort = "3001"

	// defaultTLSPort is the control port for TLS communication.
	defaultTLSPort = "3010"

	// wsProtocolPath is the upgrade path of the WebSocket control and
	// measurement channels.
	wsProtocolPath = "/ndt_protocol"

	// controlProtocol is the WebSocket subprotocol of the control channel.
	controlProtocol = "ndt"

	// downloadProtocol is the WebSocket subprotocol of download flows.
	downloadProtocol = "s2c"

	// uploadProtocol is the WebSocket subprotocol of the upload flow.
	uploadProtocol = "c2s"

	// measurementBufferSize is the size of the buffer used to receive
	// and send payload traffic during the sub-tests.
	measurementBufferSize = 1 << 17

	// maxResultMessages bounds the results loops so that a misbehaving
	// server cannot keep us around forever.
	maxResultMessages = 256

	// samplingInterval is the cadence of performance samples.
	samplingInterval = 250 * time.Millisecond

	// closeTolerance is how long we wait for the server to close the
	// control connection after logout.
	closeTolerance = 3 * time.Second
)

// SetupError tags failures occurring before the server has admitted us
// into the test queue. The orchestrator reacts to a SetupError by
// moving on to the next candidate server.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return "connection setup failed: " + e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// ErrServerBusy indicates that the server told us to come back later.
var ErrServerBusy = errors.New("server is busy")

// Config contains the ndt5 client configuration.
type Config struct {
	// Hostname is the server to test against.
	Hostname string

	// Port overrides the default control port.
	Port string

	// Dialer establishes the transport stack.
	Dialer *netx.Dialer

	// WebSocket frames every channel with WebSocket messages.
	WebSocket bool

	// JSON selects the JSON message encoding.
	JSON bool

	// NettestFlags selects the sub-tests to request.
	NettestFlags protocol.NettestFlags

	// Metadata is sent to the server during the meta sub-test.
	Metadata metadata.Metadata

	// IOTimeout bounds every I/O operation.
	IOTimeout time.Duration

	// MaxRuntime bounds the runtime of each sub-test.
	MaxRuntime time.Duration

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

// Client runs a single ndt5 session.
type Client struct {
	config   Config
	conn     protocol.Connection
	messager *protocol.Messager
	granted  []int
}

// New creates a Client with the given configuration.
func New(config Config) *Client {
	return &Client{config: config}
}

// Run executes the whole session: connect, login, kickoff, queue,
// version and sub-test negotiation, the granted sub-tests, and the
// results exchange. Failures before queue admission are wrapped in
// SetupError so that the caller can retry with another server.
func (c *Client) Run(ctx context.Context) error {
	observer := c.config.Observer
	if err := c.connect(ctx); err != nil {
		return &SetupError{Err: err}
	}
	defer c.conn.Close()
	observer.OnInfo("connected to remote host")
	if err := c.sendLogin(); err != nil {
		return &SetupError{Err: err}
	}
	observer.OnInfo("sent login message")
	if err := c.conn.ReadKickoff(); err != nil {
		return &SetupError{Err: err}
	}
	observer.OnInfo("received kickoff message")
	if err := c.waitInQueue(); err != nil {
		return &SetupError{Err: err}
	}
	observer.OnInfo("authorized to run test")
	if err := c.recvVersion(); err != nil {
		return err
	}
	observer.OnInfo("received server version")
	if err := c.recvTestsIDs(); err != nil {
		return err
	}
	observer.OnInfo("received tests ids")
	if err := c.runTests(ctx); err != nil {
		return err
	}
	observer.OnInfo("finished running tests; now reading summary data")
	if err := c.recvResultsAndLogout(); err != nil {
		return err
	}
	observer.OnInfo("received logout message")
	if err := c.conn.AwaitClose(closeTolerance); err != nil {
		return err
	}
	observer.OnInfo("connection closed")
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	port := c.config.Port
	if port == "" {
		port = defaultPlainPort
		if c.config.Dialer.TLS {
			port = defaultTLSPort
		}
	}
	conn, err := c.dialConnection(ctx, port, controlProtocol)
	if err != nil {
		return err
	}
	c.conn = conn
	encoding := protocol.TLV
	if c.config.JSON {
		encoding = protocol.JSON
	}
	c.messager = protocol.NewMessager(conn, encoding)
	return nil
}

// dialConnection establishes the transport stack towards the given
// port and wraps it into a message-oriented connection, framing with
// WebSocket when so configured.
func (c *Client) dialConnection(ctx context.Context, port, role string) (protocol.Connection, error) {
	conn, err := c.config.Dialer.DialContext(ctx, c.config.Hostname, port)
	if err != nil {
		return nil, err
	}
	if !c.config.WebSocket {
		return protocol.NewTLVConn(conn, c.config.ioTimeout()), nil
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
	return protocol.NewWSConn(wsConn), nil
}

func (c *Client) sendLogin() error {
	flags := c.config.NettestFlags | protocol.NettestStatus | protocol.NettestMeta
	unsupported := []struct {
		flag protocol.NettestFlags
		name string
	}{
		{protocol.NettestMiddlebox, "middlebox"},
		{protocol.NettestSimpleFirewall, "simple_firewall"},
		{protocol.NettestUploadExt, "upload_ext"},
	}
	for _, entry := range unsupported {
		if flags&entry.flag != 0 {
			c.config.Observer.OnWarning("stripping unsupported sub-test: " + entry.name)
			flags &^= entry.flag
		}
	}
	return c.messager.SendLogin(version.NDTVersionCompat, flags)
}

func (c *Client) waitInQueue() error {
	body, err := c.messager.Expect(protocol.SrvQueue)
	if err != nil {
		return err
	}
	// Modern NDT servers do not make clients wait in queue: any value
	// other than zero means we should try somewhere else right away.
	if string(body) != "0" {
		c.config.Observer.OnServerBusy(string(body))
		return ErrServerBusy
	}
	return nil
}

func (c *Client) recvVersion() error {
	body, err := c.messager.Expect(protocol.MsgLogin)
	if err != nil {
		return err
	}
	c.config.Observer.OnDebug("server version: " + string(body))
	return nil
}

func (c *Client) recvTestsIDs() error {
	body, err := c.messager.Expect(protocol.MsgLogin)
	if err != nil {
		return err
	}
	for _, token := range strings.Fields(string(body)) {
		id, err := strconv.Atoi(token)
		if err != nil || id < 1 || id > 256 {
			return fmt.Errorf("invalid test id: %q", token)
		}
		c.granted = append(c.granted, id)
	}
	return nil
}

func (c *Client) runTests(ctx context.Context) error {
	for _, id := range c.granted {
		switch protocol.NettestFlags(id) {
		case protocol.NettestUpload:
			c.config.Observer.OnInfo("running upload test")
			if err := c.runUpload(ctx); err != nil {
				return err
			}
		case protocol.NettestMeta:
			c.config.Observer.OnDebug("running meta test")
			if err := c.runMeta(); err != nil {
				return err
			}
		case protocol.NettestDownload, protocol.NettestDownloadExt:
			c.config.Observer.OnInfo("running download test")
			if err := c.runDownload(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected test id: %d", id)
		}
	}
	return nil
}

func (c *Client) recvResultsAndLogout() error {
	for i := 0; i < maxResultMessages; i++ {
		kind, body, err := c.messager.ReadMessage()
		if err != nil {
			return err
		}
		if kind == protocol.MsgLogout {
			return nil
		}
		if kind != protocol.MsgResults {
			return fmt.Errorf("expected %s message, got %s", protocol.MsgResults, kind)
		}
		if err := c.emitResults("summary", string(body)); err != nil {
			return err
		}
	}
	return errors.New("too many results messages")
}

// emitResults parses groups of "name: value" lines and reports each
// pair to the observer under the given scope.
func (c *Client) emitResults(scope, message string) error {
	for _, line := range strings.Split(message, "\n") {
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return fmt.Errorf("malformed result line: %q", line)
		}
		c.config.Observer.OnResult(scope, strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return nil
}

// parseTestPrepare parses the space-separated options vector sent in
// the test-prepare message. Both download and upload use the same
// vector; we only honour the port and the number of flows.
func parseTestPrepare(body string) (port string, nflows int, err error) {
	options := strings.Fields(body)
	if len(options) < 1 {
		return "", 0, errors.New("missing port in test prepare message")
	}
	portNumber, err := strconv.Atoi(options[0])
	if err != nil || portNumber < 1 || portNumber > 65535 {
		return "", 0, fmt.Errorf("invalid port: %q", options[0])
	}
	nflows = 1
	if len(options) >= 6 {
		nflows, err = strconv.Atoi(options[5])
		if err != nil || nflows < 1 || nflows > 16 {
			return "", 0, fmt.Errorf("invalid number of flows: %q", options[5])
		}
	}
	return options[0], nflows, nil
}

// computeSpeed returns the speed in kbit/s given the number of
// transferred bytes and the elapsed time.
func computeSpeed(data int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(data) * 8 / 1000 / elapsed.Seconds()
}

const printableASCII = " !\"#$%&'()*+,-./0123456789:;<=>?@" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`" +
	"abcdefghijklmnopqrstuvwxyz{|}~"

// randomPrintableFill fills buf with random printable ASCII. The
// payload must be printable because older servers log fragments of it.
func randomPrintableFill(buf []byte) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range buf {
		buf[i] = printableASCII[rng.Intn(len(printableASCII))]
	}
}

func resultLabel(err error, speed float64) string {
	withErr := "okay"
	if err != nil {
		withErr = "error"
	}
	withRate := "-with-rate"
	if speed == 0 {
		withRate = "-without-rate"
	}
	return withErr + withRate
}

func observeTestDone(direction string, speedKbits float64, err error) {
	metrics.TestCount.WithLabelValues("ndt5", direction, resultLabel(err, speedKbits)).Inc()
	if err != nil {
		metrics.ErrorCount.WithLabelValues("ndt5", errKindLabel(err)).Inc()
		return
	}
	if speedKbits > 0 {
		metrics.TestRate.WithLabelValues(direction).Observe(speedKbits / 1000)
	}
}
