// Package libndt measures network throughput against servers of the
// Network Diagnostic Tool family. It speaks both the legacy ndt5
// protocol and the modern ndt7 protocol, over a transport stack that
// optionally composes SOCKS5h tunneling, TLS, and WebSocket framing on
// top of TCP. The typical usage is:
//
//	client := libndt.NewClient(libndt.NewSettings())
//	err := client.Run(context.Background())
//
// Use the Settings to select sub-tests, protocol layers, and an
// Observer receiving progress and results while the test runs.
package libndt

import (
	"context"
	"errors"

	"github.com/bassosimone/libndt/mlabns"
	"github.com/bassosimone/libndt/ndt5"
	"github.com/bassosimone/libndt/ndt7"
	"github.com/bassosimone/libndt/netx"
)

// Client runs NDT tests according to its settings.
type Client struct {
	settings Settings
	observer Observer
}

// NewClient creates a Client with the given settings.
func NewClient(settings Settings) *Client {
	observer := settings.Observer
	if observer == nil {
		observer = LogObserver{}
	}
	return &Client{settings: settings, observer: observer}
}

// ErrNoCandidatesLeft is returned when every candidate server failed
// during connection setup.
var ErrNoCandidatesLeft = errors.New("libndt: no usable server candidates left")

// Run performs one test end to end: it discovers candidate servers,
// unless a hostname is configured, and then runs the selected
// sub-tests against the first candidate that admits us.
func (c *Client) Run(ctx context.Context) error {
	// Run works on a copy of the settings: adopting a discovered
	// hostname or forcing protocol flags must not leak into the
	// settings the caller handed us.
	settings := c.settings
	normalizeSettings(&settings)
	candidates, err := c.candidates(ctx, &settings)
	if err != nil {
		return err
	}
	for _, fqdn := range candidates {
		settings.Hostname = fqdn
		c.observer.OnInfo("using server: " + fqdn)
		if settings.ProtocolFlags&ProtocolNDT7 != 0 {
			c.runNDT7(ctx, settings)
			return nil
		}
		err := c.runNDT5(ctx, settings)
		if err == nil {
			return nil
		}
		var setupErr *ndt5.SetupError
		if errors.As(err, &setupErr) {
			c.observer.OnWarning("trying next candidate: " + err.Error())
			continue
		}
		return err
	}
	return ErrNoCandidatesLeft
}

// normalizeSettings applies the side effects implied by the selected
// sub-tests and protocol: ndt7 requires WebSocket over TLS, while the
// multi-stream download only exists in the JSON dialect of the
// in-clear protocol.
func normalizeSettings(settings *Settings) {
	if settings.ProtocolFlags&ProtocolNDT7 != 0 {
		settings.ProtocolFlags |= ProtocolWebSocket | ProtocolTLS
	}
	if settings.NettestFlags&NettestDownloadExt != 0 {
		settings.ProtocolFlags |= ProtocolJSON
		settings.ProtocolFlags &^= ProtocolTLS | ProtocolWebSocket
	}
}

// discoveryTool returns the discovery resource implied by the
// normalized settings.
func discoveryTool(settings Settings) string {
	switch {
	case settings.NettestFlags&NettestDownloadExt != 0:
		return "neubot"
	case settings.ProtocolFlags&ProtocolNDT7 != 0:
		return "ndt7"
	case settings.ProtocolFlags&ProtocolTLS != 0:
		return "ndt_ssl"
	default:
		return "ndt"
	}
}

// candidates returns the ordered list of servers to try: the
// configured hostname, or what server discovery returns.
func (c *Client) candidates(ctx context.Context, settings *Settings) ([]string, error) {
	if settings.Hostname != "" {
		return []string{settings.Hostname}, nil
	}
	query := mlabns.New(mlabns.Config{
		BaseURL: settings.MlabnsBaseURL,
		Tool:    discoveryTool(*settings),
		Policy:  string(settings.MlabnsPolicy),
		Timeout: settings.IOTimeout,
	})
	fqdns, err := query.Query(ctx)
	if err != nil {
		c.observer.OnWarning("server discovery failed: " + err.Error())
		return nil, err
	}
	return fqdns, nil
}

func (c *Client) newDialer(settings Settings) *netx.Dialer {
	return &netx.Dialer{
		SOCKS5hPort:      settings.SOCKS5hPort,
		TLS:              settings.ProtocolFlags&ProtocolTLS != 0,
		CABundlePath:     settings.CABundlePath,
		InsecureNoVerify: settings.InsecureNoVerify,
		Timeout:          settings.IOTimeout,
	}
}

// runNDT7 runs the requested ndt7 subtests. Individual subtest
// failures are reported as warnings rather than failing the test.
func (c *Client) runNDT7(ctx context.Context, settings Settings) {
	client := ndt7.New(ndt7.Config{
		Hostname:   settings.Hostname,
		Port:       settings.Port,
		Dialer:     c.newDialer(settings),
		IOTimeout:  settings.IOTimeout,
		MaxRuntime: settings.MaxRuntime,
		Observer:   c.observer,
	})
	if settings.NettestFlags&NettestDownload != 0 {
		if err := client.Download(ctx); err != nil {
			c.observer.OnWarning("ndt7 download failed: " + err.Error())
		}
	}
	if settings.NettestFlags&NettestUpload != 0 {
		if err := client.Upload(ctx); err != nil {
			c.observer.OnWarning("ndt7 upload failed: " + err.Error())
		}
	}
}

func (c *Client) runNDT5(ctx context.Context, settings Settings) error {
	client := ndt5.New(ndt5.Config{
		Hostname:     settings.Hostname,
		Port:         settings.Port,
		Dialer:       c.newDialer(settings),
		WebSocket:    settings.ProtocolFlags&ProtocolWebSocket != 0,
		JSON:         settings.ProtocolFlags&ProtocolJSON != 0,
		NettestFlags: settings.NettestFlags,
		Metadata:     settings.Metadata,
		IOTimeout:    settings.IOTimeout,
		MaxRuntime:   settings.MaxRuntime,
		Observer:     c.observer,
	})
	return client.Run(ctx)
}
