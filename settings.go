package libndt

import (
	"time"

	"github.com/google/uuid"

	"github.com/bassosimone/libndt/metadata"
	"github.com/bassosimone/libndt/mlabns"
	"github.com/bassosimone/libndt/ndt5/protocol"
	"github.com/bassosimone/libndt/version"
)

// NettestFlags selects the sub-tests to run.
type NettestFlags = protocol.NettestFlags

// The sub-tests that can be requested. Only download, upload, meta,
// and the multi-stream download are implemented; the others are
// stripped with a warning before login.
const (
	NettestMiddlebox      = protocol.NettestMiddlebox
	NettestUpload         = protocol.NettestUpload
	NettestDownload       = protocol.NettestDownload
	NettestSimpleFirewall = protocol.NettestSimpleFirewall
	NettestStatus         = protocol.NettestStatus
	NettestMeta           = protocol.NettestMeta
	NettestUploadExt      = protocol.NettestUploadExt
	NettestDownloadExt    = protocol.NettestDownloadExt
)

// ProtocolFlags selects the protocol layers and dialects to use.
type ProtocolFlags uint32

const (
	// ProtocolJSON selects the JSON message encoding for ndt5.
	ProtocolJSON ProtocolFlags = 1 << iota

	// ProtocolTLS enables TLS for the control and measurement channels.
	ProtocolTLS

	// ProtocolWebSocket frames every channel with WebSocket messages.
	ProtocolWebSocket

	// ProtocolNDT7 selects the ndt7 protocol, which implies both
	// ProtocolWebSocket and ProtocolTLS.
	ProtocolNDT7
)

// MlabnsPolicy is the server selection policy of the naming service.
type MlabnsPolicy string

const (
	// PolicyClosest selects the server closest to the client.
	PolicyClosest = MlabnsPolicy("")

	// PolicyRandom selects a random nearby server.
	PolicyRandom = MlabnsPolicy("random")

	// PolicyGeoOptions returns an ordered list of nearby servers to
	// try in sequence, which is the most robust to server failures.
	PolicyGeoOptions = MlabnsPolicy("geo_options")
)

// Settings contains the client settings. The zero value is not usable:
// use NewSettings to obtain settings with the documented defaults.
type Settings struct {
	// MlabnsBaseURL is the base URL of the server discovery service.
	MlabnsBaseURL string

	// MlabnsPolicy is the server selection policy.
	MlabnsPolicy MlabnsPolicy

	// Hostname is the server to test against. When non-empty, server
	// discovery is bypassed.
	Hostname string

	// Port overrides the default port, which otherwise depends on the
	// selected protocol.
	Port string

	// NettestFlags selects the sub-tests to run.
	NettestFlags NettestFlags

	// ProtocolFlags selects the protocol layers and dialects.
	ProtocolFlags ProtocolFlags

	// IOTimeout bounds every I/O operation.
	IOTimeout time.Duration

	// MaxRuntime bounds the runtime of each sub-test.
	MaxRuntime time.Duration

	// Metadata is sent to the server during the ndt5 meta sub-test, in
	// order.
	Metadata metadata.Metadata

	// SOCKS5hPort, when non-empty, tunnels all traffic through a
	// SOCKS5h proxy listening on 127.0.0.1 at this port, e.g. Tor.
	SOCKS5hPort string

	// CABundlePath is the CA bundle used to verify TLS connections.
	// When empty, well-known system paths are probed; failing to find
	// a usable bundle fails the test unless InsecureNoVerify is set.
	CABundlePath string

	// InsecureNoVerify disables TLS peer verification. Insecure, only
	// meant for testing.
	InsecureNoVerify bool

	// Observer receives the events emitted while the test runs. When
	// nil, events are logged through the library logger.
	Observer Observer
}

// NewSettings returns settings with the documented defaults: download
// only, geo_options discovery, 7 s I/O timeout, 14 s maximum runtime,
// and metadata identifying this library.
func NewSettings() Settings {
	return Settings{
		MlabnsBaseURL: mlabns.DefaultBaseURL,
		MlabnsPolicy:  PolicyGeoOptions,
		NettestFlags:  NettestDownload,
		IOTimeout:     7 * time.Second,
		MaxRuntime:    14 * time.Second,
		Metadata: metadata.Metadata{
			{Name: "client.version", Value: version.NDTVersionCompat},
			{Name: "client.application", Value: "bassosimone/libndt"},
			{Name: "client.uuid", Value: uuid.NewString()},
		},
	}
}
