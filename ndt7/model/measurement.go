// Package model contains the structures serialized as JSON inside the
// textual measurement messages exchanged during a ndt7 test.
package model

import "github.com/m-lab/tcp-info/tcp"

// The Measurement struct contains measurement results. This structure
// is serialized as JSON and sent as a textual message.
type Measurement struct {
	// AppInfo contains application level measurements.
	AppInfo *AppInfo `json:"AppInfo,omitempty"`

	// TCPInfo contains metrics measured using TCP_INFO instrumentation,
	// where the operating system supports gathering them.
	TCPInfo *tcp.LinuxTCPInfo `json:"TCPInfo,omitempty"`
}
