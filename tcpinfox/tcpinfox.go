// Package tcpinfox gathers TCP_INFO statistics for a socket, which the
// ndt7 upload includes in its measurement messages.
package tcpinfox

import (
	"errors"
	"os"

	"github.com/m-lab/tcp-info/tcp"
)

// ErrNoSupport is returned on systems where TCP_INFO is not available.
var ErrNoSupport = errors.New("TCP_INFO not supported")

// GetTCPInfo reads the TCP_INFO statistics of the socket backing fp.
func GetTCPInfo(fp *os.File) (*tcp.LinuxTCPInfo, error) {
	return getTCPInfo(fp)
}
