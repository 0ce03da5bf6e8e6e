//go:build !linux
// +build !linux

package platformx

import (
	"github.com/bassosimone/libndt/logging"
)

func maybeEmitWarning() {
	logging.Logger.Warn("This platform cannot gather TCP_INFO statistics. Tests will work with reduced functionality.")
}
