package libndt

import (
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/bassosimone/libndt/logging"
)

// Observer receives the events emitted while a test runs. Callbacks
// may be invoked from the goroutines serving measurement flows, hence
// implementations must be callable from any goroutine.
type Observer interface {
	// OnWarning is called for non-fatal problems.
	OnWarning(msg string)

	// OnInfo is called to describe test progress.
	OnInfo(msg string)

	// OnDebug is called with debugging information.
	OnDebug(msg string)

	// OnPerformance is called roughly every 250 ms while a sub-test is
	// transferring data. Dividing elapsed by maxRuntime yields the
	// fraction of completion of the sub-test.
	OnPerformance(subtest string, nflows int, totalBytes int64, elapsed, maxRuntime time.Duration)

	// OnResult is called for each result variable. The scope is
	// "summary" for summary variables, "web100" for kernel variables
	// reported by ndt5 servers, and "ndt7" for measurements reported
	// by ndt7 servers.
	OnResult(scope, name, value string)

	// OnServerBusy is called when the server is too busy to serve us.
	OnServerBusy(msg string)
}

// LogObserver is the default Observer: it logs every event through the
// library logger.
type LogObserver struct{}

// OnWarning implements Observer.OnWarning.
func (LogObserver) OnWarning(msg string) {
	logging.Logger.Warn(msg)
}

// OnInfo implements Observer.OnInfo.
func (LogObserver) OnInfo(msg string) {
	logging.Logger.Info(msg)
}

// OnDebug implements Observer.OnDebug.
func (LogObserver) OnDebug(msg string) {
	logging.Logger.Debug(msg)
}

// OnPerformance implements Observer.OnPerformance.
func (LogObserver) OnPerformance(subtest string, nflows int, totalBytes int64, elapsed, maxRuntime time.Duration) {
	speed := 0.0
	if elapsed > 0 {
		speed = float64(totalBytes) * 8 / 1000 / elapsed.Seconds()
	}
	logging.Logger.WithFields(log.Fields{
		"subtest":      subtest,
		"num_flows":    nflows,
		"elapsed":      fmt.Sprintf("%.3f s", elapsed.Seconds()),
		"speed_kbit_s": fmt.Sprintf("%.0f", speed),
	}).Info("performance")
}

// OnResult implements Observer.OnResult.
func (LogObserver) OnResult(scope, name, value string) {
	logging.Logger.WithFields(log.Fields{
		"scope": scope,
		"name":  name,
		"value": value,
	}).Info("result")
}

// OnServerBusy implements Observer.OnServerBusy.
func (LogObserver) OnServerBusy(msg string) {
	logging.Logger.Warn("server is busy: " + msg)
}
