package ndt5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bassosimone/libndt/ndt5/protocol"
)

// runDownload implements the download sub-test. The server announces a
// port and a number of flows, we connect all the flows, and then each
// flow blindly receives payload in its own goroutine while we sample
// progress every 250 ms on the foreground goroutine.
func (c *Client) runDownload(ctx context.Context) (err error) {
	var speed float64
	defer func() { observeTestDone("download", speed, err) }()
	observer := c.config.Observer
	body, err := c.messager.Expect(protocol.TestPrepare)
	if err != nil {
		return err
	}
	port, nflows, err := parseTestPrepare(string(body))
	if err != nil {
		return err
	}
	flows := make([]*flow, 0, nflows)
	defer func() {
		for _, f := range flows {
			f.Close()
		}
	}()
	for i := 0; i < nflows; i++ {
		f, dialErr := c.dialFlow(ctx, port, downloadProtocol)
		if dialErr != nil {
			observer.OnWarning("not all connects succeeded")
			return dialErr
		}
		flows = append(flows, f)
	}
	if err = c.messager.ExpectEmpty(protocol.TestStart); err != nil {
		return err
	}

	var totalBytes atomic.Int64
	var activeFlows atomic.Int64
	activeFlows.Store(int64(len(flows)))
	begin := time.Now()
	for _, f := range flows {
		go func(f *flow) {
			defer activeFlows.Add(-1)
			buf := make([]byte, measurementBufferSize)
			for {
				n, readErr := f.readChunk(buf)
				totalBytes.Add(int64(n))
				if readErr != nil {
					if errors.Is(readErr, errNonBinaryMessage) {
						observer.OnWarning(readErr.Error())
					} else if !errors.Is(readErr, io.EOF) {
						observer.OnDebug("download flow terminated: " + readErr.Error())
					}
					return
				}
				if time.Since(begin) > c.config.maxRuntime() {
					return
				}
			}
		}(f)
	}
	ticker := time.NewTicker(samplingInterval)
	defer ticker.Stop()
	for activeFlows.Load() > 0 {
		<-ticker.C
		observer.OnPerformance("download", int(activeFlows.Load()),
			totalBytes.Load(), time.Since(begin), c.config.maxRuntime())
	}
	speed = computeSpeed(totalBytes.Load(), time.Since(begin))

	// The server-measured speed uses legacy framing also when the JSON
	// encoding is active.
	kind, serverSpeed, err := c.messager.ReadLegacyMessage()
	if err != nil {
		return err
	}
	if kind != protocol.TestMsg {
		return fmt.Errorf("expected %s message, got %s", protocol.TestMsg, kind)
	}
	observer.OnDebug("server computed speed: " + string(serverSpeed))
	if err = c.messager.SendMessage(protocol.TestMsg,
		[]byte(fmt.Sprintf("%f", speed))); err != nil {
		return err
	}

	observer.OnInfo("reading summary web100 variables")
	for i := 0; i < maxResultMessages; i++ {
		kind, body, readErr := c.messager.ReadMessage()
		if readErr != nil {
			return readErr
		}
		if kind == protocol.TestFinalize {
			return nil
		}
		if kind != protocol.TestMsg {
			return fmt.Errorf("expected %s message, got %s", protocol.TestMsg, kind)
		}
		if err = c.emitResults("web100", string(body)); err != nil {
			return err
		}
	}
	err = errors.New("too many web100 messages")
	return err
}
