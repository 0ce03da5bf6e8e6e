package ndt5

import (
	"context"
	"fmt"
	"time"

	"github.com/bassosimone/libndt/ndt5/protocol"
	"github.com/bassosimone/libndt/ws"
)

// runUpload implements the upload sub-test. There is a single flow: we
// fill a buffer with random printable ASCII once and blindly send it
// until the runtime expires or the server closes the connection. In
// WebSocket mode the whole buffer is masked once and the resulting
// frame is reused on every send.
func (c *Client) runUpload(ctx context.Context) (err error) {
	var speed float64
	defer func() { observeTestDone("upload", speed, err) }()
	observer := c.config.Observer
	body, err := c.messager.Expect(protocol.TestPrepare)
	if err != nil {
		return err
	}
	port, nflows, err := parseTestPrepare(string(body))
	if err != nil {
		return err
	}
	if nflows != 1 {
		err = fmt.Errorf("unexpected number of upload flows: %d", nflows)
		return err
	}
	f, err := c.dialFlow(ctx, port, uploadProtocol)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = c.messager.ExpectEmpty(protocol.TestStart); err != nil {
		return err
	}

	buf := make([]byte, measurementBufferSize)
	randomPrintableFill(buf)
	var prepared []byte
	if f.wsConn != nil {
		prepared = f.wsConn.PrepareFrame(ws.OpcodeBinary, buf)
	}
	var totalBytes int64
	begin := time.Now()
	lastSample := begin
	for {
		n, writeErr := f.writeChunk(buf, prepared)
		totalBytes += int64(n)
		if writeErr != nil {
			// The server closing the connection is how the sub-test
			// normally ends when the runtime elapses server side.
			if quietSendFailure(writeErr) {
				observer.OnDebug("upload flow terminated: " + writeErr.Error())
			} else {
				observer.OnWarning("upload write failed: " + writeErr.Error())
			}
			break
		}
		now := time.Now()
		if now.Sub(lastSample) >= samplingInterval {
			observer.OnPerformance("upload", 1, totalBytes,
				now.Sub(begin), c.config.maxRuntime())
			lastSample = now
		}
		if now.Sub(begin) > c.config.maxRuntime() {
			observer.OnDebug("upload has run for long enough")
			break
		}
	}
	speed = computeSpeed(totalBytes, time.Since(begin))
	observer.OnDebug(fmt.Sprintf("client computed speed: %f kbit/s", speed))

	serverSpeed, err := c.messager.Expect(protocol.TestMsg)
	if err != nil {
		return err
	}
	observer.OnDebug("server computed speed: " + string(serverSpeed))
	err = c.messager.ExpectEmpty(protocol.TestFinalize)
	return err
}
