package ndt5

import (
	"github.com/bassosimone/libndt/ndt5/protocol"
)

// runMeta implements the meta sub-test: we send one "name:value"
// message per metadata pair, then an empty message to terminate.
func (c *Client) runMeta() error {
	if err := c.messager.ExpectEmpty(protocol.TestPrepare); err != nil {
		return err
	}
	if err := c.messager.ExpectEmpty(protocol.TestStart); err != nil {
		return err
	}
	for _, pair := range c.config.Metadata {
		message := pair.Name + ":" + pair.Value
		if err := c.messager.SendMessage(protocol.TestMsg, []byte(message)); err != nil {
			return err
		}
	}
	if err := c.messager.SendMessage(protocol.TestMsg, nil); err != nil {
		return err
	}
	return c.messager.ExpectEmpty(protocol.TestFinalize)
}
