package client

import (
	"context"
	"log"
	"time"
)

// reconnectLoop watches the current connection and redials with
// exponential backoff (capped at opts.MaxBackoff) whenever it drops, until
// Disconnect clears AutoReconnect.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed == nil {
			return
		}
		<-closed // blocks until the current connection ends

		if !c.opts.AutoReconnect {
			return
		}

		backoff := 500 * time.Millisecond
		for {
			if !c.opts.AutoReconnect {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.dialAndHandshake(ctx)
			cancel()
			if err == nil {
				break
			}
			log.Printf("client: reconnect to %s failed: %v", c.opts.Addr, err)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
		}
	}
}
