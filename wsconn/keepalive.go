package wsconn

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pepnova/gows/wsevent"
	"github.com/pepnova/gows/wsproto"
)

// startKeepAlive launches the cooperative ping loop: every interval, if
// the state is no longer Open the loop exits; if the
// previous Ping never got a Pong, the connection is closed with
// KeepAliveTimeout; otherwise a fresh Ping is sent carrying the tick
// timestamp as an opaque payload.
func (c *Conn) startKeepAlive() {
	ctx, cancel := context.WithCancel(context.Background())
	c.keepAliveCancel = cancel
	c.keepAliveDone = make(chan struct{})

	go func() {
		defer close(c.keepAliveDone)
		ticker := time.NewTicker(c.keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.State() != Open {
					return
				}
				if c.pingOutstanding.Load() {
					wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.KeepAliveTimeout, ConnID: c.ID})
					_ = c.Close(wsproto.CloseNormalClosure, "KeepAliveTimeout")
					return
				}
				c.lastPingAt = time.Now()
				c.pingOutstanding.Store(true)
				payload := make([]byte, 8)
				binary.BigEndian.PutUint64(payload, uint64(c.lastPingAt.UnixNano()))
				wsevent.Emit(c.sink, wsevent.Event{Kind: wsevent.PingSent, ConnID: c.ID})
				if err := c.writeFrame(wsproto.OpPing, payload); err != nil {
					return
				}
			}
		}
	}()
}

// stopKeepAlive cancels the keep-alive goroutine, if one is running, and
// waits for it to exit.
func (c *Conn) stopKeepAlive() {
	if c.keepAliveCancel == nil {
		return
	}
	c.keepAliveCancel()
	<-c.keepAliveDone
}
