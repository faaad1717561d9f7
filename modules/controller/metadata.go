package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zachfi/fmdx/pkg/fmdx"
)

// runMetadata owns the text channel: a reconnecting websocket carrying JSON
// records in and tune commands out. It returns nil on shutdown; connection
// failures are handled inside the loop.
func (c *Controller) runMetadata(ctx context.Context) error {
	var lastAttempt time.Time

	for {
		if err := waitRetry(ctx, lastAttempt, c.cfg.RetryInterval); err != nil {
			return nil
		}
		lastAttempt = time.Now()
		reconnects.WithLabelValues("text").Inc()

		c.status("text: connecting")
		dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.TextTimeout}
		conn, resp, err := dialer.DialContext(ctx, c.textURI, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.status("text: connect failed: " + truncate(err.Error()))
			c.settle(ctx)
			continue
		}

		c.sender.Store(conn)
		c.status("text: connected")

		err = c.readMetadata(ctx, conn)

		c.sender.Store(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}

		// A peer-initiated normal close is a status, not an error.
		var closeErr *websocket.CloseError
		switch {
		case errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure:
			c.status("text: closed by server")
		case err != nil:
			c.status("text: disconnected: " + truncate(err.Error()))
		}
		c.settle(ctx)
	}
}

// readMetadata pumps one connection until it fails or ctx is cancelled. A
// separate keepalive goroutine pings the peer; pongs extend the read
// deadline.
func (c *Controller) readMetadata(ctx context.Context, conn *websocket.Conn) error {
	readWindow := 2 * c.cfg.KeepaliveInterval

	_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		t := time.NewTicker(c.cfg.KeepaliveInterval)
		defer t.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-t.C:
				deadline := time.Now().Add(c.cfg.PingTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	// Unblock the read when ctx is cancelled.
	go func() {
		<-pingCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
		c.handleRecord(payload)
	}
}

// handleRecord parses one inbound text message. Malformed records are
// reported and skipped, never fatal. A valid frequency field triggers an
// immediate CurrentFrequency event ahead of the full record.
func (c *Controller) handleRecord(payload []byte) {
	rec, err := fmdx.ParseRecord(payload)
	if err != nil {
		c.logger.Debug("invalid record", "err", err)
		c.publish(fmdx.ErrorUpdate("text: invalid record received"))
		return
	}
	if khz := rec.FreqKHz(); khz > 0 {
		c.publish(fmdx.FrequencyUpdate(khz))
	}
	c.publish(fmdx.DataUpdate(rec))
}

// runCommands forwards tune requests over the currently open text
// connection. A command that arrives while disconnected is reported as
// undeliverable and discarded, never queued for later.
func (c *Controller) runCommands(ctx context.Context) error {
	for {
		cmd, err := c.commands.Pop(ctx)
		if err != nil {
			return nil
		}
		if cmd.Stop {
			return nil
		}

		conn := c.sender.Load()
		if conn == nil {
			c.status(fmt.Sprintf("tune to %s undeliverable: text not connected", fmdx.FormatKHz(cmd.FreqKHz)))
			continue
		}

		msg := []byte(fmdx.TuneCommand(cmd.FreqKHz))
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.PingTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.status("tune failed: " + truncate(err.Error()))
			// The connection is gone; the metadata loop will replace it.
			c.sender.CompareAndSwap(conn, nil)
			continue
		}

		// Optimistic: report the target before the server echoes it.
		c.publish(fmdx.FrequencyUpdate(cmd.FreqKHz))
	}
}

// timeoutErr reports whether err is a read deadline expiry rather than a
// closed connection.
func timeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
