package controller

import (
	"context"
	"errors"
)

// runRelay drives the fan-out relay off whichever transcoder is current. The
// audio task hands over a handle after every respawn; between hand-offs this
// task just waits.
func (c *Controller) runRelay(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case handle := <-c.transcoders:
		// A pipe read does not observe ctx; killing the producer is what
		// unblocks it, bounding shutdown.
		stop := context.AfterFunc(ctx, handle.Kill)
		err := c.relay.Run(ctx, handle.Stdout())
		stop()
		_ = handle.Stdout().Close()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("relay stopped", "err", err)
		}
		// The transcoder's output ended outside shutdown. Streaming is
		// finished for this session; clients were sent the end sentinel.
		c.disableTranscoding("transcoder output ended")
		return nil
	}
}

// runStreamServer hosts the client port for the lifetime of the session. It
// is never restarted; a failure here surfaces as a streaming feature error.
func (c *Controller) runStreamServer(ctx context.Context) error {
	err := c.streamSrv.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
