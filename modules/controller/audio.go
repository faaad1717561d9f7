package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zachfi/fmdx/internal/proc"
	"github.com/zachfi/fmdx/pkg/fmdx"
)

// ffplayArgs keep local playback latency low: tiny probe window, no
// buffering, exit when stdin closes.
func ffplayArgs() []string {
	return []string{
		"-probesize", "32",
		"-analyzeduration", "0",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-f", "mp3",
		"-",
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
	}
}

// ffmpegArgs recode the MP3 stdin to ADTS/AAC on stdout, flushing every
// packet so the relay sees data immediately.
func ffmpegArgs(bitrate string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-probesize", "32",
		"-analyzeduration", "0",
		"-f", "mp3", "-i", "-",
		"-c:a", "aac",
		"-b:a", bitrate,
		"-f", "adts",
		"-avioflags", "direct",
		"-flush_packets", "1",
		"-",
	}
}

// fallbackRequest asks the server for MP3 right after the audio socket
// opens.
func fallbackRequest() []byte {
	b, _ := json.Marshal(map[string]string{"type": "fallback", "data": "mp3"})
	return b
}

// runAudio owns the audio channel: per connection attempt it dials the
// audio socket, requests the encoding, spawns the playback and transcoder
// processes the session still wants, and pumps frames into them.
func (c *Controller) runAudio(ctx context.Context) error {
	var lastAttempt time.Time

	for {
		if err := waitRetry(ctx, lastAttempt, c.cfg.RetryInterval); err != nil {
			return nil
		}
		lastAttempt = time.Now()
		reconnects.WithLabelValues("audio").Inc()

		c.status("audio: connecting")
		dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.AudioTimeout}
		conn, resp, err := dialer.DialContext(ctx, c.audioURI, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.status("audio: connect failed: " + truncate(err.Error()))
			c.settle(ctx)
			continue
		}
		c.status("audio: connected")

		err = c.pumpAudio(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var ce *fmdx.ClassifiedError
			if errors.As(err, &ce) {
				return err
			}
			c.status("audio: disconnected: " + truncate(err.Error()))
		}
		c.settle(ctx)
	}
}

// pumpAudio services one audio connection. It returns nil to request a
// reconnect, or a classified error to escalate.
func (c *Controller) pumpAudio(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.WriteMessage(websocket.TextMessage, fallbackRequest()); err != nil {
		return nil
	}

	// Cancellation unblocks a pending read immediately.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	player, err := c.spawnPlayer()
	if err != nil {
		return err
	}
	transcoder := c.spawnTranscoder()

	defer func() {
		c.reapProc(player)
		c.reapProc(transcoder)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Poll process health before blocking on the socket.
		if player != nil {
			if code, done := player.Exited(); done {
				if player.ExpectedExit() {
					c.status("player stopped")
				} else {
					c.publish(fmdx.ErrorUpdate(fmt.Sprintf("player exited unexpectedly (code %d)", code)))
				}
				c.untrackProc(player)
				player = nil
				// Respawn happens on the next connection attempt.
				return nil
			}
		}
		if transcoder != nil {
			if code, done := transcoder.Exited(); done {
				if transcoder.ExpectedExit() {
					c.publish(fmdx.StreamStatus("encoder stopped"))
				} else {
					c.publish(fmdx.ErrorUpdate(fmt.Sprintf("transcoder exited unexpectedly (code %d)", code)))
				}
				c.untrackProc(transcoder)
				c.disableTranscoding("transcoder exited")
				transcoder = nil
				// Audio reception continues without the restream.
			}
		}

		frame, err := c.readFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if timeoutErr(err) {
				c.status("audio: receive timeout, pinging")
				pinged, early := c.pingAudio(conn)
				if !pinged {
					c.status("audio: ping failed")
					return nil
				}
				if len(early) == 0 {
					continue
				}
				frame = early
			} else {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					c.status(fmt.Sprintf("audio: closed (code %d)", closeErr.Code))
					return nil
				}
				c.status("audio: receive failed: " + truncate(err.Error()))
				return nil
			}
		}
		if len(frame) == 0 {
			continue
		}

		if player != nil {
			if _, err := player.Write(frame); err != nil {
				// Pipe broken: the player is on its way out; the exit
				// poll above turns this into a reconnect.
				c.logger.Debug("player write failed", "err", err)
			}
		}
		if transcoder != nil {
			if _, err := transcoder.Write(frame); err != nil {
				c.publish(fmdx.ErrorUpdate("transcoder pipe broken: " + truncate(err.Error())))
				c.reapProc(transcoder)
				c.disableTranscoding("transcoder pipe broken")
				transcoder = nil
			}
		}
	}
}

// readFrame receives one binary frame with the configured timeout.
func (c *Controller) readFrame(conn *websocket.Conn) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AudioTimeout))
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return payload, nil
		}
		// Text frames on the audio socket are ignored.
	}
}

// pingAudio issues a protocol-level ping with its own shorter timeout. It
// reports whether the connection proved alive, and returns any binary frame
// that happened to arrive while waiting for the pong.
func (c *Controller) pingAudio(conn *websocket.Conn) (bool, []byte) {
	var pongged bool
	conn.SetPongHandler(func(string) error {
		pongged = true
		return nil
	})
	defer conn.SetPongHandler(nil)

	deadline := time.Now().Add(c.cfg.PingTimeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return false, nil
	}

	// Pong frames are only processed inside a read, so wait in one.
	_ = conn.SetReadDeadline(deadline)
	kind, payload, err := conn.ReadMessage()
	switch {
	case err == nil && kind == websocket.BinaryMessage:
		return true, payload
	case err == nil:
		return true, nil
	case timeoutErr(err) && pongged:
		return true, nil
	default:
		return false, nil
	}
}

// spawnPlayer starts ffplay when local playback is wanted. A missing binary
// is fatal: playback is mandatory outside relay-only mode.
func (c *Controller) spawnPlayer() (*proc.Handle, error) {
	if !c.playback.Load() {
		return nil, nil
	}

	c.status("starting player")
	h, err := proc.Spawn(c.logger, c.cfg.FFplayPath, ffplayArgs()...)
	if err != nil {
		if errors.Is(err, proc.ErrExecutableNotFound) {
			return nil, fmdx.FatalError(err)
		}
		c.publish(fmdx.ErrorUpdate("player start failed: " + truncate(err.Error())))
		return nil, nil
	}
	c.trackProc(h)
	return h, nil
}

// spawnTranscoder starts ffmpeg when streaming is still enabled for the
// session. A missing binary only disables the feature.
func (c *Controller) spawnTranscoder() *proc.Handle {
	if !c.transcoding.Load() {
		return nil
	}

	c.status("starting transcoder")
	h, err := proc.SpawnWithOutput(c.logger, c.cfg.FFmpegPath, ffmpegArgs(c.cfg.AACBitrate)...)
	if err != nil {
		if errors.Is(err, proc.ErrExecutableNotFound) {
			c.publish(fmdx.ErrorUpdate("transcoder not found, streaming unavailable"))
		} else {
			c.publish(fmdx.ErrorUpdate("transcoder start failed: " + truncate(err.Error())))
		}
		c.disableTranscoding("transcoder unavailable")
		return nil
	}
	c.trackProc(h)

	// Hand the fresh output stream to the relay task; an unclaimed older
	// hand-off is superseded.
	for {
		select {
		case c.transcoders <- h:
			return h
		case <-c.transcoders:
		}
	}
}

// reapProc terminates a process left over from a connection attempt. The
// handle stays tracked until the process is actually gone, so a process that
// ignores SIGTERM is still caught by the shutdown Kill pass.
func (c *Controller) reapProc(h *proc.Handle) {
	if h == nil {
		return
	}
	h.Terminate()
	go func() {
		<-h.Done()
		c.untrackProc(h)
		c.logger.Debug("process reaped", "proc", h.Name(), "pid", h.PID())
	}()
}
