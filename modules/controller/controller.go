// Package controller is the background orchestration core: it owns the two
// reconnecting websocket channels, the media processes, the broadcast relay
// and the stream server, and reports everything through a bounded update
// queue.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zachfi/fmdx/internal/proc"
	"github.com/zachfi/fmdx/pkg/fmdx"
	"github.com/zachfi/fmdx/pkg/relay"
)

var module = "controller"

// taskKind names one supervised task for logging and restart policy.
type taskKind string

const (
	taskMetadata taskKind = "metadata"
	taskAudio    taskKind = "audio"
	taskCommands taskKind = "commands"
	taskRelay    taskKind = "relay"
	taskServer   taskKind = "streamserver"
)

var (
	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fmdx",
		Name:      "channel_connect_attempts_total",
		Help:      "Connection attempts per channel.",
	}, []string{"channel"})
	taskRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fmdx",
		Name:      "task_restarts_total",
		Help:      "Task respawns after a recoverable failure.",
	}, []string{"task"})
)

type taskResult struct {
	kind taskKind
	err  error
}

// Controller supervises the full task set. It is a dskit service: starting
// validates the connection targets, running hosts the monitor loop, and
// stopping is the one-way shutdown that ends with the terminal Closed event.
type Controller struct {
	services.Service

	cfg    *Config
	logger *slog.Logger

	textURI  string
	audioURI string

	updates  *fmdx.UpdateQueue
	commands *fmdx.CommandQueue

	relay     *relay.Relay
	streamSrv *relay.Server

	// Session feature flags. Once cleared they stay cleared.
	playback    atomic.Bool
	transcoding atomic.Bool

	// Send capability of the currently open text connection; nil while
	// disconnected. Valid only for the lifetime of one connection.
	sender atomic.Pointer[websocket.Conn]

	// Hand-off of a freshly spawned transcoder to the relay task.
	transcoders chan *proc.Handle

	procMtx sync.Mutex
	procs   map[*proc.Handle]struct{}

	closedOnce sync.Once
}

// New builds the controller and its queues.
func New(cfg Config, logger slog.Logger) (*Controller, error) {
	if cfg.RelayOnly {
		// Without local playback the restream is the only output.
		cfg.StreamEnabled = true
	}

	c := &Controller{
		cfg:         &cfg,
		logger:      logger.With("module", module),
		updates:     fmdx.NewQueue[fmdx.Update](cfg.UpdateQueueSize),
		commands:    fmdx.NewQueue[fmdx.Command](cfg.CommandQueueSize),
		transcoders: make(chan *proc.Handle, 1),
		procs:       make(map[*proc.Handle]struct{}),
	}
	c.playback.Store(!cfg.RelayOnly)
	c.transcoding.Store(cfg.StreamEnabled)

	c.relay = relay.New(c.logger, cfg.ChunkSize, cfg.SinkCapacity, c.reportClientCount)
	c.streamSrv = relay.NewServer(c.logger, c.relay, cfg.StreamAddress, cfg.StreamPath, relay.DefaultClientTimeout)

	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

// Updates is the controller→consumer queue.
func (c *Controller) Updates() *fmdx.UpdateQueue { return c.updates }

// Tune enqueues a tune request. It never blocks; a full command queue drops
// the request and reports false.
func (c *Controller) Tune(khz int) error {
	if khz < fmdx.MinFreqKHz || khz > fmdx.MaxFreqKHz {
		return fmt.Errorf("frequency %d kHz outside FM band", khz)
	}
	if !c.commands.TryPush(fmdx.TuneRequest(khz)) {
		return fmt.Errorf("command queue full")
	}
	return nil
}

func (c *Controller) starting(_ context.Context) error {
	textURI, err := endpointURI(c.cfg.ServerAddress, c.cfg.Secure, fmdx.TextPath)
	if err != nil {
		return fmdx.FatalError(err)
	}
	audioURI, err := endpointURI(c.cfg.ServerAddress, c.cfg.Secure, fmdx.AudioPath)
	if err != nil {
		return fmdx.FatalError(err)
	}
	c.textURI, c.audioURI = textURI, audioURI
	c.logger.Info("targets resolved", "text", textURI, "audio", audioURI)
	return nil
}

// endpointURI builds a ws/wss URI for one endpoint path and rejects
// malformed connection targets.
func endpointURI(addr string, secure bool, path string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("server address not configured")
	}
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	raw := addr
	switch {
	case hasScheme(raw, "ws"), hasScheme(raw, "wss"):
	case hasScheme(raw, "http"):
		raw = "ws" + raw[len("http"):]
	case hasScheme(raw, "https"):
		raw = "wss" + raw[len("https"):]
	default:
		raw = scheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme %q in server address %q", u.Scheme, addr)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in server address %q", addr)
	}
	u.Path = path
	return u.String(), nil
}

func hasScheme(s, scheme string) bool {
	return len(s) > len(scheme)+3 && s[:len(scheme)+3] == scheme+"://"
}

func (c *Controller) running(ctx context.Context) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan taskResult, 8)
	running := 0

	spawn := func(kind taskKind) {
		running++
		go func() {
			results <- taskResult{kind: kind, err: c.runTask(taskCtx, kind)}
		}()
	}

	spawn(taskMetadata)
	spawn(taskAudio)
	spawn(taskCommands)
	if c.cfg.StreamEnabled {
		spawn(taskRelay)
		spawn(taskServer)
	}

	var failure error
	for running > 0 {
		var res taskResult
		select {
		case <-ctx.Done():
			// Shutdown: cancel children and drain their results.
			cancel()
			res = <-results
		case res = <-results:
		}
		running--

		if res.err == nil || taskCtx.Err() != nil {
			continue
		}

		severity, feature := fmdx.Classify(res.err)
		switch severity {
		case fmdx.Fatal:
			c.logger.Error("task failed fatally", "task", res.kind, "err", res.err)
			c.publish(fmdx.ErrorUpdate(fmt.Sprintf("fatal: %s: %v", res.kind, res.err)))
			if failure == nil {
				failure = res.err
			}
			cancel()
		case fmdx.FeatureFatal:
			c.logger.Error("task disabled a feature", "task", res.kind, "feature", feature, "err", res.err)
			c.publish(fmdx.ErrorUpdate(truncate(res.err.Error())))
			if feature == "streaming" {
				c.disableTranscoding(truncate(res.err.Error()))
			}
		default:
			c.logger.Warn("task failed", "task", res.kind, "err", res.err)
			c.publish(fmdx.ErrorUpdate(truncate(fmt.Sprintf("%s: %v", res.kind, res.err))))
			if c.restartable(res.kind) {
				taskRestarts.WithLabelValues(string(res.kind)).Inc()
				spawn(res.kind)
			}
		}
	}

	return failure
}

func (c *Controller) runTask(ctx context.Context, kind taskKind) error {
	switch kind {
	case taskMetadata:
		return c.runMetadata(ctx)
	case taskAudio:
		return c.runAudio(ctx)
	case taskCommands:
		return c.runCommands(ctx)
	case taskRelay:
		return c.runRelay(ctx)
	case taskServer:
		return c.runStreamServer(ctx)
	}
	return fmt.Errorf("unknown task %q", kind)
}

// restartable is the per-kind restart policy. The stream server is a
// one-shot feature: a failure there disables streaming instead of looping.
func (c *Controller) restartable(kind taskKind) bool {
	switch kind {
	case taskMetadata, taskAudio, taskCommands:
		return true
	case taskRelay:
		return c.transcoding.Load()
	default:
		return false
	}
}

func (c *Controller) stopping(_ error) error {
	c.logger.Info("stopping")

	// Wake a listener blocked on the command queue.
	c.commands.TryPush(fmdx.StopCommand())

	// Grace window, then the unconditional safety net: no external process
	// survives the controller.
	c.procMtx.Lock()
	handles := make([]*proc.Handle, 0, len(c.procs))
	for h := range c.procs {
		handles = append(handles, h)
	}
	c.procs = make(map[*proc.Handle]struct{})
	c.procMtx.Unlock()

	deadline := time.After(c.cfg.GracePeriod)
	for _, h := range handles {
		h.Terminate()
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-deadline:
			h.Kill()
		}
	}
	for _, h := range handles {
		h.Kill()
	}

	c.closedOnce.Do(func() {
		c.publish(fmdx.ClosedUpdate())
	})
	return nil
}

func (c *Controller) publish(u fmdx.Update) {
	if !c.updates.TryPush(u) {
		c.logger.Warn("update queue full, dropping", "kind", u.Kind.String())
	}
}

func (c *Controller) status(text string) {
	c.publish(fmdx.StatusUpdate(text))
}

func (c *Controller) reportClientCount(n int) {
	if c.transcoding.Load() {
		c.publish(fmdx.StreamStatus(fmt.Sprintf("AAC @ %s | clients: %d", c.streamSrv.URL(), n)))
	}
}

// disableTranscoding turns the streaming feature off for the rest of the
// session. Repeat calls are no-ops so the status line is reported once.
func (c *Controller) disableTranscoding(reason string) {
	if c.transcoding.CompareAndSwap(true, false) {
		c.publish(fmdx.StreamStatus("disabled: " + reason))
		c.relay.CloseAll()
	}
}

func (c *Controller) trackProc(h *proc.Handle) {
	c.procMtx.Lock()
	c.procs[h] = struct{}{}
	c.procMtx.Unlock()
}

func (c *Controller) untrackProc(h *proc.Handle) {
	c.procMtx.Lock()
	delete(c.procs, h)
	c.procMtx.Unlock()
}

// truncate caps user-visible error text.
func truncate(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}

// waitRetry sleeps whatever remains of interval since the previous attempt's
// start, so slow failures don't compound the delay. A zero last means no
// previous attempt.
func waitRetry(ctx context.Context, last time.Time, interval time.Duration) error {
	if last.IsZero() {
		return ctx.Err()
	}
	remaining := interval - time.Since(last)
	if remaining <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle pauses briefly after a failed attempt before the retry pacing
// applies.
func (c *Controller) settle(ctx context.Context) {
	t := time.NewTimer(c.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
