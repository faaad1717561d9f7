package controller

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zachfi/fmdx/internal/proc"
	"github.com/zachfi/fmdx/pkg/fmdx"
)

func testController(t *testing.T, mutate func(*Config)) *Controller {
	t.Helper()

	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))
	cfg.ServerAddress = "radio.example.org:8080"
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg, *slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func popUpdate(t *testing.T, c *Controller) fmdx.Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, err := c.Updates().Pop(ctx)
	if err != nil {
		t.Fatalf("no update: %v", err)
	}
	return u
}

func TestEndpointURI(t *testing.T) {
	tests := []struct {
		addr   string
		secure bool
		want   string
		bad    bool
	}{
		{addr: "radio.example.org:8080", want: "ws://radio.example.org:8080/text"},
		{addr: "radio.example.org:8080", secure: true, want: "wss://radio.example.org:8080/text"},
		{addr: "ws://radio.example.org", want: "ws://radio.example.org/text"},
		{addr: "wss://radio.example.org", want: "wss://radio.example.org/text"},
		{addr: "http://radio.example.org", want: "ws://radio.example.org/text"},
		{addr: "https://radio.example.org", want: "wss://radio.example.org/text"},
		{addr: "", bad: true},
		{addr: "ftp://radio.example.org", bad: true},
	}

	for _, tc := range tests {
		got, err := endpointURI(tc.addr, tc.secure, fmdx.TextPath)
		if tc.bad {
			if err == nil {
				t.Errorf("endpointURI(%q): expected error, got %q", tc.addr, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("endpointURI(%q): %v", tc.addr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("endpointURI(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestStartingRejectsBadAddress(t *testing.T) {
	c := testController(t, func(cfg *Config) {
		cfg.ServerAddress = "ftp://radio.example.org"
	})

	err := c.starting(context.Background())
	if err == nil {
		t.Fatal("expected starting to fail")
	}
	if sev, _ := fmdx.Classify(err); sev != fmdx.Fatal {
		t.Fatalf("severity = %v, want Fatal", sev)
	}
}

func TestTuneValidation(t *testing.T) {
	c := testController(t, nil)

	if err := c.Tune(87400); err == nil {
		t.Error("accepted frequency below the FM band")
	}
	if err := c.Tune(108100); err == nil {
		t.Error("accepted frequency above the FM band")
	}
	if err := c.Tune(97300); err != nil {
		t.Errorf("rejected in-band frequency: %v", err)
	}
}

func TestTuneQueueFull(t *testing.T) {
	c := testController(t, func(cfg *Config) {
		cfg.CommandQueueSize = 1
	})

	if err := c.Tune(97300); err != nil {
		t.Fatalf("first tune: %v", err)
	}
	if err := c.Tune(98500); err == nil {
		t.Error("expected an error once the command queue is full")
	}
}

func TestHandleRecord(t *testing.T) {
	c := testController(t, nil)

	c.handleRecord([]byte(`{"freq": 97.3, "ps": "TESTFM", "sig": 42.5}`))

	u := popUpdate(t, c)
	if u.Kind != fmdx.UpdateCurrentFrequency || u.FreqKHz != 97300 {
		t.Fatalf("first update = %v (%d kHz), want CurrentFrequency 97300", u.Kind, u.FreqKHz)
	}
	u = popUpdate(t, c)
	if u.Kind != fmdx.UpdateData {
		t.Fatalf("second update = %v, want Data", u.Kind)
	}
	if got := u.Record.Station(); got != "TESTFM" {
		t.Errorf("station = %q, want TESTFM", got)
	}
}

func TestHandleRecordMalformed(t *testing.T) {
	c := testController(t, nil)

	c.handleRecord([]byte(`{not json`))

	u := popUpdate(t, c)
	if u.Kind != fmdx.UpdateError {
		t.Fatalf("update = %v, want Error", u.Kind)
	}
	if _, ok := c.Updates().TryPop(); ok {
		t.Error("malformed record produced more than one update")
	}
}

func TestRunCommandsUndeliverable(t *testing.T) {
	c := testController(t, nil)

	done := make(chan error, 1)
	go func() { done <- c.runCommands(context.Background()) }()

	c.commands.TryPush(fmdx.TuneRequest(97300))

	u := popUpdate(t, c)
	if u.Kind != fmdx.UpdateStatus || !strings.Contains(u.Text, "undeliverable") {
		t.Fatalf("update = %v %q, want undeliverable status", u.Kind, u.Text)
	}

	c.commands.TryPush(fmdx.StopCommand())
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runCommands: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runCommands did not stop")
	}
}

func TestRunCommandsDelivers(t *testing.T) {
	received := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(msg)
	}))
	defer srv.Close()

	c := testController(t, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	c.sender.Store(conn)

	done := make(chan error, 1)
	go func() { done <- c.runCommands(context.Background()) }()

	c.commands.TryPush(fmdx.TuneRequest(97300))

	select {
	case msg := <-received:
		if msg != "T97300" {
			t.Errorf("server received %q, want T97300", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("tune command never reached the server")
	}

	// The target is reported optimistically, before any server echo.
	u := popUpdate(t, c)
	if u.Kind != fmdx.UpdateCurrentFrequency || u.FreqKHz != 97300 {
		t.Fatalf("update = %v (%d kHz), want CurrentFrequency 97300", u.Kind, u.FreqKHz)
	}

	c.commands.TryPush(fmdx.StopCommand())
	<-done
}

func TestRestartPolicy(t *testing.T) {
	c := testController(t, func(cfg *Config) {
		cfg.StreamEnabled = true
	})

	for _, kind := range []taskKind{taskMetadata, taskAudio, taskCommands} {
		if !c.restartable(kind) {
			t.Errorf("%s should be restartable", kind)
		}
	}
	if c.restartable(taskServer) {
		t.Error("stream server must not be restarted")
	}

	if !c.restartable(taskRelay) {
		t.Error("relay should be restartable while transcoding is enabled")
	}
	c.disableTranscoding("test")
	if c.restartable(taskRelay) {
		t.Error("relay must not restart after transcoding is disabled")
	}
}

func TestDisableTranscodingOnce(t *testing.T) {
	c := testController(t, func(cfg *Config) {
		cfg.StreamEnabled = true
	})

	c.disableTranscoding("first")
	c.disableTranscoding("second")

	u := popUpdate(t, c)
	if u.Kind != fmdx.UpdateStreamStatus || u.Text != "disabled: first" {
		t.Fatalf("update = %v %q, want stream status from the first call", u.Kind, u.Text)
	}
	if _, ok := c.Updates().TryPop(); ok {
		t.Error("repeat disable produced another update")
	}
}

func TestStoppingKillsReapedStraggler(t *testing.T) {
	c := testController(t, func(cfg *Config) {
		cfg.GracePeriod = 200 * time.Millisecond
	})

	// A process that ignores SIGTERM, so Terminate alone never ends it.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := proc.Spawn(logger, "sh", "-c", "trap '' TERM; while :; do sleep 0.1; done")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	c.trackProc(h)

	// The teardown path a connection attempt takes: the handle must stay
	// tracked until the process is really gone.
	c.reapProc(h)

	if err := c.stopping(nil); err != nil {
		t.Fatalf("stopping: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process still alive after stopping returned")
	}
}

func TestRunRelayUnblocksOnCancel(t *testing.T) {
	c := testController(t, func(cfg *Config) {
		cfg.StreamEnabled = true
	})

	// cat with an open stdin produces no output, so the relay read blocks.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := proc.SpawnWithOutput(logger, "cat")
	if err != nil {
		t.Fatalf("SpawnWithOutput: %v", err)
	}
	c.transcoders <- h

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.runRelay(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runRelay: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runRelay still blocked after cancellation")
	}
}

func TestSupervisorFatalStopsEverything(t *testing.T) {
	var upgrades atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgrades.Add(1)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := testController(t, func(cfg *Config) {
		cfg.ServerAddress = srv.URL
		cfg.FFplayPath = "fmdx-test-definitely-missing-binary"
		cfg.RetryInterval = 50 * time.Millisecond
		cfg.SettleDelay = 10 * time.Millisecond
		cfg.GracePeriod = 100 * time.Millisecond
	})

	if err := c.starting(context.Background()); err != nil {
		t.Fatalf("starting: %v", err)
	}

	// The audio task hits the missing player binary and escalates Fatal;
	// the monitor loop must stop every task and return, with no respawns.
	runDone := make(chan error, 1)
	go func() { runDone <- c.running(context.Background()) }()

	var runErr error
	select {
	case runErr = <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after a fatal failure")
	}
	if sev, _ := fmdx.Classify(runErr); sev != fmdx.Fatal {
		t.Fatalf("running returned %v, want a Fatal classification", runErr)
	}

	connected := upgrades.Load()
	time.Sleep(150 * time.Millisecond)
	if n := upgrades.Load(); n != connected {
		t.Errorf("a task reconnected after the fatal stop (%d -> %d upgrades)", connected, n)
	}

	if err := c.stopping(nil); err != nil {
		t.Fatalf("stopping: %v", err)
	}
	_ = c.stopping(nil)

	var fatals, closes int
	for {
		u, ok := c.Updates().TryPop()
		if !ok {
			break
		}
		switch {
		case u.Kind == fmdx.UpdateError && strings.HasPrefix(u.Text, "fatal:"):
			fatals++
		case u.Kind == fmdx.UpdateClosed:
			closes++
		}
	}
	if fatals != 1 {
		t.Errorf("fatal error reported %d times, want 1", fatals)
	}
	if closes != 1 {
		t.Errorf("Closed emitted %d times, want exactly 1", closes)
	}
}

func TestWaitRetry(t *testing.T) {
	ctx := context.Background()

	// No previous attempt: returns immediately.
	start := time.Now()
	if err := waitRetry(ctx, time.Time{}, time.Second); err != nil {
		t.Fatalf("waitRetry: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("first attempt should not be delayed")
	}

	// Interval already elapsed since the attempt started: no extra delay.
	start = time.Now()
	if err := waitRetry(ctx, time.Now().Add(-2*time.Second), time.Second); err != nil {
		t.Fatalf("waitRetry: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("elapsed interval should not be delayed")
	}

	// Otherwise only the remainder is waited out.
	start = time.Now()
	if err := waitRetry(ctx, time.Now().Add(-80*time.Millisecond), 100*time.Millisecond); err != nil {
		t.Fatalf("waitRetry: %v", err)
	}
	if d := time.Since(start); d < 10*time.Millisecond || d > 500*time.Millisecond {
		t.Errorf("waited %v, want roughly the 20ms remainder", d)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := waitRetry(cancelled, time.Now(), time.Minute); err == nil {
		t.Error("cancelled context should end the wait")
	}
}
