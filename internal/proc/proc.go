// Package proc wraps one external media process with piped stdio and a
// terminate-then-kill shutdown protocol.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// ErrExecutableNotFound reports that the binary is absent from PATH.
var ErrExecutableNotFound = errors.New("executable not found")

// ErrSpawn reports any other OS-level failure to start the process.
var ErrSpawn = errors.New("spawn failed")

// Stderr lines containing these substrings are routine decoder chatter from
// ffplay/ffmpeg on a live stream and are not worth logging.
var benignStderr = []string{
	"header missing",
	"invalid data",
}

// Handle owns one spawned process. Stdin writes stop permanently once
// Terminate has been called.
type Handle struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	mtx        sync.Mutex
	terminated bool
	exitCode   int
	exited     bool
	state      *os.ProcessState

	stderrDone chan struct{}
	waitDone   chan struct{}
}

// Spawn starts name with args, piping stdin and stderr. Stdout is discarded;
// use SpawnWithOutput for a process whose output is consumed. A background
// goroutine drains stderr, filtering known-benign diagnostics.
func Spawn(logger *slog.Logger, name string, args ...string) (*Handle, error) {
	return spawn(logger, false, name, args...)
}

// SpawnWithOutput starts name with args and additionally captures stdout on
// a plain OS pipe, so the consumer can drain the final buffered output after
// the process exits. The consumer owns closing Stdout once it is done.
func SpawnWithOutput(logger *slog.Logger, name string, args ...string) (*Handle, error) {
	return spawn(logger, true, name, args...)
}

func spawn(logger *slog.Logger, withOutput bool, name string, args ...string) (*Handle, error) {
	cmd := exec.Command(name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s stdin: %v", ErrSpawn, name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s stderr: %v", ErrSpawn, name, err)
	}

	// Stdout bypasses exec's pipe management: cmd.Wait must not close the
	// read end while the consumer is still draining the tail.
	var outRead, outWrite *os.File
	if withOutput {
		outRead, outWrite, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %s stdout: %v", ErrSpawn, name, err)
		}
		cmd.Stdout = outWrite
	}

	if err := cmd.Start(); err != nil {
		if outRead != nil {
			_ = outRead.Close()
			_ = outWrite.Close()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, name, err)
	}
	if outWrite != nil {
		// The child holds its own copy; ours would keep the read end from
		// ever seeing EOF.
		_ = outWrite.Close()
	}

	h := &Handle{
		name:       name,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     outRead,
		logger:     logger.With("proc", name, "pid", cmd.Process.Pid),
		stderrDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}

	go h.drainStderr(stderr)
	go h.wait()

	h.logger.Debug("process started")
	return h, nil
}

// wait reaps the process. The stderr pipe is exec-managed, so Wait runs only
// after the drain goroutine has read it to EOF.
func (h *Handle) wait() {
	<-h.stderrDone
	err := h.cmd.Wait()

	h.mtx.Lock()
	h.exited = true
	h.state = h.cmd.ProcessState
	h.exitCode = 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			h.exitCode = ee.ExitCode()
		} else {
			h.exitCode = -1
		}
	}
	h.mtx.Unlock()
	close(h.waitDone)
}

func (h *Handle) drainStderr(r io.Reader) {
	defer close(h.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isBenign(line) {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "warning") {
			h.logger.Warn("process stderr", "line", line)
		} else {
			h.logger.Debug("process stderr", "line", line)
		}
	}
}

func isBenign(line string) bool {
	lower := strings.ToLower(line)
	for _, s := range benignStderr {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Name returns the executable name the handle was spawned with.
func (h *Handle) Name() string { return h.name }

// PID returns the OS process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Stdout returns the process output stream. It is nil unless the handle was
// created with SpawnWithOutput; the caller closes it when done reading.
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }

// Write feeds b to the process stdin. Writes after Terminate are refused so
// a process marked for termination is never written to again.
func (h *Handle) Write(b []byte) (int, error) {
	h.mtx.Lock()
	if h.terminated {
		h.mtx.Unlock()
		return 0, io.ErrClosedPipe
	}
	h.mtx.Unlock()
	return h.stdin.Write(b)
}

// Exited reports the exit code once the process has finished. The second
// return is false while the process is still running.
func (h *Handle) Exited() (int, bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.exitCode, h.exited
}

// ExpectedExit reports whether the process ended the way our own teardown
// ends it: a clean exit, or death by the SIGTERM/SIGKILL that Terminate and
// Kill send. Any other signal (a crash) is unexpected.
func (h *Handle) ExpectedExit() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if !h.exited {
		return false
	}
	if h.exitCode == 0 {
		return true
	}
	if h.state == nil {
		return false
	}
	if ws, ok := h.state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal() == syscall.SIGTERM || ws.Signal() == syscall.SIGKILL
	}
	return false
}

// Terminate closes stdin best-effort and sends SIGTERM. It returns without
// waiting: callers that need certainty observe Exited later and escalate to
// Kill.
func (h *Handle) Terminate() {
	h.mtx.Lock()
	if h.terminated {
		h.mtx.Unlock()
		return
	}
	h.terminated = true
	h.mtx.Unlock()

	_ = h.stdin.Close()

	if _, done := h.Exited(); done {
		return
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		h.logger.Debug("terminate signal failed", "err", err)
	}
}

// Kill force-kills the process if it is still alive. Safe to call at any
// point after Terminate; this is the final safety net against orphans.
func (h *Handle) Kill() {
	h.Terminate()
	if _, done := h.Exited(); done {
		return
	}
	_ = h.cmd.Process.Kill()
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.waitDone }
