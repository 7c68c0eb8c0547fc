package worker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"dynamo.dev/internal/dlog"
)

// Spec describes one action to run: the script location, its arguments,
// and whether it is permitted to emit mutations.
type Spec struct {
	ActionID     uint64
	Path         string // directory containing exec.py
	Args         string
	WriteEnabled bool
	// ReadOnlyRegistryDSN and ReadOnlyInventoryDSN are passed to the child
	// via environment so it opens its own read-only connections, per the
	// "each child must open its own connections" rule — connection
	// sharing across processes is a hard error.
	ReadOnlyRegistryDSN  string
	ReadOnlyInventoryDSN string
}

// Handle is a live child process, returned by Start.
type Handle struct {
	Spec    Spec
	cmd     *exec.Cmd
	Records <-chan Record // nil for read-only workers
	started time.Time

	mu       sync.Mutex
	killed   bool
	pipeR    *os.File
	stdoutF  *os.File
	stderrF  *os.File
	waitOnce sync.Once
	waitErr  error
}

var log = dlog.WithComponent("worker")

// Start launches the action's script as a child process: stdio is
// redirected to <path>/_stdout and <path>/_stderr in append mode, stdin
// reads from the null device, and — for write-enabled actions — an extra pipe (fd 3 in the
// child) carries the mutation stream back to the parent.
//
// The child is placed in its own process group so Terminate can signal it
// (and anything it has spawned) as a unit.
func Start(spec Spec) (*Handle, error) {
	scriptPath := filepath.Join(spec.Path, "exec.py")
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("script not found: %w", err)
	}

	stdoutF, err := os.OpenFile(filepath.Join(spec.Path, "_stdout"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening _stdout: %w", err)
	}
	stderrF, err := os.OpenFile(filepath.Join(spec.Path, "_stderr"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		stdoutF.Close()
		return nil, fmt.Errorf("opening _stderr: %w", err)
	}

	cmd := exec.Command(scriptPath, splitArgs(spec.Args)...)
	cmd.Stdout = stdoutF
	cmd.Stderr = stderrF
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"DYNAMO_REGISTRY_DSN="+spec.ReadOnlyRegistryDSN,
		"DYNAMO_INVENTORY_DSN="+spec.ReadOnlyInventoryDSN,
	)

	h := &Handle{Spec: spec, cmd: cmd, started: time.Now(), stdoutF: stdoutF, stderrF: stderrF}

	var recvCh chan Record
	if spec.WriteEnabled {
		pr, pw, err := os.Pipe()
		if err != nil {
			stdoutF.Close()
			stderrF.Close()
			return nil, fmt.Errorf("creating mutation pipe: %w", err)
		}
		cmd.ExtraFiles = []*os.File{pw}
		h.pipeR = pr
		recvCh = make(chan Record, 16)
		h.Records = recvCh
	}

	if err := cmd.Start(); err != nil {
		stdoutF.Close()
		stderrF.Close()
		if h.pipeR != nil {
			h.pipeR.Close()
		}
		return nil, fmt.Errorf("starting worker for action %d: %w", spec.ActionID, err)
	}

	// The child holds the write end; the parent must close its own copy
	// so EOF is observed once the child exits.
	if len(cmd.ExtraFiles) == 1 {
		cmd.ExtraFiles[0].Close()
	}

	if recvCh != nil {
		go pump(h.pipeR, recvCh, spec.ActionID)
	}

	log.WithFields(logrus.Fields{"action_id": spec.ActionID, "pid": cmd.Process.Pid}).Info("worker started")
	return h, nil
}

func pump(r *os.File, out chan<- Record, actionID uint64) {
	defer close(out)
	defer r.Close()
	dec := NewDecoder(r)
	for {
		rec, err := dec.Decode()
		if err != nil {
			return
		}
		out <- rec
		if rec.Tag == TagEOM {
			return
		}
	}
}

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Wait blocks until the process exits and returns its exit code. Safe to
// call only once per Handle; callers should poll liveness with TryWait
// instead if they need non-blocking checks.
func (h *Handle) Wait() (exitCode int, err error) {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
	})
	h.stdoutF.Close()
	h.stderrF.Close()
	if h.waitErr == nil {
		return 0, nil
	}
	if exitErr, ok := h.waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, h.waitErr
}

// TryWait performs a non-blocking liveness check, returning done=false if
// the process is still running.
func (h *Handle) TryWait() (done bool, exitCode int, err error) {
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(h.cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
	if err != nil {
		return false, 0, err
	}
	if pid == 0 {
		return false, 0, nil
	}
	h.waitOnce.Do(func() {})
	h.stdoutF.Close()
	h.stderrF.Close()
	return true, ws.ExitStatus(), nil
}

// Terminate sends SIGTERM to the process group and waits up to grace for
// exit before escalating. It returns once the process has actually exited.
func (h *Handle) Terminate(grace time.Duration) error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()

	pgid := h.cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		h.cmd.Process.Wait() //nolint:errcheck
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
		return nil
	}
}

// Killed reports whether Terminate has been invoked on this handle.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func splitArgs(args string) []string {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	return strings.Fields(args)
}
