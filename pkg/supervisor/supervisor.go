//go:build linux

package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jsturma/joblet/pkg/log"
	"github.com/jsturma/joblet/pkg/logbus"
	"github.com/jsturma/joblet/pkg/sandbox"
	"github.com/jsturma/joblet/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// InitCommand is the hidden argv[1] the engine re-execs itself with to
// become the in-sandbox init shim.
const InitCommand = "sandbox-init"

const maxLogLine = 256 * 1024

// shimSpec is what the parent hands the shim over fd 3
type shimSpec struct {
	Argv      []string `json:"argv"`
	Env       []string `json:"env"`
	RootDir   string   `json:"rootDir,omitempty"`
	WorkDir   string   `json:"workDir"`
	NetNSPath string   `json:"netNsPath,omitempty"`
}

// Result is the outcome of a supervised process
type Result struct {
	ExitCode int
	Signaled bool
}

// Handle tracks one running job process
type Handle struct {
	JobID string

	pid   int
	pidfd int
	done  chan struct{}

	mu     sync.Mutex
	result Result
}

// Done is closed once the process has been reaped
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result is valid after Done is closed
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Supervisor launches sandboxed processes and reaps their exits
type Supervisor struct {
	bus    *logbus.Bus
	grace  time.Duration
	logger zerolog.Logger
}

// New creates a supervisor. grace is the SIGTERM-to-SIGKILL window.
func New(bus *logbus.Bus, grace time.Duration) *Supervisor {
	return &Supervisor{
		bus:    bus,
		grace:  grace,
		logger: log.WithComponent("supervisor"),
	}
}

// Launch re-execs the engine binary as the sandbox init shim, places the
// child into the prepared cgroup before it execs the payload, and tees its
// stdio into the log bus. Returns once the payload has exec'd inside the
// sandbox, or with an error if the shim failed before exec; exit is reaped
// on a background goroutine and reported via the handle.
func (s *Supervisor) Launch(ctx context.Context, spec *sandbox.LaunchSpec) (*Handle, error) {
	cgf, err := os.OpenFile(spec.CgroupPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open cgroup: %w", err)
	}
	defer cgf.Close()

	specR, specW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create spec pipe: %w", err)
	}
	defer specR.Close()

	barrierR, barrierW, err := os.Pipe()
	if err != nil {
		specW.Close()
		return nil, fmt.Errorf("failed to create barrier pipe: %w", err)
	}
	defer barrierR.Close()

	cmd := exec.Command("/proc/self/exe", InitCommand)
	cmd.Env = []string{}                         // the shim takes its env from the spec
	cmd.ExtraFiles = []*os.File{specR, barrierW} // fds 3 and 4
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:     true,
		UseCgroupFD: true,
		CgroupFD:    int(cgf.Fd()),
	}
	if spec.RootDir != "" {
		// private mount and pid namespaces for non-host runtimes
		cmd.SysProcAttr.Cloneflags = syscall.CLONE_NEWNS | syscall.CLONE_NEWPID
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		specW.Close()
		barrierW.Close()
		return nil, fmt.Errorf("failed to pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		specW.Close()
		barrierW.Close()
		return nil, fmt.Errorf("failed to pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		specW.Close()
		barrierW.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// the child holds its own copy now; ours must close or the barrier
	// read below never sees EOF
	barrierW.Close()

	// hand the shim its marching orders; it blocks on fd 3 until EOF
	enc := json.NewEncoder(specW)
	writeErr := enc.Encode(shimSpec{
		Argv:      spec.Argv,
		Env:       spec.Env,
		RootDir:   spec.RootDir,
		WorkDir:   spec.WorkDir,
		NetNSPath: spec.NetNSPath,
	})
	specW.Close()
	if writeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to write shim spec: %w", writeErr)
	}

	// exec barrier: block until the payload has exec'd (clean EOF on fd 4)
	// or the shim reported why it could not
	if err := awaitExec(barrierR); err != nil {
		_ = cmd.Wait()
		return nil, err
	}

	h := &Handle{
		JobID: spec.JobID,
		pid:   cmd.Process.Pid,
		pidfd: -1,
		done:  make(chan struct{}),
	}
	if fd, err := unix.PidfdOpen(h.pid, 0); err == nil {
		h.pidfd = fd
	}

	var tee sync.WaitGroup
	tee.Add(2)
	go func() { defer tee.Done(); s.tee(spec.JobID, types.ChannelStdout, stdout) }()
	go func() { defer tee.Done(); s.tee(spec.JobID, types.ChannelStderr, stderr) }()

	go s.reap(cmd, h, &tee)

	lg := log.WithJobID(s.logger, spec.JobID)
	lg.Info().Int("pid", h.pid).Msg("process started")
	return h, nil
}

// awaitExec blocks until the child's barrier fd closes. The shim's copy is
// close-on-exec, so a clean EOF means the payload is running; any bytes on
// the pipe are the shim's failure report.
func awaitExec(r io.Reader) error {
	msg, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read exec barrier: %w", err)
	}
	if len(msg) > 0 {
		return fmt.Errorf("sandbox init failed: %s", bytes.TrimSpace(msg))
	}
	return nil
}

// tee copies one stdio stream into the log bus line by line
func (s *Supervisor) tee(jobID string, ch types.LogChannel, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		s.bus.Append(jobID, ch, line)
	}
	if err := sc.Err(); err != nil && err != io.ErrClosedPipe {
		s.logger.Debug().Err(err).Str("job_id", jobID).Msg("stdio stream ended")
	}
}

func (s *Supervisor) reap(cmd *exec.Cmd, h *Handle, tee *sync.WaitGroup) {
	tee.Wait() // stdio pipes must drain before Wait closes them
	err := cmd.Wait()

	res := Result{}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		res = resultFromWaitStatus(ws)
	} else if err != nil {
		res.ExitCode = 1
	}

	h.mu.Lock()
	h.result = res
	h.mu.Unlock()

	if h.pidfd >= 0 {
		unix.Close(h.pidfd)
	}

	s.bus.Append(h.JobID, types.ChannelSystem, []byte(fmt.Sprintf("exited rc=%d", res.ExitCode)))
	lg := log.WithJobID(s.logger, h.JobID)
	lg.Info().Int("exit_code", res.ExitCode).
		Bool("signaled", res.Signaled).Msg("process exited")
	close(h.done)
}

// resultFromWaitStatus maps a wait status to the reported exit code; signal
// deaths report 128+signum.
func resultFromWaitStatus(ws syscall.WaitStatus) Result {
	if ws.Signaled() {
		return Result{ExitCode: 128 + int(ws.Signal()), Signaled: true}
	}
	return Result{ExitCode: ws.ExitStatus()}
}

// Signal delivers sig to the process, preferring the pidfd (race-free
// against pid reuse) and falling back to the process group.
func (s *Supervisor) Signal(h *Handle, sig syscall.Signal) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if h.pidfd >= 0 {
		if err := unix.PidfdSendSignal(h.pidfd, sig, nil, 0); err == nil || err == unix.ESRCH {
			return nil
		}
	}
	if err := syscall.Kill(-h.pid, sig); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to signal pid %d: %w", h.pid, err)
	}
	return nil
}

// Stop terminates the process: SIGTERM, then SIGKILL after the grace window.
// Blocks until the process is reaped or ctx expires.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) error {
	if err := s.Signal(h, syscall.SIGTERM); err != nil {
		return err
	}
	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	s.logger.Warn().Str("job_id", h.JobID).Dur("grace", s.grace).Msg("grace expired, killing")
	if err := s.Signal(h, syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
