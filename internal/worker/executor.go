package worker

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

var (
	// ErrTimeout means the command outlived its timeout and was killed.
	ErrTimeout = errors.New("command timed out")
	// ErrLaunch means the command could not be started at all.
	ErrLaunch = errors.New("command launch failed")
)

// Result captures one command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  float64 // seconds
}

// RunCommand executes command under /bin/sh -c with the given timeout.
// The command runs in its own process group so that a timeout kills the
// whole tree, not just the shell. A nonzero exit is not an error — it is
// reported through Result.ExitCode; the returned error is non-nil only for
// launch failure (ErrLaunch) or timeout (ErrTimeout, with the partial
// Result still populated).
//
// Deliberately not context-aware: a worker stop signal must never interrupt
// an in-flight command, only the job's own timeout may.
func RunCommand(command string, timeout time.Duration) (*Result, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-done:
		res := &Result{
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
			Elapsed: time.Since(start).Seconds(),
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if waitErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunch, waitErr)
		}
		return res, nil
	case <-timer.C:
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done // reap
		return &Result{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Elapsed:  time.Since(start).Seconds(),
		}, ErrTimeout
	}
}
