package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// capLimit bounds captured output per stream so a chatty script cannot
// exhaust memory. The tail is what matters for diagnostics.
const capLimit = 1 << 20 // 1 MiB

// cappedBuffer keeps at most limit bytes, discarding the oldest half when
// the cap is exceeded.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n, err := b.buf.Write(p)
	if b.limit > 0 && b.buf.Len() > b.limit {
		data := b.buf.Bytes()
		keep := append([]byte(nil), data[len(data)-b.limit/2:]...)
		b.buf.Reset()
		b.buf.Write(keep)
		b.truncated = true
	}
	return n, err
}

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }

// newCommand builds an exec.Cmd with process-group isolation so the whole
// subprocess tree can be terminated together, and a Cancel hook that kills
// the group (not just the immediate child) on context cancellation.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid targets the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

// runCapture starts cmd, drains stdout/stderr concurrently, then waits.
//
// Draining before Wait is load-bearing: if the child writes more than the
// pipe buffer while we're blocked in Wait, both sides deadlock.
func runCapture(cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	outBuf := &cappedBuffer{limit: capLimit}
	errBuf := &cappedBuffer{limit: capLimit}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(outBuf, outPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(errBuf, errPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	return outBuf.Bytes(), errBuf.Bytes(), waitErr
}

// exitCode extracts the child's exit code from a Wait error.
// Returns -1 when the process did not run to completion (killed, not started).
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() >= 0 {
		return ee.ExitCode()
	}
	return -1
}

// tail returns at most n trailing bytes of b as a string.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
