package registry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spachava753/dcbothub/internal/models"
	"github.com/spachava753/dcbothub/internal/registry"
)

func shell(script string) models.CommandSpec {
	return models.CommandSpec{Path: "/bin/sh", Args: []string{"-c", script}}
}

// waitExit blocks until p has exited, failing the test after a timeout.
func waitExit(t *testing.T, p *registry.Process) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("waiting for pid %d: %v", p.Pid(), err)
	}
}

func TestSpawnFailure(t *testing.T) {
	p := registry.Spawn(models.CommandSpec{Path: "/nonexistent/bot"})

	st := p.Status()
	if st.State != registry.StateSpawnFailed {
		t.Fatalf("expected spawn failure, got %s", st.State)
	}
	if st.Message == "" {
		t.Error("expected a failure message")
	}
	if p.Pid() != 0 {
		t.Errorf("expected pid 0, got %d", p.Pid())
	}

	err := p.Kill()
	if !errors.Is(err, models.ErrSpawnFailed) || !errors.Is(err, models.ErrNotRunning) {
		t.Errorf("expected ErrSpawnFailed wrapping ErrNotRunning, got %v", err)
	}
	if err := p.SendLine("hi"); !errors.Is(err, models.ErrSpawnFailed) {
		t.Errorf("expected ErrSpawnFailed from SendLine, got %v", err)
	}
	if _, err := p.Collect(); !errors.Is(err, models.ErrSpawnFailed) {
		t.Errorf("expected ErrSpawnFailed from Collect, got %v", err)
	}
}

func TestProcessExitAndCollect(t *testing.T) {
	p := registry.Spawn(shell("echo out; echo err >&2; exit 3"))
	waitExit(t, p)

	st := p.Status()
	if st.State != registry.StateExited || st.ExitCode != 3 {
		t.Fatalf("expected exited 3, got %s", st)
	}
	if got := st.String(); got != "started exited 3" {
		t.Errorf("unexpected status string %q", got)
	}

	out, err := p.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if out.ExitCode != 3 || out.Stdout != "out\n" || out.Stderr != "err\n" {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestProcessKill(t *testing.T) {
	p := registry.Spawn(shell("exec sleep 30"))
	defer p.Close()

	if st := p.Status(); st.State != registry.StateRunning {
		t.Fatalf("expected running, got %s", st.State)
	}
	if _, err := p.Collect(); !errors.Is(err, models.ErrStillRunning) {
		t.Errorf("expected ErrStillRunning, got %v", err)
	}

	if err := p.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	waitExit(t, p)

	if st := p.Status(); st.State != registry.StateExited || st.ExitCode != -1 {
		t.Errorf("expected exited -1 after SIGKILL, got %s", st)
	}
	if err := p.Kill(); !errors.Is(err, models.ErrExited) {
		t.Errorf("expected ErrExited on second kill, got %v", err)
	}
}

func TestProcessSendLine(t *testing.T) {
	p := registry.Spawn(shell(`read line; echo "got $line"`))

	if err := p.SendLine("hello world"); err != nil {
		t.Fatalf("SendLine failed: %v", err)
	}
	waitExit(t, p)

	if err := p.SendLine("again"); !errors.Is(err, models.ErrExited) {
		t.Errorf("expected ErrExited after exit, got %v", err)
	}
	out, err := p.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if out.Stdout != "got hello world\n" {
		t.Errorf("unexpected stdout %q", out.Stdout)
	}
}

func TestProcessTakeIO(t *testing.T) {
	p := registry.Spawn(shell("exec cat"), registry.WithPipedStdout())
	defer p.Close()

	stdin, stdout, err := p.TakeIO()
	if err != nil {
		t.Fatalf("TakeIO failed: %v", err)
	}
	if err := p.SendLine("hi"); !errors.Is(err, models.ErrPipeTaken) {
		t.Errorf("expected ErrPipeTaken, got %v", err)
	}
	if _, _, err := p.TakeIO(); !errors.Is(err, models.ErrPipeTaken) {
		t.Errorf("expected ErrPipeTaken on second take, got %v", err)
	}

	if _, err := stdin.Write([]byte("ping\n")); err != nil {
		t.Fatalf("writing taken stdin: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(stdout, buf); err != nil || string(buf) != "ping\n" {
		t.Errorf("expected echo through taken pipes, got %q (%v)", buf, err)
	}

	// closing the taken stdin ends cat
	_ = stdin.Close()
	waitExit(t, p)
	_ = stdout.Close()

	out, err := p.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if out.Stdout != "" {
		t.Errorf("expected no collected stdout once taken, got %q", out.Stdout)
	}
}

func TestProcessTakeIORequiresPipedStdout(t *testing.T) {
	p := registry.Spawn(shell("echo captured"))
	if _, _, err := p.TakeIO(); !errors.Is(err, models.ErrPipeTaken) {
		t.Errorf("expected ErrPipeTaken for captured stdout, got %v", err)
	}
	waitExit(t, p)

	out, err := p.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if out.Stdout != "captured\n" {
		t.Errorf("unexpected stdout %q", out.Stdout)
	}
}

func TestProcessLargeOutput(t *testing.T) {
	const size = 200000
	p := registry.Spawn(shell(fmt.Sprintf(
		"head -c %d /dev/zero | tr '\\0' a; head -c %d /dev/zero | tr '\\0' b >&2; exit 0", size, size)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("child blocked on a full pipe: %v", err)
	}

	out, err := p.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if out.Stdout != strings.Repeat("a", size) {
		t.Errorf("expected %d bytes of stdout, got %d", size, len(out.Stdout))
	}
	if out.Stderr != strings.Repeat("b", size) {
		t.Errorf("expected %d bytes of stderr, got %d", size, len(out.Stderr))
	}
}

func TestProcessWaitCancelled(t *testing.T) {
	p := registry.Spawn(shell("exec sleep 30"))
	defer func() {
		_ = p.Kill()
		<-p.Done()
		p.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if st := p.Status(); st.State != registry.StateRunning {
		t.Errorf("expected still running, got %s", st.State)
	}
}
