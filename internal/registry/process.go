package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/dcbothub/internal/models"
)

// State is the lifecycle state of a process record.
type State int

const (
	// StateRunning means the child was started and no status check has seen
	// it exit.
	StateRunning State = iota
	// StateSpawnFailed means the OS refused to start the child. It is terminal.
	StateSpawnFailed
	// StateExited means a status check observed termination. It is terminal.
	StateExited
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSpawnFailed:
		return "failed"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Status is a point-in-time view of a record.
type Status struct {
	State    State
	ExitCode int    // valid for StateExited
	Message  string // valid for StateSpawnFailed
}

// String renders the status the way responses carry it.
func (s Status) String() string {
	switch s.State {
	case StateRunning:
		return "started running"
	case StateExited:
		return fmt.Sprintf("started exited %d", s.ExitCode)
	default:
		return "failed " + s.Message
	}
}

// Output is what a concluded process leaves behind.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Process is one supervised child and its pipes.
//
// Only the dispatcher goroutine calls methods on a Process; the reaper
// goroutine communicates with it solely through the done channel.
type Process struct {
	state   State
	failure string
	code    int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser // set only for WithPipedStdout, until TakeIO
	files  []*os.File    // parent ends of the output pipes

	// drains copy captured output into the buffers as the child writes it, so
	// a chatty child never blocks on a full pipe. The buffers are read only
	// after drains.Wait.
	drains         errgroup.Group
	stdoutCaptured strings.Builder
	stderrCaptured strings.Builder

	done     chan struct{}
	waitCode int // written by the reaper before done is closed
}

// SpawnOption changes how Spawn wires a child's streams.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	pipedStdout bool
}

// WithPipedStdout leaves stdout unread so TakeIO can hand it to the control
// channel. Without it stdout is captured like stderr.
func WithPipedStdout() SpawnOption {
	return func(c *spawnConfig) { c.pipedStdout = true }
}

// Spawn starts spec with all three standard streams piped and starts
// capturing its output. It never returns nil: a start failure is recorded as
// a SpawnFailed record.
func Spawn(spec models.CommandSpec, opts ...SpawnOption) *Process {
	var cfg spawnConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	p, err := start(spec, cfg)
	if err != nil {
		return &Process{state: StateSpawnFailed, failure: err.Error()}
	}
	return p
}

func start(spec models.CommandSpec, cfg spawnConfig) (*Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	// os.Pipe instead of cmd.StdoutPipe: Wait closes the latter as soon as
	// the child exits, which would cut a capture short.
	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	parentEnds, childEnds = append(parentEnds, inW), append(childEnds, inR)

	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	parentEnds, childEnds = append(parentEnds, outR), append(childEnds, outW)

	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	parentEnds, childEnds = append(parentEnds, errR), append(childEnds, errW)

	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, err
	}
	closeAll(childEnds)

	p := &Process{
		state: StateRunning,
		cmd:   cmd,
		stdin: inW,
		files: []*os.File{outR, errR},
		done:  make(chan struct{}),
	}
	if cfg.pipedStdout {
		p.stdout = outR
	} else {
		p.drains.Go(func() error { return drainInto(&p.stdoutCaptured, outR) })
	}
	p.drains.Go(func() error { return drainInto(&p.stderrCaptured, errR) })
	go p.reap()
	return p, nil
}

// reap waits for the child and publishes its exit code.
func (p *Process) reap() {
	_ = p.cmd.Wait()
	// ExitCode is -1 when the child was terminated by a signal.
	p.waitCode = p.cmd.ProcessState.ExitCode()
	close(p.done)
}

// Status polls the record without blocking. The first poll that sees the
// child gone moves it to StateExited.
func (p *Process) Status() Status {
	if p.state == StateRunning {
		select {
		case <-p.done:
			p.state = StateExited
			p.code = p.waitCode
		default:
		}
	}
	return Status{State: p.state, ExitCode: p.code, Message: p.failure}
}

// Pid returns the OS process id, or 0 for a record that never started.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill sends SIGKILL to a running child.
func (p *Process) Kill() error {
	switch p.Status().State {
	case StateSpawnFailed:
		return models.ErrSpawnFailed
	case StateExited:
		return models.ErrExited
	}
	if err := p.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return models.ErrExited
		}
		return fmt.Errorf("killing pid %d: %w", p.Pid(), err)
	}
	return nil
}

// SendLine writes text and a newline to the child's stdin.
func (p *Process) SendLine(text string) error {
	switch p.Status().State {
	case StateSpawnFailed:
		return models.ErrSpawnFailed
	case StateExited:
		return models.ErrExited
	}
	if p.stdin == nil {
		return models.ErrPipeTaken
	}
	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		// A write racing the child's exit surfaces as EPIPE.
		select {
		case <-p.done:
			return models.ErrExited
		default:
		}
		return fmt.Errorf("writing to pid %d: %w", p.Pid(), err)
	}
	return nil
}

// Wait blocks until the child exits or ctx is done. It reports whether the
// child had already exited before the call.
func (p *Process) Wait(ctx context.Context) (alreadyExited bool, err error) {
	switch p.Status().State {
	case StateSpawnFailed:
		return false, models.ErrSpawnFailed
	case StateExited:
		return true, nil
	}
	select {
	case <-p.done:
		p.Status()
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Done is closed when the child has been reaped. It is nil for records that
// never started.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// TakeIO hands the stdin/stdout pair to the caller. It requires a record
// spawned WithPipedStdout. Later SendLine calls return ErrPipeTaken and
// collected stdout is empty.
func (p *Process) TakeIO() (stdin io.WriteCloser, stdout io.ReadCloser, err error) {
	if p.state == StateSpawnFailed {
		return nil, nil, models.ErrSpawnFailed
	}
	if p.stdin == nil || p.stdout == nil {
		return nil, nil, models.ErrPipeTaken
	}
	p.files = slices.DeleteFunc(p.files, func(f *os.File) bool { return f == p.stdout })
	stdin, stdout = p.stdin, p.stdout
	p.stdin, p.stdout = nil, nil
	return stdin, stdout, nil
}

// Collect returns everything the child wrote to stdout and stderr. It
// requires the child to have exited and waits for the capture to reach EOF.
func (p *Process) Collect() (Output, error) {
	switch p.Status().State {
	case StateSpawnFailed:
		return Output{}, models.ErrSpawnFailed
	case StateRunning:
		return Output{}, models.ErrStillRunning
	}

	var piped strings.Builder
	var g errgroup.Group
	if p.stdout != nil {
		// piped but never taken
		g.Go(func() error { return drainInto(&piped, p.stdout) })
	}
	g.Go(p.drains.Wait)
	if err := g.Wait(); err != nil {
		return Output{}, fmt.Errorf("reading output of pid %d: %w", p.Pid(), err)
	}
	return Output{
		ExitCode: p.code,
		Stdout:   p.stdoutCaptured.String() + piped.String(),
		Stderr:   p.stderrCaptured.String(),
	}, nil
}

func drainInto(sb *strings.Builder, r io.Reader) error {
	if _, err := io.Copy(sb, r); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Close releases whatever pipe ends the record still holds. A capture still
// in progress stops with what it has read.
func (p *Process) Close() {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
	for _, f := range p.files {
		_ = f.Close()
	}
	p.stdin, p.stdout, p.files = nil, nil, nil
}

// terminate kills a still-running child and waits for it to be reaped.
func (p *Process) terminate() {
	if p.Status().State == StateRunning {
		if err := p.cmd.Process.Kill(); err == nil || errors.Is(err, os.ErrProcessDone) {
			<-p.done
			p.Status()
		}
	}
	p.Close()
}
