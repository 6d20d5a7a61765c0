// Package channel carries commands in and responses out, either over the
// local terminal or over the stdio pipes of the control bot.
package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spachava753/dcbothub/internal/models"
)

// Binding names the transport a channel is bound to.
type Binding struct {
	ControlBot string // empty = terminal
}

// IsTerminal reports whether the binding is the local terminal.
func (b Binding) IsTerminal() bool {
	return b.ControlBot == ""
}

// String returns "terminal" or "control_bot(<name>)".
func (b Binding) String() string {
	if b.IsTerminal() {
		return "terminal"
	}
	return fmt.Sprintf("control_bot(%s)", b.ControlBot)
}

// Channel is where commands come from and responses go.
type Channel interface {
	// ReadLine blocks for the next command line. It returns io.EOF when the
	// transport has no more input.
	ReadLine(ctx context.Context) (string, error)

	// WriteResponse writes one command's response.
	WriteResponse(body string) error

	// Rebind replaces the underlying pipe pair. Only control-bot channels
	// support it.
	Rebind(stdin io.WriteCloser, stdout io.ReadCloser) error

	Binding() Binding
}

type readResult struct {
	line string
	err  error
}

// Terminal reads commands from a line-oriented input and writes responses
// unframed.
type Terminal struct {
	in     *bufio.Reader
	out    io.Writer
	prompt string

	once  sync.Once
	lines chan readResult
}

// NewTerminal creates a terminal channel. A non-empty prompt is printed
// before every read.
func NewTerminal(in io.Reader, out io.Writer, prompt string) *Terminal {
	return &Terminal{
		in:     bufio.NewReader(in),
		out:    out,
		prompt: prompt,
		lines:  make(chan readResult),
	}
}

// pump feeds input lines to ReadLine so a pending read can be abandoned when
// the context ends.
func (t *Terminal) pump() {
	for {
		line, err := t.in.ReadString('\n')
		if line != "" {
			t.lines <- readResult{line: line}
		}
		if err != nil {
			t.lines <- readResult{err: err}
			return
		}
	}
}

// ReadLine returns the next non-empty line without its newline.
func (t *Terminal) ReadLine(ctx context.Context) (string, error) {
	t.once.Do(func() { go t.pump() })
	for {
		if t.prompt != "" {
			if _, err := io.WriteString(t.out, t.prompt); err != nil {
				return "", fmt.Errorf("writing prompt: %w", err)
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-t.lines:
			if res.err != nil {
				return "", res.err
			}
			line := strings.TrimRight(res.line, "\r\n")
			if strings.TrimSpace(line) == "" {
				continue
			}
			return line, nil
		}
	}
}

// WriteResponse prints body as is.
func (t *Terminal) WriteResponse(body string) error {
	if _, err := io.WriteString(t.out, body); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// Rebind is not supported on the terminal.
func (t *Terminal) Rebind(io.WriteCloser, io.ReadCloser) error {
	return models.ErrNotApplicable
}

// Binding returns the terminal binding.
func (t *Terminal) Binding() Binding {
	return Binding{}
}

// ControlBot speaks the framed protocol over a control bot's stdio. Requests
// are read from the bot's stdout; responses go to its stdin.
type ControlBot struct {
	name string

	// mu orders reads, writes and Rebind against each other.
	mu     sync.Mutex
	stdin  io.WriteCloser
	stdout io.ReadCloser
	r      *bufio.Reader
	w      *bufio.Writer
}

// NewControlBot binds a channel to the given control bot pipes.
func NewControlBot(name string, stdin io.WriteCloser, stdout io.ReadCloser) *ControlBot {
	return &ControlBot{
		name:   name,
		stdin:  stdin,
		stdout: stdout,
		r:      bufio.NewReader(stdout),
		w:      bufio.NewWriter(stdin),
	}
}

// ReadLine reads one request line. A final line without a newline is still
// returned; after it the channel reports io.EOF.
func (c *ControlBot) ReadLine(ctx context.Context) (string, error) {
	ch := make(chan readResult, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		line, err := c.r.ReadString('\n')
		ch <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.line != "" {
			return strings.TrimRight(res.line, "\r\n"), nil
		}
		if res.err != nil {
			return "", res.err
		}
		return "", nil
	}
}

// WriteResponse writes body framed with its line count in one flush.
func (c *ControlBot) WriteResponse(body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.w, body)
}

// Rebind swaps in the pipes of a freshly spawned control bot and closes the
// old pair. The next ReadLine reads from the new process.
func (c *ControlBot) Rebind(stdin io.WriteCloser, stdout io.ReadCloser) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldIn, oldOut := c.stdin, c.stdout
	c.stdin, c.stdout = stdin, stdout
	c.r = bufio.NewReader(stdout)
	c.w = bufio.NewWriter(stdin)
	_ = oldIn.Close()
	_ = oldOut.Close()
	return nil
}

// Binding returns the control bot binding.
func (c *ControlBot) Binding() Binding {
	return Binding{ControlBot: c.name}
}

// Close releases the current pipe pair. It does not wait for a pending read,
// which then fails, and must not race Rebind.
func (c *ControlBot) Close() error {
	errIn := c.stdin.Close()
	if err := c.stdout.Close(); err != nil {
		return err
	}
	return errIn
}
