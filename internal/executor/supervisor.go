package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spachava753/dcbothub/internal/channel"
	"github.com/spachava753/dcbothub/internal/models"
	"github.com/spachava753/dcbothub/internal/registry"
)

// Supervisor owns the registries and the command channel for the lifetime of
// one run.
type Supervisor struct {
	bots  models.DescriptorSet
	procs *registry.Processes
	tasks *registry.Tasks
	ch    channel.Channel

	termIn  io.Reader
	termOut io.Writer
	prompt  string
}

// NewSupervisor creates a supervisor for bots. in and out back the terminal
// channel used when no control bot is configured; prompt is printed before
// each terminal read when non-empty.
func NewSupervisor(bots models.DescriptorSet, in io.Reader, out io.Writer, prompt string) *Supervisor {
	return &Supervisor{
		bots:    bots,
		procs:   registry.NewProcesses(),
		tasks:   registry.NewTasks(),
		termIn:  in,
		termOut: out,
		prompt:  prompt,
	}
}

// Start spawns every bot and binds the command channel. A control bot that
// fails to spawn is fatal; other spawn failures are recorded and reported
// through status queries.
func (s *Supervisor) Start() error {
	for _, name := range s.bots.Names() {
		bot, _ := s.bots.Lookup(name)
		s.procs.Spawn(bot, s.spawnOptions(name)...)
	}

	if s.bots.ControlBot == "" {
		s.ch = channel.NewTerminal(s.termIn, s.termOut, s.prompt)
		slog.Info("command channel bound", "binding", s.ch.Binding().String())
		return nil
	}

	p, ok := s.procs.Get(s.bots.ControlBot)
	if !ok {
		return fmt.Errorf("control bot %s has no process record", s.bots.ControlBot)
	}
	stdin, stdout, err := takeControlIO(s.bots.ControlBot, p)
	if err != nil {
		return err
	}
	s.ch = channel.NewControlBot(s.bots.ControlBot, stdin, stdout)
	slog.Info("command channel bound", "binding", s.ch.Binding().String(), "pid", p.Pid())
	return nil
}

// Run dispatches commands until exit, EOF on the channel or ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.ch == nil {
		return fmt.Errorf("supervisor not started")
	}
	var restart RestartFunc
	if s.bots.ControlBot != "" {
		restart = s.restartControl
	}
	return NewDispatcher(s.bots, s.procs, s.tasks, s.ch, restart).Run(ctx)
}

// Shutdown kills and reaps every remaining bot and task and releases the
// channel's pipes.
func (s *Supervisor) Shutdown() {
	slog.Info("shutting down")
	s.procs.KillAll()
	s.tasks.KillAll()
	if c, ok := s.ch.(io.Closer); ok {
		_ = c.Close()
	}
}

// restartControl kills the control bot, spawns it again and points the
// channel at the new process. It writes no response.
func (s *Supervisor) restartControl(context.Context) error {
	bot, ok := s.bots.Lookup(s.bots.ControlBot)
	if !ok {
		return fmt.Errorf("control bot %s is not defined", s.bots.ControlBot)
	}
	p := s.procs.Respawn(bot, registry.WithPipedStdout())
	stdin, stdout, err := takeControlIO(bot.Name, p)
	if err != nil {
		return err
	}
	if err := s.ch.Rebind(stdin, stdout); err != nil {
		return fmt.Errorf("rebinding channel: %w", err)
	}
	slog.Info("control bot restarted", "bot", bot.Name, "pid", p.Pid())
	return nil
}

// spawnOptions keeps the control bot's stdout unread so the channel can take
// it.
func (s *Supervisor) spawnOptions(name string) []registry.SpawnOption {
	if name == s.bots.ControlBot {
		return []registry.SpawnOption{registry.WithPipedStdout()}
	}
	return nil
}

func takeControlIO(name string, p *registry.Process) (io.WriteCloser, io.ReadCloser, error) {
	if st := p.Status(); st.State == registry.StateSpawnFailed {
		return nil, nil, fmt.Errorf("starting control bot %s: %s", name, st.Message)
	}
	stdin, stdout, err := p.TakeIO()
	if err != nil {
		return nil, nil, fmt.Errorf("taking control bot %s pipes: %w", name, err)
	}
	return stdin, stdout, nil
}
