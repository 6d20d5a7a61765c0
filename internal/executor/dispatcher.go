package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spachava753/dcbothub/internal/channel"
	"github.com/spachava753/dcbothub/internal/command"
	"github.com/spachava753/dcbothub/internal/models"
	"github.com/spachava753/dcbothub/internal/registry"
)

// RestartFunc replaces the control bot and rebinds the channel to it.
type RestartFunc func(ctx context.Context) error

// Dispatcher reads commands from a channel, applies them to the registries
// and writes the responses back. It is the only goroutine that touches the
// registries.
type Dispatcher struct {
	bots    models.DescriptorSet
	procs   *registry.Processes
	tasks   *registry.Tasks
	ch      channel.Channel
	restart RestartFunc
}

// NewDispatcher creates a dispatcher over the given registries and channel.
// restart may be nil when no control bot is configured.
func NewDispatcher(bots models.DescriptorSet, procs *registry.Processes, tasks *registry.Tasks, ch channel.Channel, restart RestartFunc) *Dispatcher {
	return &Dispatcher{
		bots:    bots,
		procs:   procs,
		tasks:   tasks,
		ch:      ch,
		restart: restart,
	}
}

// Run loops until exit is requested, the channel reaches EOF or ctx is done.
// A transport failure or a failed control-bot restart is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		line, err := d.ch.ReadLine(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				slog.Info("command channel closed", "binding", d.ch.Binding().String())
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("reading command: %w", err)
			}
		}

		cmd, err := command.Parse(line)
		if err != nil {
			var perr *command.ParseError
			if !errors.As(err, &perr) {
				return err
			}
			slog.Debug("rejected command", "line", line)
			if err := d.ch.WriteResponse(perr.Diagnostic); err != nil {
				return fmt.Errorf("writing diagnostic: %w", err)
			}
			continue
		}

		slog.Debug("dispatching command", "command", cmd.Kind.String(), "target", cmd.Target)
		switch cmd.Kind {
		case command.Exit:
			slog.Info("exit requested")
			return nil
		case command.ControlRestart:
			if d.ch.Binding().IsTerminal() || d.restart == nil {
				if err := d.ch.WriteResponse("not_applicable\n"); err != nil {
					return fmt.Errorf("writing response: %w", err)
				}
				continue
			}
			if err := d.restart(ctx); err != nil {
				return fmt.Errorf("restarting control bot: %w", err)
			}
			continue
		}

		resp, err := d.Dispatch(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := d.ch.WriteResponse(resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

// Dispatch applies one command and returns its response body. The only
// error it returns is ctx's, from an interrupted wait. Exit and
// control-restart are handled by Run.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd command.Command) (string, error) {
	switch cmd.Kind {
	case command.List:
		return joinLine(d.bots.Names()), nil
	case command.ListExisting:
		return joinLine(d.procs.Names()), nil
	case command.ListExecuting:
		tasks := d.tasks.List()
		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		return joinLine(ids), nil
	case command.ListStatus:
		var sb strings.Builder
		for _, name := range d.procs.Names() {
			st, _ := d.procs.Status(name)
			fmt.Fprintf(&sb, "%s %s\n", name, st)
		}
		return sb.String(), nil
	case command.ListTasks:
		var sb strings.Builder
		for _, t := range d.tasks.List() {
			sb.WriteString(taskLine(t))
		}
		return sb.String(), nil
	case command.Status:
		st, ok := d.procs.Status(cmd.Target)
		if !ok {
			return "none\n", nil
		}
		return "some " + st.String() + "\n", nil
	case command.TaskStatus:
		t, ok := d.tasks.Get(cmd.Target)
		if !ok {
			return "none\n", nil
		}
		return "some " + taskLine(t), nil
	case command.Clean:
		return d.createTask(cmd.Target, models.TaskClean), nil
	case command.CleanAll:
		return d.createTask(cmd.Target, models.TaskCleanAll), nil
	case command.Build:
		return d.createTask(cmd.Target, models.TaskBuild), nil
	case command.Pull:
		return d.createTask(cmd.Target, models.TaskPull), nil
	case command.Start:
		return d.start(cmd.Target), nil
	case command.Msg:
		return d.msg(cmd.Target, strings.Join(cmd.Words, " ")), nil
	case command.Verify:
		return d.verify(cmd.Target), nil
	case command.Kill:
		return d.kill(cmd.Target), nil
	case command.Terminate:
		return d.terminate(cmd.Target), nil
	case command.Conclude:
		st, _ := d.procs.Status(cmd.Target)
		out, err := d.procs.Conclude(cmd.Target)
		return concluded(st, out, err), nil
	case command.Wait:
		return d.wait(ctx, cmd.Target)
	case command.Finish:
		st, _ := d.tasks.Status(cmd.Target)
		out, err := d.tasks.Finish(cmd.Target)
		return concluded(st, out, err), nil
	default:
		return "", fmt.Errorf("unhandled command %s", cmd.Kind)
	}
}

func (d *Dispatcher) createTask(name string, kind models.TaskKind) string {
	bot, ok := d.bots.Lookup(name)
	if !ok {
		return "none\n"
	}
	spec, err := kind.Command(bot)
	switch {
	case errors.Is(err, models.ErrNoRepo):
		return "some no_repo\n"
	case err != nil:
		return "some err " + oneLine(err.Error()) + "\n"
	}
	return "some " + d.tasks.Create(name, kind, spec) + "\n"
}

func (d *Dispatcher) start(name string) string {
	if d.procs.Has(name) {
		return "exists\n"
	}
	bot, ok := d.bots.Lookup(name)
	if !ok {
		return "none none\n"
	}
	st := d.procs.Spawn(bot).Status()
	if st.State == registry.StateSpawnFailed {
		return "none some failed " + oneLine(st.Message) + "\n"
	}
	return "none some spawned\n"
}

func (d *Dispatcher) msg(name, text string) string {
	err := d.procs.SendLine(name, text)
	switch {
	case err == nil:
		return "started running written\n"
	case errors.Is(err, models.ErrPipeTaken):
		return "started running taken\n"
	case errors.Is(err, models.ErrExited):
		return "started exited\n"
	case errors.Is(err, models.ErrSpawnFailed):
		return "failed\n"
	case errors.Is(err, models.ErrNotRunning):
		return "none\n"
	default:
		slog.Warn("writing to bot failed", "bot", name, "error", err)
		return "started running err " + oneLine(err.Error()) + "\n"
	}
}

func (d *Dispatcher) verify(name string) string {
	if name != "" {
		bot, ok := d.bots.Lookup(name)
		if !ok {
			return "none\n"
		}
		if err := bot.Verify(); err != nil {
			return "some err " + oneLine(err.Error()) + "\n"
		}
		return "some ok\n"
	}

	var sb strings.Builder
	for _, name := range d.bots.Names() {
		bot, _ := d.bots.Lookup(name)
		if err := bot.Verify(); err != nil {
			fmt.Fprintf(&sb, "%s err %s\n", name, oneLine(err.Error()))
			continue
		}
		fmt.Fprintf(&sb, "%s ok\n", name)
	}
	return sb.String()
}

func (d *Dispatcher) kill(name string) string {
	err := d.procs.Kill(name)
	switch {
	case err == nil:
		return "started killed\n"
	case errors.Is(err, models.ErrExited):
		return "started exited\n"
	case errors.Is(err, models.ErrSpawnFailed):
		return "failed\n"
	case errors.Is(err, models.ErrNotRunning):
		return "none\n"
	default:
		slog.Warn("killing bot failed", "bot", name, "error", err)
		return "started err " + oneLine(err.Error()) + "\n"
	}
}

func (d *Dispatcher) terminate(id string) string {
	err := d.tasks.Terminate(id)
	switch {
	case err == nil:
		return "some started killed\n"
	case errors.Is(err, models.ErrNotFound):
		return "none\n"
	case errors.Is(err, models.ErrExited):
		return "some started exited\n"
	case errors.Is(err, models.ErrSpawnFailed):
		return "some failed\n"
	default:
		slog.Warn("terminating task failed", "task", id, "error", err)
		return "some started err " + oneLine(err.Error()) + "\n"
	}
}

func (d *Dispatcher) wait(ctx context.Context, id string) (string, error) {
	alreadyExited, err := d.tasks.Wait(ctx, id)
	switch {
	case err == nil && alreadyExited:
		return "some started exited\n", nil
	case err == nil:
		return "some started waiting exited\n", nil
	case errors.Is(err, models.ErrNotFound):
		return "none\n", nil
	case errors.Is(err, models.ErrSpawnFailed):
		return "some failed\n", nil
	default:
		return "", err
	}
}

// concluded renders the outcome of Conclude or Finish. st is the record's
// status taken before the call, so a spawn failure message survives removal.
func concluded(st registry.Status, out registry.Output, err error) string {
	switch {
	case err == nil:
		stdout, stderr := channel.Normalize(out.Stdout), channel.Normalize(out.Stderr)
		return fmt.Sprintf("some started exited %d\n%d %d\n%s%s",
			out.ExitCode, channel.CountLines(stdout), channel.CountLines(stderr), stdout, stderr)
	case errors.Is(err, models.ErrNotFound):
		return "none\n"
	case errors.Is(err, models.ErrStillRunning):
		return "some started running\n"
	case errors.Is(err, models.ErrSpawnFailed):
		return "some failed " + oneLine(st.Message) + "\n"
	default:
		slog.Warn("collecting output failed", "error", err)
		return "some err " + oneLine(err.Error()) + "\n"
	}
}

// taskLine renders "<id>\t<bot> <kind> <serial> <status>\n".
func taskLine(t *registry.Task) string {
	return fmt.Sprintf("%s\t%s %s %d %s\n", t.ID, t.Bot, t.Kind, t.Serial, t.Proc.Status())
}

// joinLine joins words into a single response line.
func joinLine(words []string) string {
	return strings.Join(words, " ") + "\n"
}

// oneLine keeps error text from breaking the one-line response shape.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
