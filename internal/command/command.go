// Package command turns a command line read from the channel into a typed
// Command.
package command

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// Kind identifies a command.
type Kind int

const (
	List Kind = iota
	ListExisting
	ListExecuting
	ListStatus
	ListTasks
	Status
	TaskStatus
	Clean
	CleanAll
	Build
	Pull
	Start
	Msg
	Verify
	Kill
	ControlRestart
	Terminate
	Conclude
	Wait
	Finish
	Exit
)

var names = map[Kind]string{
	List:           "list",
	ListExisting:   "list-existing",
	ListExecuting:  "list-executing",
	ListStatus:     "list-status",
	ListTasks:      "list-tasks",
	Status:         "status",
	TaskStatus:     "task-status",
	Clean:          "clean",
	CleanAll:       "clean-all",
	Build:          "build",
	Pull:           "pull",
	Start:          "start",
	Msg:            "msg",
	Verify:         "verify",
	Kill:           "kill",
	ControlRestart: "control-restart",
	Terminate:      "terminate",
	Conclude:       "conclude",
	Wait:           "wait",
	Finish:         "finish",
	Exit:           "exit",
}

// String returns the command's name as typed.
func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Command is a parsed command line.
type Command struct {
	Kind Kind

	// Target is the bot name or task id, depending on Kind. Empty for verify
	// means every bot.
	Target string

	// Words is the message for Msg.
	Words []string
}

// ParseError is a command line that could not be parsed. Diagnostic is
// meant to be shown to whoever sent the line.
type ParseError struct {
	Line       string
	Diagnostic string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %q: %s", e.Line, strings.TrimSpace(e.Diagnostic))
}

// Parse tokenizes line on whitespace and parses it.
func Parse(line string) (Command, error) {
	var (
		parsed Command
		ok     bool
		out    bytes.Buffer
	)
	root := newRootCmd(func(c Command) {
		parsed, ok = c, true
	})
	root.SetArgs(strings.Fields(line))
	root.SetOut(&out)
	root.SetErr(&out)

	if _, err := root.ExecuteC(); err != nil {
		diag := "error: " + err.Error() + "\n"
		if out.Len() > 0 {
			diag += out.String()
		}
		return Command{}, &ParseError{Line: line, Diagnostic: diag}
	}
	if !ok {
		// help, --help, or an empty line: cobra printed usage and ran nothing
		return Command{}, &ParseError{Line: line, Diagnostic: out.String()}
	}
	return parsed, nil
}

func newRootCmd(emit func(Command)) *cobra.Command {
	root := &cobra.Command{
		Use:           "dcbothub",
		Short:         "Supervise bot processes and their maintenance tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	noArg := func(kind Kind, short string) *cobra.Command {
		return &cobra.Command{
			Use:   kind.String(),
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				emit(Command{Kind: kind})
				return nil
			},
		}
	}
	oneArg := func(kind Kind, arg, short string) *cobra.Command {
		return &cobra.Command{
			Use:   kind.String() + " " + arg,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				emit(Command{Kind: kind, Target: args[0]})
				return nil
			},
		}
	}

	root.AddCommand(
		noArg(List, "List the names of all configured bots in one line"),
		noArg(ListExisting, "List every running or exited bot in one line"),
		noArg(ListExecuting, "List every running or finished task id in one line"),
		noArg(ListStatus, "List every running or exited bot with its status"),
		noArg(ListTasks, "List running and finished tasks with their status"),
		oneArg(Status, "BOT", "Show the status of a bot"),
		oneArg(TaskStatus, "TASK_ID", "Show the status of a task"),
		oneArg(Clean, "BOT", "Run cargo clean in a bot's repo, keeping its executable"),
		oneArg(CleanAll, "BOT", "Run cargo clean in a bot's repo"),
		oneArg(Build, "BOT", "Run cargo build in a bot's repo"),
		oneArg(Pull, "BOT", "Run git pull in a bot's repo"),
		oneArg(Start, "BOT", "Start a bot that has no process record"),
		&cobra.Command{
			Use:   "msg BOT [WORDS...]",
			Short: "Write a line to a bot's stdin",
			Args:  cobra.MinimumNArgs(1),
			// words are passed through verbatim, including ones that look like flags
			DisableFlagParsing: true,
			RunE: func(_ *cobra.Command, args []string) error {
				emit(Command{Kind: Msg, Target: args[0], Words: args[1:]})
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify [BOT]",
			Short: "Re-check the repo and executable paths of one or all bots",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				c := Command{Kind: Verify}
				if len(args) == 1 {
					c.Target = args[0]
				}
				emit(c)
				return nil
			},
		},
		oneArg(Kill, "BOT", "Kill a bot"),
		noArg(ControlRestart, "Kill the control bot and start it again"),
		oneArg(Terminate, "TASK_ID", "Kill a task"),
		oneArg(Conclude, "BOT", "Print the exit status and output of an exited bot and forget it"),
		oneArg(Wait, "TASK_ID", "Block until a task exits"),
		oneArg(Finish, "TASK_ID", "Print the exit status and output of a finished task and forget it"),
		noArg(Exit, "Kill all bots and tasks and exit"),
	)
	return root
}
