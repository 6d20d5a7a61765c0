package models

import "fmt"

// TaskKind identifies the maintenance operation a task runs.
type TaskKind int

const (
	TaskClean TaskKind = iota
	TaskCleanAll
	TaskBuild
	TaskPull
)

// String returns the wire name of the kind.
func (k TaskKind) String() string {
	switch k {
	case TaskClean:
		return "clean"
	case TaskCleanAll:
		return "clean-all"
	case TaskBuild:
		return "build"
	case TaskPull:
		return "pull"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Command builds the unstarted command for this kind from a descriptor.
func (k TaskKind) Command(b Bot) (CommandSpec, error) {
	switch k {
	case TaskClean:
		return b.Clean()
	case TaskCleanAll:
		return b.CleanAll()
	case TaskBuild:
		return b.Build()
	case TaskPull:
		return b.Pull()
	default:
		return CommandSpec{}, fmt.Errorf("unknown task kind %d", int(k))
	}
}
