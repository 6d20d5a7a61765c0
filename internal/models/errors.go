package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the registries, the control channel and the
// dispatcher. Callers classify with errors.Is.
var (
	// Descriptor-level
	ErrNoRepo = errors.New("bot has no repo_path")

	// Record lookups
	ErrNotFound = errors.New("no such record")

	// Record state
	ErrNotRunning   = errors.New("process is not running")
	ErrSpawnFailed  = fmt.Errorf("process failed to spawn: %w", ErrNotRunning)
	ErrExited       = errors.New("process already exited")
	ErrStillRunning = errors.New("process is still running")
	ErrPipeTaken    = errors.New("pipe is held by the control channel")

	// Transport
	ErrNotApplicable = errors.New("not applicable to the current transport")
)
