package registry

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spachava753/dcbothub/internal/models"
)

// Processes maps bot names to their long-lived process records.
//
// Processes is not safe for concurrent use; the dispatch loop owns it.
type Processes struct {
	records map[string]*Process
}

// NewProcesses creates an empty process registry.
func NewProcesses() *Processes {
	return &Processes{records: make(map[string]*Process)}
}

// Spawn launches bot and records the outcome under its name, replacing any
// previous record.
func (r *Processes) Spawn(bot models.Bot, opts ...SpawnOption) *Process {
	spec := bot.Run()
	p := Spawn(spec, opts...)
	if st := p.Status(); st.State == StateSpawnFailed {
		slog.Warn("bot failed to spawn", "bot", bot.Name, "command", spec.String(), "error", st.Message)
	} else {
		slog.Info("bot spawned", "bot", bot.Name, "pid", p.Pid())
	}
	r.records[bot.Name] = p
	return p
}

// Respawn kills and reaps any existing record for bot, then spawns a fresh
// one in its place.
func (r *Processes) Respawn(bot models.Bot, opts ...SpawnOption) *Process {
	if old, ok := r.records[bot.Name]; ok {
		if old.Status().State == StateRunning {
			slog.Info("killing for respawn", "bot", bot.Name, "pid", old.Pid())
		}
		old.terminate()
		delete(r.records, bot.Name)
	}
	return r.Spawn(bot, opts...)
}

// Get returns the record for name.
func (r *Processes) Get(name string) (*Process, bool) {
	p, ok := r.records[name]
	return p, ok
}

// Has reports whether a record exists for name.
func (r *Processes) Has(name string) bool {
	_, ok := r.records[name]
	return ok
}

// Names returns the names of all records in sorted order.
func (r *Processes) Names() []string {
	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Status polls the record for name.
func (r *Processes) Status(name string) (Status, bool) {
	p, ok := r.records[name]
	if !ok {
		return Status{}, false
	}
	return p.Status(), true
}

// Kill sends SIGKILL to the bot's process.
func (r *Processes) Kill(name string) error {
	p, ok := r.records[name]
	if !ok {
		return models.ErrNotRunning
	}
	if err := p.Kill(); err != nil {
		return err
	}
	slog.Info("bot killed", "bot", name, "pid", p.Pid())
	return nil
}

// SendLine writes one line to the bot's stdin.
func (r *Processes) SendLine(name, text string) error {
	p, ok := r.records[name]
	if !ok {
		return models.ErrNotRunning
	}
	return p.SendLine(text)
}

// Conclude returns the exit code and captured output of an exited bot and
// removes its record. A running bot yields ErrStillRunning and stays. A record
// that failed to spawn is removed and yields ErrSpawnFailed.
func (r *Processes) Conclude(name string) (Output, error) {
	p, ok := r.records[name]
	if !ok {
		return Output{}, models.ErrNotFound
	}
	out, err := p.Collect()
	switch {
	case err == nil, p.Status().State == StateSpawnFailed:
		p.Close()
		delete(r.records, name)
		return out, err
	default:
		return Output{}, fmt.Errorf("concluding %s: %w", name, err)
	}
}

// KillAll force-kills every running bot, waits for it to be reaped and
// discards all records.
func (r *Processes) KillAll() {
	teardown(r.records, "bot")
	r.records = make(map[string]*Process)
}
