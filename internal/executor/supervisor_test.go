package executor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spachava753/dcbothub/internal/models"
)

func writeBotScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
}

// runWithTimeout runs the supervisor's loop and fails if it does not finish
// in time.
func runWithTimeout(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run did not finish before the deadline")
	}
}

func TestSupervisorTerminal(t *testing.T) {
	dir := t.TempDir()
	sleeper := filepath.Join(dir, "sleeper")
	writeBotScript(t, sleeper, "exec sleep 30")
	bots := models.DescriptorSet{Bots: map[string]models.Bot{
		"sleeper": {Name: "sleeper", ExecutablePath: sleeper},
		"ghost":   {Name: "ghost", ExecutablePath: filepath.Join(dir, "ghost")},
	}}

	var out bytes.Buffer
	in := strings.NewReader("list-existing\nstatus sleeper\ncontrol-restart\nexit\nlist\n")
	s := NewSupervisor(bots, in, &out, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	p, _ := s.procs.Get("sleeper")

	runWithTimeout(t, s)
	s.Shutdown()

	want := "ghost sleeper\nsome started running\nnot_applicable\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
	select {
	case <-p.Done():
	default:
		t.Error("sleeper still running after shutdown")
	}
	if names := s.procs.Names(); len(names) != 0 {
		t.Errorf("records left after shutdown: %v", names)
	}
}

func TestSupervisorControlBotSpawnFailure(t *testing.T) {
	bots := models.DescriptorSet{
		Bots: map[string]models.Bot{
			"operator": {Name: "operator", ExecutablePath: filepath.Join(t.TempDir(), "operator")},
		},
		ControlBot: "operator",
	}
	s := NewSupervisor(bots, strings.NewReader(""), &bytes.Buffer{}, "")
	defer s.Shutdown()

	if err := s.Start(); err == nil {
		t.Fatal("expected Start to fail when the control bot cannot spawn")
	}
}

// operatorScript drives a session over the framed protocol. On its first run
// it lists the bots and requests its own restart; once restarted it checks its
// own status and exits the supervisor. Every response line is appended to
// the log file.
const operatorScript = `marker="$1"
log="$1.log"
respond() {
  read n
  i=0
  while [ "$i" -lt "$n" ]; do
    read line
    echo "$line" >> "$log"
    i=$((i+1))
  done
}
if [ ! -e "$marker" ]; then
  : > "$marker"
  echo "list"
  respond
  echo "msg operator hi"
  respond
  echo "control-restart"
  exec sleep 30
fi
echo "status operator"
respond
echo "exit"
exec sleep 30`

func TestSupervisorControlBotRestart(t *testing.T) {
	dir := t.TempDir()
	operator := filepath.Join(dir, "operator")
	writeBotScript(t, operator, operatorScript)
	echo := filepath.Join(dir, "echo")
	writeBotScript(t, echo, "exec cat >/dev/null")
	marker := filepath.Join(dir, "restarted")

	bots := models.DescriptorSet{
		Bots: map[string]models.Bot{
			"operator": {Name: "operator", ExecutablePath: operator, RunArgs: []string{marker}},
			"echo":     {Name: "echo", ExecutablePath: echo},
		},
		ControlBot: "operator",
	}

	s := NewSupervisor(bots, strings.NewReader(""), &bytes.Buffer{}, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := s.ch.Binding().String(); got != "control_bot(operator)" {
		t.Errorf("unexpected binding %s", got)
	}
	first, _ := s.procs.Get("operator")

	runWithTimeout(t, s)

	second, _ := s.procs.Get("operator")
	if second == first {
		t.Error("control bot record was not replaced")
	}
	select {
	case <-first.Done():
	default:
		t.Error("old control bot still running after restart")
	}
	s.Shutdown()

	log, err := os.ReadFile(marker + ".log")
	if err != nil {
		t.Fatalf("reading operator log: %v", err)
	}
	want := "echo operator\nstarted running taken\nsome started running\n"
	if string(log) != want {
		t.Errorf("operator saw %q, want %q", log, want)
	}
}

func TestSupervisorControlBotEOF(t *testing.T) {
	dir := t.TempDir()
	operator := filepath.Join(dir, "operator")
	writeBotScript(t, operator, `echo "list"; read n; read line; echo "$line" > "$1"`)
	out := filepath.Join(dir, "out")

	bots := models.DescriptorSet{
		Bots: map[string]models.Bot{
			"operator": {Name: "operator", ExecutablePath: operator, RunArgs: []string{out}},
		},
		ControlBot: "operator",
	}

	s := NewSupervisor(bots, strings.NewReader(""), &bytes.Buffer{}, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	runWithTimeout(t, s)
	s.Shutdown()

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(got) != "operator\n" {
		t.Errorf("got %q", got)
	}
}
