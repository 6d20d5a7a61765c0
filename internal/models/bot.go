package models

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// TokenEnvVar is the environment variable a bot's token is injected as.
const TokenEnvVar = "DISCORD_TOKEN"

// Bot is a validated, immutable bot descriptor.
type Bot struct {
	Name           string
	RepoPath       string   // empty = no repo
	ExecutablePath string   // always resolved
	URL            string   // remote for git pull, requires RepoPath
	BuildArgs      []string // nil = default build flags
	RunArgs        []string
	Token          string
	HasToken       bool // a token was configured, possibly empty
}

// DescriptorSet is the full set of bots loaded from the descriptor file.
type DescriptorSet struct {
	Bots       map[string]Bot
	ControlBot string // empty = terminal transport
}

// Lookup returns the descriptor for name.
func (s DescriptorSet) Lookup(name string) (Bot, bool) {
	b, ok := s.Bots[name]
	return b, ok
}

// Names returns every bot name in sorted order.
func (s DescriptorSet) Names() []string {
	names := make([]string, 0, len(s.Bots))
	for name := range s.Bots {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CommandSpec describes a command that has not been started yet.
type CommandSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil = inherit the supervisor's environment
}

// String renders the command line for logs.
func (c CommandSpec) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// HasRepo reports whether the bot has a source repository.
func (b Bot) HasRepo() bool {
	return b.RepoPath != ""
}

// Run returns the command that launches the bot itself.
func (b Bot) Run() CommandSpec {
	spec := CommandSpec{
		Path: b.ExecutablePath,
		Args: append([]string(nil), b.RunArgs...),
		Dir:  b.RepoPath,
	}
	if b.HasToken {
		spec.Env = append(os.Environ(), TokenEnvVar+"="+b.Token)
	}
	return spec
}

// Build returns the cargo build command for the bot's repo.
func (b Bot) Build() (CommandSpec, error) {
	if !b.HasRepo() {
		return CommandSpec{}, ErrNoRepo
	}
	args := []string{"build"}
	if b.BuildArgs != nil {
		args = append(args, b.BuildArgs...)
	} else {
		args = append(args, "--release")
	}
	return CommandSpec{Path: "cargo", Args: args, Dir: b.RepoPath}, nil
}

// cleanKeepingExecutable moves the executable out of the way, cleans, then
// puts it back. It exits with cargo's status.
const cleanKeepingExecutable = `exec_path="$1"
tmp_path="dcbothub_tmp_exec_$$"
mv "$exec_path" "$tmp_path" || exit 1
cargo clean
status=$?
mkdir -p "$(dirname "$exec_path")"
mv "$tmp_path" "$exec_path"
exit $status`

// Clean returns a cargo clean command that keeps the bot's executable when it
// lives inside the repo's build output.
func (b Bot) Clean() (CommandSpec, error) {
	if !b.HasRepo() {
		return CommandSpec{}, ErrNoRepo
	}
	execPath, err := filepath.EvalSymlinks(b.ExecutablePath)
	if err != nil {
		return CommandSpec{}, fmt.Errorf("resolving executable, use clean-all instead: %w", err)
	}
	repoPath, err := filepath.EvalSymlinks(b.RepoPath)
	if err != nil {
		return CommandSpec{}, fmt.Errorf("resolving repo, use clean-all instead: %w", err)
	}

	rel, err := filepath.Rel(repoPath, execPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return CommandSpec{Path: "cargo", Args: []string{"clean"}, Dir: repoPath}, nil
	}
	return CommandSpec{
		Path: "sh",
		Args: []string{"-c", cleanKeepingExecutable, "dcbothub-clean", execPath},
		Dir:  repoPath,
	}, nil
}

// CleanAll returns a plain cargo clean command, executable included.
func (b Bot) CleanAll() (CommandSpec, error) {
	if !b.HasRepo() {
		return CommandSpec{}, ErrNoRepo
	}
	return CommandSpec{Path: "cargo", Args: []string{"clean"}, Dir: b.RepoPath}, nil
}

// Pull returns the git pull command for the bot's repo.
func (b Bot) Pull() (CommandSpec, error) {
	if !b.HasRepo() {
		return CommandSpec{}, ErrNoRepo
	}
	args := []string{"pull"}
	if b.URL != "" {
		args = append(args, b.URL)
	}
	return CommandSpec{Path: "git", Args: args, Dir: b.RepoPath}, nil
}

// Verify checks that the repo (if any) is still a git checkout and the
// executable still resolves to a regular file.
func (b Bot) Verify() error {
	if b.HasRepo() && !IsGitRepo(b.RepoPath) {
		return fmt.Errorf("repo_path %s is not a git repository", b.RepoPath)
	}
	info, err := os.Stat(b.ExecutablePath)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("executable_path %s is not an executable file", b.ExecutablePath)
	}
	return nil
}

// IsGitRepo reports whether git recognizes dir as the root of a work tree or
// a bare repository. Parent directories are not searched.
func IsGitRepo(dir string) bool {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_CEILING_DIRECTORIES="+filepath.Dir(dir))
	return cmd.Run() == nil
}
