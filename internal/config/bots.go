package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/spachava753/dcbothub/internal/models"
)

// DefaultPath is the descriptor file read when none is given.
const DefaultPath = "bots.toml"

// BotsFile is the on-disk layout of the descriptor file.
type BotsFile struct {
	ControlBot *string    `toml:"control_bot" yaml:"control_bot"`
	Bots       []BotEntry `toml:"bot" yaml:"bot"`
}

// BotEntry is one [[bot]] table before validation.
type BotEntry struct {
	Name           string    `toml:"name" yaml:"name"`
	RepoPath       *string   `toml:"repo_path" yaml:"repo_path"`
	ExecutablePath *string   `toml:"executable_path" yaml:"executable_path"`
	URL            *string   `toml:"url" yaml:"url"`
	BuildArgs      *[]string `toml:"build_args" yaml:"build_args"`
	RunArgs        []string  `toml:"run_args" yaml:"run_args"`
	Token          *string   `toml:"token" yaml:"token"`
}

// LoadBots reads, validates and verifies a descriptor file. The format is
// chosen by extension: .yaml/.yml for YAML, anything else is TOML. Relative
// paths inside the file are resolved against the file's directory.
func LoadBots(path string) (models.DescriptorSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.DescriptorSet{}, fmt.Errorf("reading descriptor file: %w", err)
	}

	var file BotsFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return models.DescriptorSet{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		md, err := toml.Decode(string(data), &file)
		if err != nil {
			return models.DescriptorSet{}, fmt.Errorf("parsing %s: %w", path, err)
		}
		for _, key := range md.Undecoded() {
			slog.Warn("ignoring unknown descriptor key", "file", path, "key", key.String())
		}
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return models.DescriptorSet{}, fmt.Errorf("getting absolute path: %w", err)
	}
	return Resolve(file, baseDir)
}

// Resolve validates a decoded descriptor file into a DescriptorSet.
func Resolve(file BotsFile, baseDir string) (models.DescriptorSet, error) {
	if len(file.Bots) == 0 {
		return models.DescriptorSet{}, fmt.Errorf("no bot is defined")
	}

	set := models.DescriptorSet{Bots: make(map[string]models.Bot, len(file.Bots))}
	for i, entry := range file.Bots {
		bot, err := entry.resolve(baseDir)
		if err != nil {
			if entry.Name != "" {
				return models.DescriptorSet{}, fmt.Errorf("bot[%d] %q: %w", i, entry.Name, err)
			}
			return models.DescriptorSet{}, fmt.Errorf("bot[%d]: %w", i, err)
		}
		if err := bot.Verify(); err != nil {
			return models.DescriptorSet{}, fmt.Errorf("verifying paths for %s: %w", bot.Name, err)
		}
		if _, dup := set.Bots[bot.Name]; dup {
			return models.DescriptorSet{}, fmt.Errorf("multiple bots are named %q", bot.Name)
		}
		set.Bots[bot.Name] = bot
	}

	if file.ControlBot != nil {
		if _, ok := set.Bots[*file.ControlBot]; !ok {
			return models.DescriptorSet{}, fmt.Errorf("control_bot %q does not name a defined bot", *file.ControlBot)
		}
		set.ControlBot = *file.ControlBot
	}

	return set, nil
}

func (e BotEntry) resolve(baseDir string) (models.Bot, error) {
	if e.Name == "" {
		return models.Bot{}, fmt.Errorf("name is required")
	}
	if strings.IndexFunc(e.Name, unicode.IsSpace) >= 0 {
		return models.Bot{}, fmt.Errorf("name must not contain whitespace")
	}

	bot := models.Bot{Name: e.Name, RunArgs: e.RunArgs}

	if e.RepoPath != nil {
		repo, err := canonicalDir(absFrom(baseDir, *e.RepoPath))
		if err != nil {
			return models.Bot{}, fmt.Errorf("repo_path: %w", err)
		}
		bot.RepoPath = repo
	}

	switch {
	case e.ExecutablePath != nil && bot.HasRepo():
		bot.ExecutablePath = absFrom(bot.RepoPath, *e.ExecutablePath)
	case e.ExecutablePath != nil:
		bot.ExecutablePath = absFrom(baseDir, *e.ExecutablePath)
	case bot.HasRepo():
		bot.ExecutablePath = filepath.Join(bot.RepoPath, "target", "release", e.Name)
	default:
		return models.Bot{}, fmt.Errorf("neither repo_path nor executable_path is set")
	}

	if e.BuildArgs != nil {
		if !bot.HasRepo() {
			return models.Bot{}, fmt.Errorf("build_args is set although repo_path isn't")
		}
		bot.BuildArgs = append([]string{}, (*e.BuildArgs)...)
	}

	if e.URL != nil {
		if !bot.HasRepo() {
			return models.Bot{}, fmt.Errorf("url is set although repo_path isn't")
		}
		bot.URL = *e.URL
	}

	if e.Token != nil {
		bot.Token, bot.HasToken = *e.Token, true
	}

	return bot, nil
}

func absFrom(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}

func canonicalDir(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", resolved)
	}
	return resolved, nil
}
