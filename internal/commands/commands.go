// Package commands loads slash commands: markdown templates living under a
// space's .claude/commands directory and the global config dir. A command's
// name comes from its filename (nested files get a namespaced name like
// "git/review"), its description from the first non-heading line, and
// $ARGUMENTS marks where user input is substituted.
package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var ErrNotFound = errors.New("commands: command not found")

const argumentsPlaceholder = "$ARGUMENTS"

type Command struct {
	Name             string `json:"name"`
	Path             string `json:"path"`
	Description      string `json:"description"`
	Template         string `json:"template"`
	AcceptsArguments bool   `json:"acceptsArguments"`
}

// Loader discovers commands in a space directory and a global directory.
// Space commands shadow global ones with the same name.
type Loader struct {
	GlobalDir string
}

func commandsDir(spacePath string) string {
	return filepath.Join(spacePath, ".claude", "commands")
}

// List returns every command visible from a space, sorted by name.
func (l *Loader) List(spacePath string) ([]Command, error) {
	byName := make(map[string]Command)
	if l.GlobalDir != "" {
		global, err := loadDir(l.GlobalDir)
		if err != nil {
			return nil, err
		}
		for _, cmd := range global {
			byName[cmd.Name] = cmd
		}
	}
	local, err := loadDir(commandsDir(spacePath))
	if err != nil {
		return nil, err
	}
	for _, cmd := range local {
		byName[cmd.Name] = cmd
	}

	out := make([]Command, 0, len(byName))
	for _, cmd := range byName {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Load finds one command by name, space directory first.
func (l *Loader) Load(spacePath, name string) (Command, error) {
	all, err := l.List(spacePath)
	if err != nil {
		return Command{}, err
	}
	for _, cmd := range all {
		if cmd.Name == name {
			return cmd, nil
		}
	}
	return Command{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Expand substitutes the user's arguments into a command template.
func Expand(template, arguments string) string {
	return strings.ReplaceAll(template, argumentsPlaceholder, arguments)
}

// Create writes a new command file in the space's commands directory.
func Create(spacePath, name, description, template string) (Command, error) {
	dir := commandsDir(spacePath)
	if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
		return Command{}, fmt.Errorf("create commands dir: %w", err)
	}
	path := filepath.Join(dir, name+".md")
	if _, err := os.Stat(path); err == nil {
		return Command{}, fmt.Errorf("command %q already exists", name)
	}
	content := fmt.Sprintf("# %s\n\n%s\n\n%s", name, description, template)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Command{}, fmt.Errorf("write command: %w", err)
	}
	return Command{
		Name:             name,
		Path:             path,
		Description:      description,
		Template:         content,
		AcceptsArguments: strings.Contains(template, argumentsPlaceholder),
	}, nil
}

// Delete removes a command file from the space's commands directory.
func Delete(spacePath, name string) error {
	path := filepath.Join(commandsDir(spacePath), name+".md")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return os.Remove(path)
}

func loadDir(dir string) ([]Command, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var out []Command
	fsys := os.DirFS(dir)
	err := doublestar.GlobWalk(fsys, "**/*.md", func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(filepath.Join(dir, path))
		if err != nil {
			return err
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			return nil
		}
		name := strings.TrimSuffix(filepath.ToSlash(path), ".md")
		out = append(out, Command{
			Name:             name,
			Path:             filepath.Join(dir, path),
			Description:      description(content),
			Template:         content,
			AcceptsArguments: strings.Contains(content, argumentsPlaceholder),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob commands: %w", err)
	}
	return out, nil
}

// description is the first non-empty line that is not a heading.
func description(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return "No description"
}
