// Package spaces manages workspaces: one directory per space under the app
// root, each carrying a metadata file and a CLAUDE.md instruction document
// the agent picks up as context.
package spaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("spaces: space not found")

const metadataFile = ".space-metadata.json"

// Timestamps are unix milliseconds to match what the frontend expects from
// Date.now().
type Space struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Path           string `json:"path"`
	InstructionsMD string `json:"claude_md_path"`
	CreatedAt      int64  `json:"created_at"`
	LastAccessedAt int64  `json:"last_accessed_at"`
	Template       string `json:"template,omitempty"`
}

type Manager struct {
	root string
}

// NewManager roots the space tree at dir, creating it when missing.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spaces dir: %w", err)
	}
	return &Manager{root: dir}, nil
}

func templateContent(template string) string {
	switch template {
	case "custom":
		return "# {name}\n\n[Write your own instructions]\n"
	default: // quick-start
		return "# {name}\n\n## Purpose\nThis is a workspace for [brief description].\n\n## Context\n[Any relevant context the agent should know]\n\n## Guidelines\n- [Any specific instructions]\n"
	}
}

// Create builds the space directory, seeds CLAUDE.md from the template, and
// writes the metadata file.
func (m *Manager) Create(name, template string) (*Space, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create space dir: %w", err)
	}

	instructions := strings.ReplaceAll(templateContent(template), "{name}", name)
	mdPath := filepath.Join(dir, "CLAUDE.md")
	if err := os.WriteFile(mdPath, []byte(instructions), 0o644); err != nil {
		return nil, fmt.Errorf("write instructions: %w", err)
	}

	now := time.Now().UnixMilli()
	space := &Space{
		ID:             id,
		Name:           name,
		Path:           dir,
		InstructionsMD: mdPath,
		CreatedAt:      now,
		LastAccessedAt: now,
		Template:       template,
	}
	if err := m.saveMetadata(space); err != nil {
		return nil, err
	}
	return space, nil
}

func (m *Manager) saveMetadata(space *Space) error {
	data, err := json.MarshalIndent(space, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	path := filepath.Join(m.root, space.ID, metadataFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Older releases wrote timestamps in seconds. Anything below this is seconds
// and gets migrated on read.
const millisThreshold = 100_000_000_000

func (m *Manager) loadMetadata(id string) (*Space, error) {
	data, err := os.ReadFile(filepath.Join(m.root, id, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var space Space
	if err := json.Unmarshal(data, &space); err != nil {
		return nil, fmt.Errorf("parse metadata for %s: %w", id, err)
	}

	migrated := false
	if space.CreatedAt > 0 && space.CreatedAt < millisThreshold {
		space.CreatedAt *= 1000
		migrated = true
	}
	if space.LastAccessedAt > 0 && space.LastAccessedAt < millisThreshold {
		space.LastAccessedAt *= 1000
		migrated = true
	}
	if migrated {
		if err := m.saveMetadata(&space); err != nil {
			return nil, err
		}
	}
	return &space, nil
}

func (m *Manager) Get(id string) (*Space, error) {
	return m.loadMetadata(id)
}

// List returns every space, most recently accessed first. Directories
// without readable metadata are skipped.
func (m *Manager) List() ([]*Space, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	var out []*Space
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		space, err := m.loadMetadata(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, space)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccessedAt > out[j].LastAccessedAt
	})
	return out, nil
}

// Touch bumps the last-accessed timestamp.
func (m *Manager) Touch(id string) error {
	space, err := m.loadMetadata(id)
	if err != nil {
		return err
	}
	space.LastAccessedAt = time.Now().UnixMilli()
	return m.saveMetadata(space)
}

// Delete removes the space directory and everything in it.
func (m *Manager) Delete(id string) error {
	dir := filepath.Join(m.root, id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.RemoveAll(dir)
}

// ReadInstructions returns the space's CLAUDE.md content.
func (m *Manager) ReadInstructions(id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.root, id, "CLAUDE.md"))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Manager) WriteInstructions(id, content string) error {
	if _, err := m.loadMetadata(id); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.root, id, "CLAUDE.md"), []byte(content), 0o644)
}
