// Package mcpcfg reads the per-space MCP server configuration (.mcp.json).
// The file is user-edited, so it is validated against a schema before
// anything touches it; the server entries themselves are passed through to
// the adapter untouched.
package mcpcfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const fileName = ".mcp.json"

var ErrInvalid = errors.New("mcpcfg: invalid config")

type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type Config struct {
	McpServers map[string]ServerConfig `json:"mcpServers"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["mcpServers"],
  "properties": {
    "mcpServers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["command"],
        "properties": {
          "command": {"type": "string", "minLength": 1},
          "args": {"type": "array", "items": {"type": "string"}},
          "env": {"type": "object", "additionalProperties": {"type": "string"}}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var schema = jsonschema.MustCompileString("mcp.schema.json", schemaJSON)

// Parse validates and decodes raw config bytes.
func Parse(data []byte) (*Config, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &cfg, nil
}

// LoadFromSpace reads the space's .mcp.json. A missing file is an empty
// config, not an error.
func LoadFromSpace(spacePath string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(spacePath, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return &Config{McpServers: map[string]ServerConfig{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Save writes the config to the space directory.
func Save(spacePath string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(spacePath, fileName), data, 0o644)
}

// WireServers renders the config as the JSON server descriptors the session
// protocol expects in session/new.
func (c *Config) WireServers() ([]json.RawMessage, error) {
	type envVar struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	type wireServer struct {
		Name    string   `json:"name"`
		Command string   `json:"command"`
		Args    []string `json:"args"`
		Env     []envVar `json:"env"`
	}

	names := make([]string, 0, len(c.McpServers))
	for name := range c.McpServers {
		names = append(names, name)
	}
	// Deterministic order keeps session/new payloads reproducible.
	sort.Strings(names)

	out := make([]json.RawMessage, 0, len(names))
	for _, name := range names {
		server := c.McpServers[name]
		env := make([]envVar, 0, len(server.Env))
		envNames := make([]string, 0, len(server.Env))
		for k := range server.Env {
			envNames = append(envNames, k)
		}
		sort.Strings(envNames)
		for _, k := range envNames {
			env = append(env, envVar{Name: k, Value: server.Env[k]})
		}
		args := server.Args
		if args == nil {
			args = []string{}
		}
		data, err := json.Marshal(wireServer{Name: name, Command: server.Command, Args: args, Env: env})
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}
