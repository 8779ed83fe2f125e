// Package adaptercfg loads adapter profiles from the app config file.
// A profile names the adapter binary to spawn and how to run it; a missing
// config file yields the built-in default profile rather than an error.
package adaptercfg

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultProfileName = "default"
	ConfigFileName     = "adapters.yaml"

	defaultCommand        = "claude-code-acp"
	defaultPromptTimeout  = 10 * time.Minute
	defaultHandshakeLimit = 30 * time.Second
)

type Model struct {
	DefaultProfile string             `yaml:"default_profile"`
	Profiles       map[string]Profile `yaml:"profiles"`
}

type Profile struct {
	Command string `yaml:"command"`
	// Args are appended to the adapter command line verbatim.
	Args []string `yaml:"args,omitempty"`
	// Env lists extra NAME=VALUE pairs for the adapter process.
	Env []string `yaml:"env,omitempty"`
	// PassthroughEnv names host variables forwarded to the adapter when set.
	PassthroughEnv   []string `yaml:"passthrough_env,omitempty"`
	PromptTimeout    string   `yaml:"prompt_timeout,omitempty"`
	HandshakeTimeout string   `yaml:"handshake_timeout,omitempty"`
}

// Resolved is a validated profile with durations parsed and defaults filled.
type Resolved struct {
	Name             string
	Command          string
	Args             []string
	Env              []string
	PassthroughEnv   []string
	PromptTimeout    time.Duration
	HandshakeTimeout time.Duration
}

func defaultModel() Model {
	return Model{
		DefaultProfile: DefaultProfileName,
		Profiles: map[string]Profile{
			DefaultProfileName: {Command: defaultCommand},
		},
	}
}

// Load reads the config file at path. A missing file returns the built-in
// default model; unknown fields are a hard error so typos do not silently
// fall back to defaults.
func Load(path string) (Model, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultModel(), nil
		}
		return Model{}, fmt.Errorf("cannot read config file at %s: %w", path, err)
	}

	var model Model
	decoder := yaml.NewDecoder(strings.NewReader(string(content)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&model); err != nil {
		return Model{}, fmt.Errorf("cannot parse config file at %s: %w", path, err)
	}
	if len(model.Profiles) == 0 {
		return Model{}, fmt.Errorf("config file at %s must define at least one profile", path)
	}
	return model, nil
}

// SelectName picks the profile name, flag over environment over the model's
// default_profile, falling back to "default".
func SelectName(flagValue, envValue string, model Model) string {
	for _, value := range []string{flagValue, envValue, model.DefaultProfile} {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return DefaultProfileName
}

// Resolve validates the named profile and fills defaults.
func Resolve(model Model, name string) (Resolved, error) {
	profile, ok := model.Profiles[name]
	if !ok {
		return Resolved{}, fmt.Errorf("profile %q is not defined; available profiles: %s",
			name, strings.Join(ProfileNames(model), ", "))
	}

	command := strings.TrimSpace(profile.Command)
	if command == "" {
		return Resolved{}, fmt.Errorf("command is required for profile %q", name)
	}

	promptTimeout, err := parseTimeout(profile.PromptTimeout, defaultPromptTimeout)
	if err != nil {
		return Resolved{}, fmt.Errorf("invalid prompt_timeout for profile %q: %w", name, err)
	}
	handshakeTimeout, err := parseTimeout(profile.HandshakeTimeout, defaultHandshakeLimit)
	if err != nil {
		return Resolved{}, fmt.Errorf("invalid handshake_timeout for profile %q: %w", name, err)
	}

	for _, pair := range profile.Env {
		if !strings.Contains(pair, "=") {
			return Resolved{}, fmt.Errorf("env entry %q for profile %q must be NAME=VALUE", pair, name)
		}
	}

	return Resolved{
		Name:             name,
		Command:          command,
		Args:             profile.Args,
		Env:              profile.Env,
		PassthroughEnv:   profile.PassthroughEnv,
		PromptTimeout:    promptTimeout,
		HandshakeTimeout: handshakeTimeout,
	}, nil
}

func parseTimeout(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

// ProcessEnv builds the extra environment for the adapter: static pairs
// first, then passthrough variables present in the host environment.
func (r Resolved) ProcessEnv(getenv func(string) string) []string {
	env := append([]string(nil), r.Env...)
	for _, name := range r.PassthroughEnv {
		if value := getenv(name); value != "" {
			env = append(env, name+"="+value)
		}
	}
	return env
}

func ProfileNames(model Model) []string {
	if len(model.Profiles) == 0 {
		return nil
	}
	names := make([]string, 0, len(model.Profiles))
	for name := range model.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
