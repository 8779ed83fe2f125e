// Package auth resolves which credential the adapter subprocess should run
// with. Two kinds exist and are deliberately distinct types: an OAuth grant
// discovered from the Claude Code install, and an API key from our own
// settings. Only an API key ever becomes an environment variable; an OAuth
// token must never be exported as one, the adapter discovers it itself.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoCredentials is returned when neither credential source yields
// anything usable.
var ErrNoCredentials = errors.New("auth: no credentials available")

// Credential is the resolved authentication method.
type Credential interface {
	// Env returns the environment entries the adapter should be spawned
	// with for this credential.
	Env() []string
	// Describe names the credential kind for logs and UI, never its value.
	Describe() string
}

// OAuth is a Claude Code OAuth grant. It carries no exportable secret: the
// adapter reads the grant from its own credential store.
type OAuth struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresAt    int64    `json:"expiresAt"`
	Scopes       []string `json:"scopes"`
}

func (OAuth) Env() []string { return nil }

func (OAuth) Describe() string { return "claude-code-oauth" }

// Expired reports whether the grant's expiry has passed.
func (o OAuth) Expired() bool {
	if o.ExpiresAt == 0 {
		return false
	}
	return time.UnixMilli(o.ExpiresAt).Before(time.Now())
}

// APIKey is an Anthropic API key from the user's settings.
type APIKey string

func (k APIKey) Env() []string { return []string{"ANTHROPIC_API_KEY=" + string(k)} }

func (APIKey) Describe() string { return "api-key" }

// Resolver locates credentials. Paths are injectable for tests.
type Resolver struct {
	// CredentialsPath is the Claude Code credentials file, default
	// ~/.claude/.credentials.json.
	CredentialsPath string
	// APIKey returns the configured key, empty when unset.
	APIKey func() string
}

func NewResolver(apiKey func() string) *Resolver {
	home, _ := os.UserHomeDir()
	return &Resolver{
		CredentialsPath: filepath.Join(home, ".claude", ".credentials.json"),
		APIKey:          apiKey,
	}
}

// Resolve picks a credential: an OAuth grant when the Claude Code
// credentials file holds a live one, otherwise the configured API key.
func (r *Resolver) Resolve() (Credential, error) {
	if grant, err := r.loadOAuth(); err == nil && grant != nil && !grant.Expired() {
		return *grant, nil
	}
	if r.APIKey != nil {
		if key := r.APIKey(); key != "" {
			return APIKey(key), nil
		}
	}
	return nil, ErrNoCredentials
}

func (r *Resolver) loadOAuth() (*OAuth, error) {
	data, err := os.ReadFile(r.CredentialsPath)
	if err != nil {
		return nil, err
	}
	// Claude Code writes either the bare grant or a wrapper with a
	// claudeAiOauth field, depending on version.
	var wrapper struct {
		ClaudeAiOauth *OAuth `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.ClaudeAiOauth != nil {
		return wrapper.ClaudeAiOauth, nil
	}
	var grant OAuth
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, errors.New("credentials file has no access token")
	}
	return &grant, nil
}
