package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCredentials(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolvePrefersLiveOAuth(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixMilli()
	r := &Resolver{
		CredentialsPath: writeCredentials(t, `{"accessToken":"tok","refreshToken":"ref","expiresAt":`+intString(future)+`,"scopes":["user:inference"]}`),
		APIKey:          func() string { return "sk-should-not-be-used" },
	}
	cred, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "claude-code-oauth", cred.Describe())

	// An OAuth grant never leaks into the environment; in particular the
	// access token must not end up in the API key variable.
	assert.Empty(t, cred.Env())
}

func TestResolveWrappedCredentialsFile(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixMilli()
	r := &Resolver{
		CredentialsPath: writeCredentials(t, `{"claudeAiOauth":{"accessToken":"tok","expiresAt":`+intString(future)+`}}`),
	}
	cred, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "claude-code-oauth", cred.Describe())
}

func TestResolveFallsBackToAPIKeyWhenOAuthExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour).UnixMilli()
	r := &Resolver{
		CredentialsPath: writeCredentials(t, `{"accessToken":"tok","expiresAt":`+intString(past)+`}`),
		APIKey:          func() string { return "sk-live" },
	}
	cred, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "api-key", cred.Describe())
	assert.Equal(t, []string{"ANTHROPIC_API_KEY=sk-live"}, cred.Env())
}

func TestResolveAPIKeyWhenNoCredentialsFile(t *testing.T) {
	r := &Resolver{
		CredentialsPath: filepath.Join(t.TempDir(), "missing.json"),
		APIKey:          func() string { return "sk-live" },
	}
	cred, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "api-key", cred.Describe())
}

func TestResolveNothing(t *testing.T) {
	r := &Resolver{
		CredentialsPath: filepath.Join(t.TempDir(), "missing.json"),
		APIKey:          func() string { return "" },
	}
	_, err := r.Resolve()
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestOAuthExpiry(t *testing.T) {
	assert.False(t, OAuth{}.Expired(), "zero expiry means non-expiring")
	assert.True(t, OAuth{ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()}.Expired())
	assert.False(t, OAuth{ExpiresAt: time.Now().Add(time.Minute).UnixMilli()}.Expired())
}

func intString(n int64) string {
	return strconv.FormatInt(n, 10)
}
