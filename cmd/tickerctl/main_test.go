package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/tickerpulse/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenCommand_IssuesVerifiableToken(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	out, err := run(t, "token", "u1", "--secret", secret, "--issuer", "tickerpulse", "--audience", "clients", "--username", "alice")
	require.NoError(t, err)

	claims, err := auth.NewVerifier(secret, "tickerpulse", "clients", clockwork.NewRealClock()).Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := run(t, "token", "u1")
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestNotifyCommand_RequiresRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	_, err := run(t, "notify", "u1", "--title", "t", "--message", "m")
	assert.ErrorContains(t, err, "REDIS_URL")
}

func TestNotifyCommand_RejectsInvalidPayload(t *testing.T) {
	_, err := run(t, "notify", "u1", "--payload", "{not json")
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "commit")
}

func TestSplitSymbols(t *testing.T) {
	assert.Equal(t, []string{"AAPL", "MSFT"}, splitSymbols(" aapl, ,msft,"))
	assert.Nil(t, splitSymbols(""))
}
