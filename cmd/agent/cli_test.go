package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ageniuscoder/corelink/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestTokenPrintsVerifiableToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("USER_ID", "alice")

	stdout, _, err := executeCLI(t, "token", "--user", "bob")
	require.NoError(t, err)
	claims, err := auth.ParseToken("cli-secret", strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.UserID)

	stdout, _, err = executeCLI(t, "token")
	require.NoError(t, err)
	claims, err = auth.ParseToken("cli-secret", strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, _, err := executeCLI(t, "token", "--user", "bob")
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestMigrateCreatesSchema(t *testing.T) {
	t.Setenv("SQLITE_DSN", filepath.Join(t.TempDir(), "agent.db"))

	stdout, _, err := executeCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, stdout, "migration completed (sqlite)")

	_, _, err = executeCLI(t, "migrate")
	assert.NoError(t, err, "migrate is repeatable")
}

func TestRunRequiresIdentity(t *testing.T) {
	t.Setenv("USER_ID", "")
	t.Setenv("JWT_SECRET", "")
	_, _, err := executeCLI(t, "run")
	assert.ErrorContains(t, err, "USER_ID, JWT_SECRET")
}
