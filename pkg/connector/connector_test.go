package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-admin/aurora/pkg/types"
)

func TestSudoWrap(t *testing.T) {
	wrapped := sudoWrap("systemctl restart aurora@8080")

	assert.Equal(t, `sudo -S -p '[sudo] password:' /bin/sh -c 'systemctl restart aurora@8080'`, wrapped)
}

func TestSudoWrapEscapesQuotes(t *testing.T) {
	wrapped := sudoWrap(`echo 'hello world'`)

	assert.Equal(t, `sudo -S -p '[sudo] password:' /bin/sh -c 'echo '"'"'hello world'"'"''`, wrapped)
}

func TestStripPrompt(t *testing.T) {
	out := stripPrompt("[sudo] password:active\r\n")

	assert.Equal(t, "active", out)
}

func TestStripPromptLeavesCleanOutput(t *testing.T) {
	out := stripPrompt("  multiple\nlines here\n")

	assert.Equal(t, "multiple\nlines here", out)
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"plain", "ls -la", "'ls -la'"},
		{"embedded quote", "it's", `'it'"'"'s'`},
		{"empty", "", "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, shellQuote(tt.in))
		})
	}
}

func TestParsePercent(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected float64
	}{
		{"bare number", "42.5", 42.5},
		{"df percent sign", " 87%", 87},
		{"trailing newline", "12.3\n", 12.3},
		{"header noise", "Use%\n 54%", 54},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parsePercent(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestParsePercentRejectsGarbage(t *testing.T) {
	_, err := parsePercent("command not found")

	assert.Error(t, err)
}

func TestParseCombinedUsage(t *testing.T) {
	cpu, mem, disk, err := parseCombinedUsage("3.5 42.7  87%")

	require.NoError(t, err)
	assert.Equal(t, 3.5, cpu)
	assert.Equal(t, 42.7, mem)
	assert.Equal(t, 87.0, disk)
}

func TestParseCombinedUsageRejectsShortOutput(t *testing.T) {
	_, _, _, err := parseCombinedUsage("3.5 42.7")

	assert.Error(t, err)
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &TransportError{Addr: "10.0.0.5:22", Err: cause}

	assert.Contains(t, err.Error(), "10.0.0.5:22")
	assert.True(t, IsTransport(err))
	assert.False(t, IsCommand(err))
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestCommandErrorHidesCommandLine(t *testing.T) {
	err := &CommandError{
		Cmd:    "echo secret-password | tool --login",
		Output: "login failed",
		Err:    errors.New("exit status 1"),
	}

	assert.NotContains(t, err.Error(), "secret-password")
	assert.True(t, IsCommand(err))
	assert.False(t, IsTransport(err))
}

func TestOpenRequiresCredentials(t *testing.T) {
	server := &types.Server{
		ID:   "srv-1",
		Host: "192.0.2.1",
		Port: 22,
		User: "root",
	}

	_, err := Open(context.Background(), server, Options{})

	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Contains(t, err.Error(), "no credentials configured")
}

func TestOpenRejectsMissingKeyFile(t *testing.T) {
	server := &types.Server{
		ID:   "srv-1",
		Host: "192.0.2.1",
		Port: 22,
		User: "ops",
	}

	_, err := Open(context.Background(), server, Options{KeyFile: "/nonexistent/key"})

	require.Error(t, err)
	assert.True(t, IsTransport(err))
}
