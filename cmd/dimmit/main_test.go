package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimmit/dimmit/internal/socket"
)

type sent struct {
	path    string
	message string
}

func recordingSender(calls *[]sent, err error) sender {
	return func(ctx context.Context, path, message string) error {
		*calls = append(*calls, sent{path: path, message: message})
		return err
	}
}

func execute(t *testing.T, send sender, args ...string) error {
	t.Helper()
	root := newRootCmd(send)
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	return root.ExecuteContext(context.Background())
}

func TestArgsFor(t *testing.T) {
	tests := []struct {
		name      string
		argv0     string
		args      []string
		expected  []string
		expectErr bool
	}{
		{name: "dimmit-up", argv0: "/usr/local/bin/dimmit-up", expected: []string{"up"}},
		{name: "dimmit-down", argv0: "dimmit-down", expected: []string{"down"}},
		{name: "extra arguments rejected", argv0: "dimmit-up", args: []string{"now"}, expectErr: true},
		{name: "plain dimmit keeps arguments", argv0: "/usr/bin/dimmit", args: []string{"down"}, expected: []string{"down"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := argsFor(tt.argv0, tt.args)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, args)
		})
	}
}

func TestSocketPath(t *testing.T) {
	t.Setenv("DIMMIT_SOCK", "")
	assert.Equal(t, socket.DefaultPath, socketPath())

	t.Setenv("DIMMIT_SOCK", "/tmp/other.sock")
	assert.Equal(t, "/tmp/other.sock", socketPath())
}

func TestRootCmd_SendsCommands(t *testing.T) {
	t.Setenv("DIMMIT_SOCK", "/tmp/env.sock")

	var calls []sent
	send := recordingSender(&calls, nil)

	require.NoError(t, execute(t, send, "up"))
	require.NoError(t, execute(t, send, "down", "--socket", "/tmp/flag.sock"))

	assert.Equal(t, []sent{
		{path: "/tmp/env.sock", message: "up"},
		{path: "/tmp/flag.sock", message: "down"},
	}, calls)
}

func TestRootCmd_Errors(t *testing.T) {
	var calls []sent

	err := execute(t, recordingSender(&calls, errors.New("connection refused")), "up")
	assert.ErrorContains(t, err, "connection refused")

	assert.Error(t, execute(t, recordingSender(&calls, nil), "sideways"))
	assert.Error(t, execute(t, recordingSender(&calls, nil), "up", "twice"))
	assert.Len(t, calls, 1)
}
