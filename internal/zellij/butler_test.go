package zellij

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyj/jelly-j/internal/common/logger"
)

// fakeZellij writes a shell script that stands in for the zellij binary and
// prints the given stdout.
func fakeZellij(t *testing.T, stdout string) *CLI {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zellij")
	script := "#!/bin/sh\nprintf '%s\\n' " + shellQuote(stdout) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return NewCLI(path, logger.Nop())
}

func newButler(t *testing.T, stdout string) *Butler {
	t.Helper()
	return NewButler(fakeZellij(t, stdout), "file:butler.wasm", logger.Nop())
}

func TestGetStateParsesSnapshot(t *testing.T) {
	b := newButler(t, `{"ok":true,"result":{"tabs":[{"position":0,"name":"Tab #1"}],"panes":[],"butler":{"ready":true}}}`)

	snap, err := b.GetState(context.Background(), EnvContext{SessionName: "dev"})
	require.NoError(t, err)
	require.Len(t, snap.Tabs, 1)
	assert.Equal(t, "Tab #1", snap.Tabs[0].Name)
	assert.True(t, snap.Butler.Ready)
}

func TestNotReadyIsTransient(t *testing.T) {
	b := newButler(t, `{"ok":false,"code":"not_ready","error":"caches not primed"}`)

	err := b.Ping(context.Background(), EnvContext{})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestRPCErrorCarriesCode(t *testing.T) {
	b := newButler(t, `{"ok":false,"code":"no_such_tab","error":"tab 9 not found"}`)

	err := b.RenameTab(context.Background(), EnvContext{}, 9, "builds")
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "no_such_tab", rpcErr.Code)
}

func TestCallSkipsPipeNoise(t *testing.T) {
	b := newButler(t, "some unrelated output\n{\"ok\":true,\"result\":{}}")

	assert.NoError(t, b.Ping(context.Background(), EnvContext{}))
}

func TestNoParseableResponse(t *testing.T) {
	b := newButler(t, "plugin did not answer")

	err := b.Ping(context.Background(), EnvContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no parseable response")
}

func TestTimeoutReplyMatchesErrTimeout(t *testing.T) {
	butler := newButler(t, `{"ok":false,"code":"timeout","error":"pipe deadline exceeded"}`)

	_, err := butler.GetState(context.Background(), EnvContext{SessionName: "dev"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeTimeout, rpcErr.Code)
}
