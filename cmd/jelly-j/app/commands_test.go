package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCmd()

	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "daemon")
	assert.Contains(t, names, "ui")
	assert.Contains(t, names, "doctor")
	assert.Contains(t, names, "version")
}

func TestSetupUsesStateDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("JELLY_J_STATE_DIR", dir)

	_, log, resolved, err := setup()
	require.NoError(t, err)
	defer log.Sync()

	assert.Equal(t, dir, resolved)
}

func TestVersionCommandRuns(t *testing.T) {
	cmd := newVersionCmd()
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
}
