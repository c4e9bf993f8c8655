package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyj/jelly-j/pkg/protocol"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	return NewJournal(filepath.Join(t.TempDir(), "history.jsonl"))
}

func TestSnapshotMissingFile(t *testing.T) {
	j := newTestJournal(t)
	entries, err := j.Snapshot(0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func TestAppendAndSnapshotOrder(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.AppendUser("dev", "hi"))
	require.NoError(t, j.AppendAssistant("dev", "hello"))
	require.NoError(t, j.AppendNote("", "model changed"))

	entries, err := j.Snapshot(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, protocol.RoleUser, entries[0].Role)
	assert.Equal(t, protocol.RoleAssistant, entries[1].Role)
	assert.Equal(t, protocol.RoleNote, entries[2].Role)
	assert.Equal(t, "dev", entries[0].Session)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestSnapshotLimitKeepsSuffix(t *testing.T) {
	j := newTestJournal(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, j.AppendUser("", fmt.Sprintf("msg-%d", i)))
	}

	entries, err := j.Snapshot(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "msg-7", entries[0].Text)
	assert.Equal(t, "msg-9", entries[2].Text)
}

func TestSnapshotSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	content := `{"timestamp":"2026-08-01T00:00:00Z","role":"user","text":"ok"}
{garbage
{"no_role":"here"}
{"timestamp":"2026-08-01T00:00:01Z","role":"assistant","text":"fine"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	entries, err := NewJournal(path).Snapshot(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ok", entries[0].Text)
	assert.Equal(t, "fine", entries[1].Text)
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	j := newTestJournal(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for k := 0; k < 25; k++ {
				_ = j.AppendNote("", fmt.Sprintf("writer-%d-%d", n, k))
			}
		}(i)
	}
	wg.Wait()

	entries, err := j.Snapshot(400)
	require.NoError(t, err)
	assert.Len(t, entries, 200)
}
