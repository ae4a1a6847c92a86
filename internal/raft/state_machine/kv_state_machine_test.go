package state_machine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quorumd/internal/raft"
)

func applyCommand(t *testing.T, kv *KVStateMachine, cmd string) string {
	t.Helper()
	result, err := kv.Apply(&raft.LogEntry{Type: raft.EntryCommand, Command: []byte(cmd)})
	require.NoError(t, err)
	return string(result)
}

func TestKVApply(t *testing.T) {
	kv := NewKVStateMachine()

	t.Run("set and get", func(t *testing.T) {
		assert.Equal(t, "OK", applyCommand(t, kv, "SET color=blue"))
		value, ok := kv.Get("color")
		require.True(t, ok)
		assert.Equal(t, "blue", value)
	})

	t.Run("delete", func(t *testing.T) {
		applyCommand(t, kv, "SET doomed=1")
		assert.Equal(t, "OK", applyCommand(t, kv, "DEL doomed"))
		_, ok := kv.Get("doomed")
		assert.False(t, ok)
	})

	t.Run("bad commands fail in the result, not the error", func(t *testing.T) {
		assert.Contains(t, applyCommand(t, kv, "SET malformed"), "ERR")
		assert.Contains(t, applyCommand(t, kv, "DEL missing"), "ERR")
		assert.Contains(t, applyCommand(t, kv, "EXPLODE"), "ERR")
	})

	t.Run("non-command entries are ignored", func(t *testing.T) {
		result, err := kv.Apply(&raft.LogEntry{Type: raft.EntryNoop})
		require.NoError(t, err)
		assert.Nil(t, result)
	})
}

func TestKVQuery(t *testing.T) {
	kv := NewKVStateMachine()
	applyCommand(t, kv, "SET a=1")
	applyCommand(t, kv, "SET b=2")

	result, err := kv.Query([]byte("GET a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(result))

	result, err = kv.Query([]byte("GET nope"))
	require.NoError(t, err)
	assert.Contains(t, string(result), "ERR")

	result, err = kv.Query([]byte("KEYS"))
	require.NoError(t, err)
	var keys []string
	require.NoError(t, json.Unmarshal(result, &keys))
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestKVSnapshotRestore(t *testing.T) {
	kv := NewKVStateMachine()
	applyCommand(t, kv, "SET a=1")
	applyCommand(t, kv, "SET b=2")

	data, err := kv.Snapshot()
	require.NoError(t, err)

	restored := NewKVStateMachine()
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, 2, restored.Len())
	value, ok := restored.Get("b")
	require.True(t, ok)
	assert.Equal(t, "2", value)

	// Restore replaces, never merges.
	applyCommand(t, restored, "SET c=3")
	require.NoError(t, restored.Restore(data))
	_, ok = restored.Get("c")
	assert.False(t, ok)

	assert.Error(t, restored.Restore([]byte("not json")))
}
