package state_machine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"quorumd/internal/raft"
)

// KVStateMachine is a key-value store driven by the replicated log.
// Commands: "SET key=value", "DEL key". Queries: "GET key", "KEYS".
// Results are plain strings; failures are declared in the result ("ERR ...")
// so they replay identically from the retry cache.
type KVStateMachine struct {
	mu    sync.RWMutex
	store map[string]string
}

var _ StateMachine = (*KVStateMachine)(nil)

// NewKVStateMachine creates an empty key-value state machine.
func NewKVStateMachine() *KVStateMachine {
	return &KVStateMachine{store: make(map[string]string)}
}

func (kv *KVStateMachine) Apply(entry *raft.LogEntry) ([]byte, error) {
	if entry.Type != raft.EntryCommand {
		return nil, nil
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	parts := strings.Fields(string(entry.Command))
	if len(parts) == 0 {
		return []byte("ERR empty command"), nil
	}

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) < 2 {
			return []byte("ERR SET requires key=value"), nil
		}
		pair := strings.SplitN(parts[1], "=", 2)
		if len(pair) != 2 {
			return []byte("ERR SET requires key=value"), nil
		}
		kv.store[pair[0]] = pair[1]
		return []byte("OK"), nil
	case "DEL":
		if len(parts) < 2 {
			return []byte("ERR DEL requires a key"), nil
		}
		if _, ok := kv.store[parts[1]]; !ok {
			return []byte(fmt.Sprintf("ERR key %q not found", parts[1])), nil
		}
		delete(kv.store, parts[1])
		return []byte("OK"), nil
	default:
		return []byte(fmt.Sprintf("ERR unknown command %q", parts[0])), nil
	}
}

func (kv *KVStateMachine) Query(query []byte) ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	parts := strings.Fields(string(query))
	if len(parts) == 0 {
		return []byte("ERR empty query"), nil
	}

	switch strings.ToUpper(parts[0]) {
	case "GET":
		if len(parts) < 2 {
			return []byte("ERR GET requires a key"), nil
		}
		value, ok := kv.store[parts[1]]
		if !ok {
			return []byte(fmt.Sprintf("ERR key %q not found", parts[1])), nil
		}
		return []byte(value), nil
	case "KEYS":
		keys := make([]string, 0, len(kv.store))
		for k := range kv.store {
			keys = append(keys, k)
		}
		data, err := json.Marshal(keys)
		if err != nil {
			return nil, err
		}
		return data, nil
	default:
		return []byte(fmt.Sprintf("ERR unknown query %q", parts[0])), nil
	}
}

func (kv *KVStateMachine) Snapshot() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return json.Marshal(kv.store)
}

func (kv *KVStateMachine) Restore(data []byte) error {
	store := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &store); err != nil {
			return fmt.Errorf("restore kv snapshot: %w", err)
		}
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.store = store
	return nil
}

// Get reads one key directly; used by local, non-linearizable inspection.
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// Len returns the number of stored keys.
func (kv *KVStateMachine) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.store)
}
