// Package persist provides the durable mirror used to carry engine state
// across sessions. The in-memory engine state is authoritative at all
// times; a mirror that fails to load or save is logged and ignored.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorruptState indicates persisted state that cannot be decoded or was
// written with an incompatible version. Callers discard the state and
// start empty instead of attempting a migration.
var ErrCorruptState = errors.New("corrupt persisted state")

// DurableStore stores serialized engine state under a component name.
//
// Implementations must be thread-safe!
type DurableStore interface {
	// Load returns the state stored under the given name.
	// The boolean is false if nothing is stored.
	Load(name string) ([]byte, bool, error)
	// Save stores the state under the given name, replacing any
	// previous state.
	Save(name string, data []byte) error
	// Clear removes the state stored under the given name.
	Clear(name string) error
}

type envelope struct {
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

// Encode wraps the given state in a version envelope.
func Encode(version int, state interface{}) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: version, State: raw})
}

// Decode unwraps a version envelope into state. It returns
// ErrCorruptState if the data is unreadable or was written with a
// different version.
func Decode(data []byte, version int, state interface{}) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if env.Version != version {
		return fmt.Errorf("%w: version %d, want %d", ErrCorruptState, env.Version, version)
	}
	if err := json.Unmarshal(env.State, state); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return nil
}
