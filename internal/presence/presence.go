// Package presence tracks which members of a channel are online together with
// their metadata, and reports every transition as a join, change or leave diff.
package presence

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownPresence is returned when an id has no presence entry.
	ErrUnknownPresence = errors.New("presence: no presence entry")
	// ErrAlreadyTracked is returned when tracking an id that already has an entry.
	ErrAlreadyTracked = errors.New("presence: already tracked")
)

// Metadata is the opaque value attached to a presence entry.
type Metadata = map[string]any

// DiffType names a presence transition.
type DiffType string

const (
	Join   DiffType = "join"
	Change DiffType = "change"
	Leave  DiffType = "leave"
)

// Diff describes a single presence transition. Presence always holds exactly
// one element; it is a list so clients can handle multi-entry presence later.
type Diff struct {
	Type     DiffType   `json:"type"`
	Changed  Metadata   `json:"changed"`
	Presence []Metadata `json:"presence"`
}

// ToPayload converts the diff into the generic payload shape used on the wire.
func (d Diff) ToPayload() map[string]any {
	presence := make([]any, len(d.Presence))
	for i, p := range d.Presence {
		presence[i] = p
	}
	return map[string]any{
		"type":     string(d.Type),
		"changed":  d.Changed,
		"presence": presence,
	}
}

type entry struct {
	metadata Metadata
	version  uint64
	onChange func(Diff)
}

// Engine is a per-channel presence state machine keyed by member id. The
// onChange callbacks run synchronously while the engine lock is released.
type Engine struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{entries: make(map[string]*entry)}
}

// Track registers id with metadata and immediately reports a join diff to
// onChange. The same callback receives every later diff for id.
func (e *Engine) Track(id string, metadata Metadata, onChange func(Diff)) error {
	e.mu.Lock()
	if _, exists := e.entries[id]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, id)
	}
	e.entries[id] = &entry{metadata: metadata, version: 1, onChange: onChange}
	e.mu.Unlock()

	notify(onChange, Join, metadata)
	return nil
}

// Update replaces the metadata of id and reports a change diff.
func (e *Engine) Update(id string, metadata Metadata) error {
	e.mu.Lock()
	current, exists := e.entries[id]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPresence, id)
	}
	current.metadata = metadata
	current.version++
	onChange := current.onChange
	e.mu.Unlock()

	notify(onChange, Change, metadata)
	return nil
}

// Remove deletes the entry for id and reports a leave diff carrying the last
// known metadata.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	current, exists := e.entries[id]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPresence, id)
	}
	delete(e.entries, id)
	e.mu.Unlock()

	notify(current.onChange, Leave, current.metadata)
	return nil
}

// Get returns the current metadata of id.
func (e *Engine) Get(id string) (Metadata, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, exists := e.entries[id]
	if !exists {
		return nil, false
	}
	return current.metadata, true
}

// version returns how many times the entry for id has been written, or zero
// when id is not tracked.
func (e *Engine) version(id string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if current, exists := e.entries[id]; exists {
		return current.version
	}
	return 0
}

// Snapshot returns every tracked id mapped to its presence entries.
func (e *Engine) Snapshot() map[string][]Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := make(map[string][]Metadata, len(e.entries))
	for id, current := range e.entries {
		snapshot[id] = []Metadata{current.metadata}
	}
	return snapshot
}

// Len returns the number of tracked ids.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func notify(onChange func(Diff), diffType DiffType, metadata Metadata) {
	if onChange == nil {
		return
	}
	onChange(Diff{Type: diffType, Changed: metadata, Presence: []Metadata{metadata}})
}
