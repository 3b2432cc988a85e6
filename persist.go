package chatsync

import (
	"context"
	"sync"
)

// PersistedState is what a Persister stores for one owner.
type PersistedState struct {
	Owner         string         `json:"owner"`
	FocusedID     int64          `json:"focused_id"`
	Conversations []Conversation `json:"conversations"`
}

// Persister saves committed store states. Save is called inside the store's
// write lock, once per committed transaction, and must be all-or-nothing.
type Persister interface {
	Save(ctx context.Context, state PersistedState) error
	// Load returns nil, nil when nothing is stored for owner.
	Load(ctx context.Context, owner string) (*PersistedState, error)
}

func persistedState(s *Snapshot) PersistedState {
	return PersistedState{
		Owner:         s.owner,
		FocusedID:     s.focusedID,
		Conversations: s.Conversations(),
	}
}

// ============================================================================
// MemoryPersister
// ============================================================================

// MemoryPersister is a goroutine-safe in-memory Persister, useful for tests
// and for keeping state across sessions inside one process.
type MemoryPersister struct {
	mu     sync.RWMutex
	states map[string]PersistedState
	saves  int
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{states: make(map[string]PersistedState)}
}

func (p *MemoryPersister) Save(_ context.Context, state PersistedState) error {
	if state.Owner == "" {
		return nil
	}
	convs := make([]Conversation, len(state.Conversations))
	for i, c := range state.Conversations {
		convs[i] = c.clone()
	}
	state.Conversations = convs

	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[state.Owner] = state
	p.saves++
	return nil
}

func (p *MemoryPersister) Load(_ context.Context, owner string) (*PersistedState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.states[owner]
	if !ok {
		return nil, nil
	}
	convs := make([]Conversation, len(state.Conversations))
	for i, c := range state.Conversations {
		convs[i] = c.clone()
	}
	state.Conversations = convs
	return &state, nil
}

// Saves returns how many states have been written.
func (p *MemoryPersister) Saves() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.saves
}
