package session

import (
	"sync"
	"sync/atomic"
)

// slot holds one operator's session. mu serializes every read and write of
// sess and loaded; state is readable without the lock so callers can be
// turned away while a long operation holds it.
type slot struct {
	mu     sync.Mutex
	state  atomic.Int32
	loaded bool
	sess   *Session
}

func (sl *slot) State() State {
	return State(sl.state.Load())
}

func (sl *slot) setState(s State) {
	sl.state.Store(int32(s))
}

// reset drops the cached session so the next access reloads it.
func (sl *slot) reset(operatorID string) {
	sl.loaded = false
	sl.sess = newSession(operatorID)
	sl.setState(StateUninitialized)
}

// store is the registry of per-operator slots.
type store struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func newStore() *store {
	return &store{slots: make(map[string]*slot)}
}

func (st *store) get(operatorID string) *slot {
	st.mu.Lock()
	defer st.mu.Unlock()

	sl, ok := st.slots[operatorID]
	if !ok {
		sl = &slot{sess: newSession(operatorID)}
		st.slots[operatorID] = sl
	}
	return sl
}

// peek returns the slot without creating it.
func (st *store) peek(operatorID string) (*slot, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sl, ok := st.slots[operatorID]
	return sl, ok
}
