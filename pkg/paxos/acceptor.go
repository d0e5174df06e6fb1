package paxos

import (
	"fmt"
	"sync"
)

// Acceptor votes on proposals. State is kept per key so that rounds on
// different keys never block each other.
//
// For a given key, the promised id never decreases, and a proposal whose id
// is lower than the promised id is never promised or accepted. Rejections do
// not modify the state.
type Acceptor struct {
	store AcceptorStore

	mu   sync.Mutex
	keys map[string]*acceptorKey
}

type acceptorKey struct {
	mu    sync.Mutex
	state AcceptorState
}

// NewAcceptor creates an acceptor. If store is nil, state is only kept in
// memory.
func NewAcceptor(store AcceptorStore) *Acceptor {
	return &Acceptor{
		store: store,
		keys:  make(map[string]*acceptorKey),
	}
}

func (a *Acceptor) Load() error {
	if a.store == nil {
		return nil
	}

	states, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("cannot load acceptor state: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, state := range states {
		a.keys[key] = &acceptorKey{state: state}
	}

	return nil
}

func (a *Acceptor) key(key string) *acceptorKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	k, found := a.keys[key]
	if !found {
		k = &acceptorKey{}
		a.keys[key] = k
	}

	return k
}

func (a *Acceptor) State(key string) AcceptorState {
	k := a.key(key)

	k.mu.Lock()
	defer k.mu.Unlock()

	state := k.state
	if state.LastAccepted != nil {
		p := *state.LastAccepted
		state.LastAccepted = &p
	}

	return state
}

func (a *Acceptor) Prepare(p Proposal) (*Promise, error) {
	k := a.key(p.Key)

	k.mu.Lock()
	defer k.mu.Unlock()

	if p.Id.Less(k.state.MaxPromisedId) {
		return nil, &StaleProposalError{
			ProposalId: p.Id,
			PromisedId: k.state.MaxPromisedId,
		}
	}

	state := k.state
	state.MaxPromisedId = p.Id

	if err := a.save(p.Key, k.state, state); err != nil {
		return nil, err
	}

	k.state = state

	promise := Promise{
		PromisedId: p.Id,
	}

	if last := state.LastAccepted; last != nil {
		id := last.Id
		value := last.Value

		promise.AcceptedId = &id
		promise.AcceptedValue = &value
	}

	return &promise, nil
}

func (a *Acceptor) Accept(p Proposal) (*AcceptedMsg, error) {
	k := a.key(p.Key)

	k.mu.Lock()
	defer k.mu.Unlock()

	if p.Id.Less(k.state.MaxPromisedId) {
		return nil, &StaleProposalError{
			ProposalId: p.Id,
			PromisedId: k.state.MaxPromisedId,
		}
	}

	accepted := p

	// Accepting a proposal implies a promise for its id, so that no lower
	// proposal can be accepted afterwards.
	state := AcceptorState{
		MaxPromisedId: p.Id,
		MaxAcceptedId: p.Id,
		LastAccepted:  &accepted,
	}

	if err := a.save(p.Key, k.state, state); err != nil {
		return nil, err
	}

	k.state = state

	return &AcceptedMsg{
		Status:     AcceptStatusAccepted,
		ProposalId: p.Id,
		Proposal:   p,
	}, nil
}

func (a *Acceptor) save(key string, prevState, state AcceptorState) error {
	if a.store == nil {
		return nil
	}

	if prevState.MaxPromisedId == state.MaxPromisedId &&
		prevState.MaxAcceptedId == state.MaxAcceptedId &&
		prevState.LastAccepted == state.LastAccepted {
		return nil
	}

	if err := a.store.Save(key, state); err != nil {
		return fmt.Errorf("cannot save acceptor state for key %q: %w",
			key, err)
	}

	return nil
}
