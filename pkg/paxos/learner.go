package paxos

// Learner applies decided values to the store. Commits are applied
// unconditionally: only values chosen by a majority reach the learner.
type Learner struct {
	store Store
}

func NewLearner(store Store) *Learner {
	return &Learner{
		store: store,
	}
}

func (l *Learner) Insert(p Proposal) error {
	if err := l.store.Set(p.Key, p.Value); err != nil {
		return &StoreWriteError{Key: p.Key, Err: err}
	}

	return nil
}

func (l *Learner) Read(key string) (string, bool) {
	return l.store.Get(key)
}

func (l *Learner) Keys() []string {
	return l.store.Keys()
}
