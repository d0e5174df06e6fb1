package paxos

import (
	"encoding/json"
	"fmt"
	"sort"
)

// AcceptorStore persists acceptor state. Save must not return before the
// state is durably stored: an acceptor which forgets a promise after a
// restart can let two different values be chosen.
type AcceptorStore interface {
	Load() (map[string]AcceptorState, error)
	Save(string, AcceptorState) error
}

type acceptorRecord struct {
	Key   string        `json:"key"`
	State AcceptorState `json:"state"`
}

type FileAcceptorStore struct {
	log *RecordLog
}

func NewFileAcceptorStore(filePath string) *FileAcceptorStore {
	return &FileAcceptorStore{
		log: NewRecordLog(filePath),
	}
}

func (s *FileAcceptorStore) Close() {
	s.log.Close()
}

// Load opens the log, replays it and compacts it to a single record per key.
func (s *FileAcceptorStore) Load() (map[string]AcceptorState, error) {
	states := make(map[string]AcceptorState)

	replay := func(data []byte) error {
		var record acceptorRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("cannot decode json data: %w", err)
		}

		states[record.Key] = record.State
		return nil
	}

	if err := s.log.Open(replay); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(states))
	for key := range states {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	records := make([][]byte, len(keys))
	for i, key := range keys {
		data, err := encodeAcceptorRecord(key, states[key])
		if err != nil {
			s.log.Close()
			return nil, err
		}

		records[i] = data
	}

	if err := s.log.Compact(records); err != nil {
		s.log.Close()
		return nil, fmt.Errorf("cannot compact acceptor log: %w", err)
	}

	return states, nil
}

func (s *FileAcceptorStore) Save(key string, state AcceptorState) error {
	data, err := encodeAcceptorRecord(key, state)
	if err != nil {
		return err
	}

	return s.log.Append(data)
}

func encodeAcceptorRecord(key string, state AcceptorState) ([]byte, error) {
	data, err := json.Marshal(acceptorRecord{Key: key, State: state})
	if err != nil {
		return nil, fmt.Errorf("cannot encode acceptor record: %w", err)
	}

	return data, nil
}
