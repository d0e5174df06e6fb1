package paxos

import (
	"fmt"
	"sync"
)

// FileStore is a Store backed by a record log of put operations. The whole
// content is kept in memory; the log is only read when the store is opened.
type FileStore struct {
	log    *RecordLog
	memory *MemoryStore

	// Serializes writes so that the log and the memory copy agree on the
	// last value of each key.
	writeMu sync.Mutex
}

func NewFileStore(filePath string) *FileStore {
	return &FileStore{
		log:    NewRecordLog(filePath),
		memory: NewMemoryStore(),
	}
}

func (s *FileStore) Open() error {
	replay := func(data []byte) error {
		op, err := DecodeOp(data)
		if err != nil {
			return fmt.Errorf("cannot decode op: %w", err)
		}

		switch opv := op.(type) {
		case *OpPut:
			s.memory.Set(opv.Key, opv.Value)
		}

		return nil
	}

	if err := s.log.Open(replay); err != nil {
		return err
	}

	keys := s.memory.Keys()
	records := make([][]byte, len(keys))

	for i, key := range keys {
		value, _ := s.memory.Get(key)
		records[i] = EncodeOp(&OpPut{Key: key, Value: value})
	}

	if err := s.log.Compact(records); err != nil {
		s.log.Close()
		return fmt.Errorf("cannot compact store: %w", err)
	}

	return nil
}

func (s *FileStore) Close() {
	s.log.Close()
}

func (s *FileStore) Get(key string) (string, bool) {
	return s.memory.Get(key)
}

func (s *FileStore) Set(key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.log.Append(EncodeOp(&OpPut{Key: key, Value: value})); err != nil {
		return err
	}

	return s.memory.Set(key, value)
}

func (s *FileStore) Keys() []string {
	return s.memory.Keys()
}
