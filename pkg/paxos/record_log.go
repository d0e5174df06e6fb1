package paxos

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
)

// MaxRecordSize is the maximal size of the data of a record.
const MaxRecordSize = 64 * 1024 * 1024

// RecordLog is an append-only file of length-prefixed records. Every append
// is synced before returning. A truncated record at the end of the file,
// left by a crash in the middle of a write, is discarded when the log is
// opened, and so is a record whose header announces more data than the file
// contains.
type RecordLog struct {
	filePath string
	file     *os.File

	mu sync.Mutex
}

type RecordReplayFunc func([]byte) error

func NewRecordLog(filePath string) *RecordLog {
	return &RecordLog{
		filePath: filePath,
	}
}

func (l *RecordLog) Open(replayFunc RecordReplayFunc) error {
	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(l.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", l.filePath, err)
	}

	offset, err := l.replay(file, replayFunc)
	if err != nil {
		file.Close()
		return err
	}

	if err := file.Truncate(offset); err != nil {
		file.Close()
		return fmt.Errorf("cannot truncate %q: %w", l.filePath, err)
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("cannot seek %q: %w", l.filePath, err)
	}

	l.file = file

	return nil
}

func (l *RecordLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func (l *RecordLog) replay(file *os.File, replayFunc RecordReplayFunc) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("cannot stat %q: %w", l.filePath, err)
	}

	fileSize := info.Size()

	r := bufio.NewReader(file)

	var offset int64

	for {
		var header [4]byte

		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}

			return 0, fmt.Errorf("cannot read %q: %w", l.filePath, err)
		}

		size := binary.BigEndian.Uint32(header[:])

		remaining := fileSize - offset - int64(len(header))
		if size > MaxRecordSize || int64(size) > remaining {
			return offset, nil
		}

		data := make([]byte, size)

		if _, err := io.ReadFull(r, data); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return offset, nil
			}

			return 0, fmt.Errorf("cannot read %q: %w", l.filePath, err)
		}

		if replayFunc != nil {
			if err := replayFunc(data); err != nil {
				return 0, fmt.Errorf("cannot replay record at offset %d "+
					"in %q: %w", offset, l.filePath, err)
			}
		}

		offset += int64(len(header)) + int64(size)
	}
}

func (l *RecordLog) Append(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("record log %q is not open", l.filePath)
	}

	if len(data) > MaxRecordSize {
		return fmt.Errorf("record of %d bytes is too large", len(data))
	}

	if err := writeRecord(l.file, data); err != nil {
		return fmt.Errorf("cannot write to %q: %w", l.filePath, err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", l.filePath, err)
	}

	return nil
}

// Compact replaces the content of the log with a new set of records. The new
// content is written to a temporary file which is then renamed, so that the
// log is never left half-written.
func (l *RecordLog) Compact(records [][]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.filePath + ".tmp"

	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	file, err := os.OpenFile(tmpPath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", tmpPath, err)
	}

	w := bufio.NewWriter(file)

	for _, data := range records {
		if err := writeRecord(w, data); err != nil {
			file.Close()
			return fmt.Errorf("cannot write to %q: %w", tmpPath, err)
		}
	}

	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("cannot write to %q: %w", tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("cannot sync %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, l.filePath); err != nil {
		file.Close()
		return fmt.Errorf("cannot rename %q: %w", tmpPath, err)
	}

	if err := syncDirectory(path.Dir(l.filePath)); err != nil {
		file.Close()
		return err
	}

	if l.file != nil {
		l.file.Close()
	}

	l.file = file

	return nil
}

// syncDirectory makes directory entry changes, such as a rename, durable.
func syncDirectory(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", dirPath, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", dirPath, err)
	}

	return nil
}

func writeRecord(w io.Writer, data []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	_, err := w.Write(data)
	return err
}
