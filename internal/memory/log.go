package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Log record ops.
const (
	opPut    = "put"
	opPatch  = "patch"
	opDelete = "delete"
)

// record is one line of the append-only memory log.
type record struct {
	Op    string          `json:"op"`
	TS    int64           `json:"ts"`
	Entry json.RawMessage `json:"entry"`
}

// patchBody is the entry payload of a patch record.
type patchBody struct {
	ID     string `json:"id"`
	Fields Patch  `json:"fields"`
}

// deleteBody is the entry payload of a delete record.
type deleteBody struct {
	ID string `json:"id"`
}

// appendRecord encodes one record and appends it durably: the write returns
// only after fsync.
func appendRecord(f *os.File, rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding log record: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending log record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing log: %w", err)
	}
	return nil
}

// openLog opens the log for appending, first truncating a torn trailing
// line left by a crash mid-append.
func openLog(path string) (*os.File, error) {
	if err := truncateTornTail(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening memory log: %w", err)
	}
	return f, nil
}

// truncateTornTail removes a trailing partial line (no terminating newline)
// so replay sees only whole records.
func truncateTornTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening memory log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating memory log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	// Scan backwards for the last newline.
	const chunk = 4096
	pos := size
	lastNewline := int64(-1)
	buf := make([]byte, chunk)
	for pos > 0 && lastNewline < 0 {
		readFrom := pos - chunk
		if readFrom < 0 {
			readFrom = 0
		}
		n := pos - readFrom
		if _, err := f.ReadAt(buf[:n], readFrom); err != nil && err != io.EOF {
			return fmt.Errorf("reading memory log tail: %w", err)
		}
		if idx := bytes.LastIndexByte(buf[:n], '\n'); idx >= 0 {
			lastNewline = readFrom + int64(idx)
		}
		pos = readFrom
	}

	end := lastNewline + 1
	if end == size {
		return nil
	}
	if err := f.Truncate(end); err != nil {
		return fmt.Errorf("truncating torn log tail: %w", err)
	}
	return nil
}

// replay streams every record in the log in order. Malformed lines abort
// replay; openLog removes a torn trailing line beforehand, but other
// malformed lines are neither skipped nor repaired.
func replay(path string, apply func(record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening memory log for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxContentBytes*2)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("memory log line %d: %w", lineNo, err)
		}
		if err := apply(rec); err != nil {
			return fmt.Errorf("memory log line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading memory log: %w", err)
	}
	return nil
}
