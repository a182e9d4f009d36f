package wal

// ============================================================================
// WAL core
// Responsibilities:
// 1. Append JSON documents to an append-only file, one entry per line
// 2. Protect every entry with a CRC32 checksum
// 3. Replay entries in order, stopping at the first corrupted one
// 4. Resume the sequence number from the last entry on reopen
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WAL is an append-only, checksummed log file.
type WAL struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// Open creates or opens a WAL at path. The parent directory is created when
// missing. An existing file is scanned to resume the sequence number.
func Open(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create wal directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	w := &WAL{
		file:         file,
		path:         path,
		syncOnAppend: syncOnAppend,
	}

	// Resume seq from the last decodable entry; a torn tail is tolerated.
	_ = w.scan(func(e Entry) error {
		w.seq = e.Seq
		return nil
	}, false)

	return w, nil
}

// Append writes payload as a new entry and returns it.
func (w *WAL) Append(payload []byte) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Entry{}, ErrWALClosed
	}

	// The checksum covers the exact bytes written, so compact first.
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return Entry{}, fmt.Errorf("wal payload is not valid JSON: %w", err)
	}

	seq := w.seq + 1
	entry := Entry{
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  CalculateChecksum(seq, compact.Bytes()),
		Payload:   json.RawMessage(compact.Bytes()),
	}

	var line bytes.Buffer
	enc := json.NewEncoder(&line)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return Entry{}, fmt.Errorf("encode wal entry: %w", err)
	}

	if _, err := w.file.Write(line.Bytes()); err != nil {
		return Entry{}, fmt.Errorf("write wal entry: %w", err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Entry{}, fmt.Errorf("sync wal: %w", err)
		}
	}

	w.seq = seq
	return entry, nil
}

// Replay reads every entry from the start of the file, verifies its checksum
// and passes it to handler. It stops at the first corrupted entry or handler error.
func (w *WAL) Replay(handler EntryHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	return w.scan(handler, true)
}

// scan must be called with w.mu held or before w is shared.
func (w *WAL) scan(handler EntryHandler, verify bool) error {
	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open wal for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("decode wal entry after seq=%d: %w", w.seq, err)
		}

		if verify && !VerifyChecksum(entry) {
			return &ChecksumError{
				Seq:      entry.Seq,
				Expected: CalculateChecksum(entry.Seq, entry.Payload),
				Actual:   entry.Checksum,
			}
		}

		if err := handler(entry); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// LastSeq returns the sequence number of the last appended entry.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the WAL file path.
func (w *WAL) Path() string {
	return w.path
}

// Close syncs and closes the file. A closed WAL must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("sync wal: %w", err)
	}
	return w.file.Close()
}
