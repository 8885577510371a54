// Package store provides the durable append-only line store backing the
// usage ledger and the audit log in file mode.
//
// Each record is one canonical JSON document per line. Append fsyncs the
// record's bytes before returning, so a record that Append acknowledged is
// visible after a crash. Recovery scans from offset zero and stops at the
// first unparseable or unterminated line, discarding the truncated tail.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// AppendLog is a single-writer append-only file of newline-delimited
// records.
type AppendLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenAppendLog opens (or creates) the log at path, truncating any
// partially written tail left by a crash mid-append.
func OpenAppendLog(path string) (*AppendLog, error) {
	durable, err := recoverPrefix(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open append log %s: %w", path, err)
	}
	if err := f.Truncate(durable); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate append log %s to %d: %w", path, durable, err)
	}
	if _, err := f.Seek(durable, 0); err != nil {
		f.Close()
		return nil, err
	}

	return &AppendLog{path: path, f: f}, nil
}

// recoverPrefix returns the byte offset of the last fully written record.
func recoverPrefix(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan append log %s: %w", path, err)
	}

	var durable int64
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break // unterminated tail
		}
		line := data[:nl]
		if !json.Valid(line) {
			break // torn write
		}
		durable += int64(nl + 1)
		data = data[nl+1:]
	}
	return durable, nil
}

// Append writes one record and fsyncs before returning. The record must be
// a single JSON document without embedded newlines.
func (l *AppendLog) Append(record []byte) error {
	if bytes.IndexByte(record, '\n') >= 0 {
		return fmt.Errorf("append log record contains newline")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Write(append(record, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", l.path, err)
	}
	return nil
}

// Scan replays every durable record in insertion order. It stops early if
// fn returns false. Torn tail records are skipped, matching recovery.
func (l *AppendLog) Scan(fn func(record []byte) bool) error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !json.Valid(line) {
			return nil
		}
		rec := make([]byte, len(line))
		copy(rec, line)
		if !fn(rec) {
			return nil
		}
	}
	return scanner.Err()
}

// Close releases the underlying file handle.
func (l *AppendLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
