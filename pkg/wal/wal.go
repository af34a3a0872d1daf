package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"lsmkv/pkg/entry"
	"os"
	"path/filepath"
	"sync"
)

// WAL implements write-ahead logging for a single memtable.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	buf      []byte
}

// Open opens (or creates) the log at path for appending.
func Open(path string) (*WAL, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: path,
	}, nil
}

// Append durably logs e. It returns only after the record reached stable storage.
func (w *WAL) Append(e entry.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return fmt.Errorf("WAL %s is closed", w.filePath)
	}

	var err error
	w.buf, err = e.AppendBinary(w.buf[:0])
	if err != nil {
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}

	if _, err := w.writer.Write(w.buf); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Replay calls callback for every logged entry in append order.
func (w *WAL) Replay(callback func(entry.Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		e, err := entry.Decode(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read WAL entry from %s: %w", w.filePath, err)
		}

		if err := callback(e); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}

	return nil
}

func (w *WAL) Path() string {
	return w.filePath
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// Remove closes the log and deletes its file.
func (w *WAL) Remove() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL file: %w", err)
	}
	return nil
}
