// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package tailer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/atomic"
)

// Writer emits compact JSON rows, one per line. In batch mode rows accumulate
// in a temp file which replaces the destination atomically on Commit; in
// follow mode rows are appended line-buffered so readers see them promptly.
type Writer struct {
	path   string
	follow bool
	file   *os.File
	buf    *bufio.Writer

	// RowsWritten counts emitted rows for end-of-stage logging.
	RowsWritten *atomic.Int64
}

// NewWriter opens the output file for path. The parent directory must exist;
// an unwritable destination fails here, before any input is consumed.
func NewWriter(path string, follow bool) (*Writer, error) {
	w := &Writer{
		path:        path,
		follow:      follow,
		RowsWritten: atomic.NewInt64(0),
	}
	var err error
	if follow {
		w.file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	} else {
		w.file, err = os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	}
	if err != nil {
		return nil, fmt.Errorf("opening output %s: %w", path, err)
	}
	w.buf = bufio.NewWriter(w.file)
	return w, nil
}

// WriteRow marshals v compactly and appends it as one line. In follow mode
// the line is flushed immediately.
func (w *Writer) WriteRow(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling row: %w", err)
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	w.RowsWritten.Inc()
	if w.follow {
		return w.buf.Flush()
	}
	return nil
}

// Commit finalizes the output. Batch outputs are renamed into place so the
// destination is never observed half-written.
func (w *Writer) Commit() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.follow {
		return w.file.Close()
	}
	tmp := w.file.Name()
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", w.path, err)
	}
	return nil
}

// Abort discards a batch output without touching the destination.
func (w *Writer) Abort() {
	if w.follow {
		w.buf.Flush()
		w.file.Close()
		return
	}
	tmp := w.file.Name()
	w.file.Close()
	os.Remove(tmp)
}
