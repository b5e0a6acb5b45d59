// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package tailer implements the line-oriented file I/O shared by the
// streaming stages: a rotation-aware reader and the batch/append writers.
package tailer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/sandtrace/agent/pkg/util/log"
)

// DefaultPollInterval is how long the reader sleeps on EOF in follow mode
// before probing the file again.
const DefaultPollInterval = 500 * time.Millisecond

// Reader yields lines from a file. In follow mode it polls on EOF and
// survives rotation: the file is re-opened when its inode changes and reset
// to offset zero when it shrinks.
type Reader struct {
	path         string
	follow       bool
	pollInterval time.Duration

	file   *os.File
	reader *bufio.Reader
	inode  uint64
	offset int64

	// partial buffers an incomplete trailing line until its newline shows up.
	partial strings.Builder

	stop chan struct{}

	// BytesRead and LinesRead are updated as the file is consumed and logged
	// when the reader closes.
	BytesRead *atomic.Int64
	LinesRead *atomic.Int64
}

// NewReader opens path for line iteration. A zero pollInterval selects
// DefaultPollInterval.
func NewReader(path string, follow bool, pollInterval time.Duration) (*Reader, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	r := &Reader{
		path:         path,
		follow:       follow,
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
		BytesRead:    atomic.NewInt64(0),
		LinesRead:    atomic.NewInt64(0),
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", r.path, err)
	}
	r.file = f
	r.reader = bufio.NewReader(f)
	r.offset = 0
	r.inode = 0
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err == nil {
		r.inode = st.Ino
	}
	return nil
}

// Stop unblocks a follow-mode reader waiting for data. Subsequent Next calls
// return io.EOF once the currently buffered data is drained.
func (r *Reader) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Next returns the next complete line without its trailing newline. It
// returns io.EOF at end of input (batch mode) or after Stop (follow mode).
func (r *Reader) Next() (string, error) {
	for {
		chunk, err := r.reader.ReadString('\n')
		if len(chunk) > 0 {
			r.offset += int64(len(chunk))
			r.BytesRead.Add(int64(len(chunk)))
			r.partial.WriteString(chunk)
		}
		if err == nil {
			line := strings.TrimSuffix(r.partial.String(), "\n")
			r.partial.Reset()
			r.LinesRead.Inc()
			return line, nil
		}
		if err != io.EOF {
			return "", err
		}

		if !r.follow {
			// A final unterminated line still counts in batch mode.
			if r.partial.Len() > 0 {
				line := r.partial.String()
				r.partial.Reset()
				r.LinesRead.Inc()
				return line, nil
			}
			return "", io.EOF
		}

		if rotated := r.checkRotation(); !rotated {
			select {
			case <-r.stop:
				if r.partial.Len() > 0 {
					line := r.partial.String()
					r.partial.Reset()
					r.LinesRead.Inc()
					return line, nil
				}
				return "", io.EOF
			case <-time.After(r.pollInterval):
			}
		}
	}
}

// checkRotation probes the tailed path and re-synchronizes the reader when
// the file was rotated. Returns true when the reader moved, in which case
// the caller should retry the read immediately instead of sleeping.
func (r *Reader) checkRotation() bool {
	var st unix.Stat_t
	if err := unix.Stat(r.path, &st); err != nil {
		// The file may be mid-rotation. Keep polling.
		return false
	}
	if st.Ino != r.inode {
		log.Infof("file %s rotated (inode change), re-opening from start", r.path)
		r.file.Close()
		r.partial.Reset()
		if err := r.open(); err != nil {
			log.Warnf("re-opening rotated file %s: %v", r.path, err) //nolint:errcheck
			return false
		}
		return true
	}
	if st.Size < r.offset {
		log.Infof("file %s truncated (%d < %d), seeking to start", r.path, st.Size, r.offset)
		if _, err := r.file.Seek(0, io.SeekStart); err != nil {
			log.Warnf("seeking %s: %v", r.path, err) //nolint:errcheck
			return false
		}
		r.reader.Reset(r.file)
		r.partial.Reset()
		r.offset = 0
		return true
	}
	return false
}

// Close releases the underlying file and logs consumption counters.
func (r *Reader) Close() error {
	log.Infof("closed %s, read %d bytes and %d lines", r.path, r.BytesRead.Load(), r.LinesRead.Load())
	return r.file.Close()
}
