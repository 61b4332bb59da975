// Package storage persists intermediate and final records between
// phases. Every ref is derived from a task or partition id, so a
// retried attempt overwrites its predecessor's file instead of
// leaving duplicates behind.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flaviotulioalmeida/mapreduce-redis/internal/types"
)

// GroupWriter streams key groups into one partition's input set.
// Implementations may buffer or write through; the shuffle engine never
// assumes the full partition fits in memory.
type GroupWriter interface {
	Append(group types.KeyGroup) error
	Close() error
}

// Store is the chunk/partition storage contract: records in, records
// out, addressed by ref.
type Store interface {
	WriteRecords(ref string, records []types.KeyValue) error
	ReadRecords(ref string) ([]types.KeyValue, error)
	OpenGroupWriter(ref string) (GroupWriter, error)
	ReadGroups(ref string) ([]types.KeyGroup, error)
}

// FS is a filesystem-backed Store keeping one JSON-lines file per ref.
type FS struct {
	dir string
}

// NewFS creates the backing directory if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &FS{dir: dir}, nil
}

func (f *FS) path(ref string) string {
	return filepath.Join(f.dir, ref+".jsonl")
}

// WriteRecords replaces the ref's file with the given records, one JSON
// object per line. The write goes through a temp file and rename so a
// crashed attempt never leaves a half-written file behind.
func (f *FS) WriteRecords(ref string, records []types.KeyValue) error {
	tmp, err := os.CreateTemp(f.dir, ref+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", ref, err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write record for %s: %w", ref, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), f.path(ref)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ref, err)
	}
	return nil
}

func (f *FS) ReadRecords(ref string) ([]types.KeyValue, error) {
	file, err := os.Open(f.path(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to open records %s: %w", ref, err)
	}
	defer file.Close()

	var records []types.KeyValue
	dec := json.NewDecoder(bufio.NewReader(file))
	for dec.More() {
		var rec types.KeyValue
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("corrupt record in %s: %w", ref, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

type fsGroupWriter struct {
	ref  string
	dst  string
	tmp  *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	fail error
}

func (w *fsGroupWriter) Append(group types.KeyGroup) error {
	if w.fail != nil {
		return w.fail
	}
	if err := w.enc.Encode(group); err != nil {
		w.fail = fmt.Errorf("failed to write group for %s: %w", w.ref, err)
		return w.fail
	}
	return nil
}

func (w *fsGroupWriter) Close() error {
	defer os.Remove(w.tmp.Name())
	if w.fail != nil {
		w.tmp.Close()
		return w.fail
	}
	if err := w.buf.Flush(); err != nil {
		w.tmp.Close()
		return fmt.Errorf("failed to flush groups for %s: %w", w.ref, err)
	}
	if err := w.tmp.Close(); err != nil {
		return fmt.Errorf("failed to close groups for %s: %w", w.ref, err)
	}
	if err := os.Rename(w.tmp.Name(), w.dst); err != nil {
		return fmt.Errorf("failed to publish groups for %s: %w", w.ref, err)
	}
	return nil
}

// OpenGroupWriter starts a streaming write of the ref's key groups.
// Nothing is visible under the ref until Close succeeds.
func (f *FS) OpenGroupWriter(ref string) (GroupWriter, error) {
	tmp, err := os.CreateTemp(f.dir, ref+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for %s: %w", ref, err)
	}
	buf := bufio.NewWriter(tmp)
	return &fsGroupWriter{
		ref: ref,
		dst: f.path(ref),
		tmp: tmp,
		buf: buf,
		enc: json.NewEncoder(buf),
	}, nil
}

func (f *FS) ReadGroups(ref string) ([]types.KeyGroup, error) {
	file, err := os.Open(f.path(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to open groups %s: %w", ref, err)
	}
	defer file.Close()

	var groups []types.KeyGroup
	dec := json.NewDecoder(bufio.NewReader(file))
	for dec.More() {
		var g types.KeyGroup
		if err := dec.Decode(&g); err != nil {
			return nil, fmt.Errorf("corrupt group in %s: %w", ref, err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}
