// Package history implements the durable per-session event log: one
// append-only JSONL file per engine conversation id. Line 1 is a metadata
// header; every subsequent line is exactly one history entry in emission
// order.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ehrlich-b/perch/internal/protocol"
)

// Meta is the first record of every session file.
type Meta struct {
	LocalID        string `json:"local_id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	LastRewind     string `json:"last_rewind,omitempty"` // uuid of the last chat rewind target
}

// Store manages the session files of one project.
type Store struct {
	dir string
}

// Log is one session's open durable file.
type Log struct {
	Meta    Meta
	Entries []protocol.Entry

	path string
	f    *os.File // append handle, opened lazily
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

// Create starts a new session file for a freshly observed conversation id,
// writing the header and any entries accumulated before the id was known.
func (s *Store) Create(meta Meta, entries []protocol.Entry) (*Log, error) {
	if meta.ConversationID == "" {
		return nil, fmt.Errorf("create session log: empty conversation id")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, err
	}
	l := &Log{
		Meta:    meta,
		Entries: append([]protocol.Entry(nil), entries...),
		path:    filepath.Join(s.dir, meta.ConversationID+".jsonl"),
	}
	if err := l.rewriteFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadAll reads every session file in the directory, sorted by creation
// time. Unreadable files are skipped with the error reported via the skip
// callback (may be nil).
func (s *Store) LoadAll(skip func(path string, err error)) ([]*Log, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var logs []*Log
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		l, err := loadLog(path)
		if err != nil {
			if skip != nil {
				skip(path, err)
			}
			continue
		}
		logs = append(logs, l)
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].Meta.CreatedAt < logs[j].Meta.CreatedAt
	})
	return logs, nil
}

func loadLog(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty session file")
	}
	var meta Meta
	if err := json.Unmarshal(sc.Bytes(), &meta); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	l := &Log{Meta: meta, path: path}
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e protocol.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail from a crash mid-append; keep what parsed.
			break
		}
		l.Entries = append(l.Entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append adds one entry to memory and to the end of the file.
func (l *Log) Append(e protocol.Entry) error {
	l.Entries = append(l.Entries, e)
	if l.f == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		l.f = f
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Rewrite replaces the whole file from the in-memory state. Used for
// structural changes only: rename and rewind truncation.
func (l *Log) Rewrite() error {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	return l.rewriteFile()
}

func (l *Log) rewriteFile() error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".session-*.jsonl")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	header, err := json.Marshal(l.Meta)
	if err != nil {
		return fail(err)
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return fail(err)
	}
	for _, e := range l.Entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fail(err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fail(err)
		}
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Delete closes and removes the file.
func (l *Log) Delete() error {
	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close releases the append handle.
func (l *Log) Close() error {
	if l.f != nil {
		err := l.f.Close()
		l.f = nil
		return err
	}
	return nil
}
