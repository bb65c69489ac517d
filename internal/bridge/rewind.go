package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/protocol"
	"github.com/ehrlich-b/perch/internal/session"
)

// fileEdit is one file mutation recovered from the history's tool_executing
// records.
type fileEdit struct {
	path    string
	before  string
	after   string
	isWrite bool // whole-file write; original content unknown
}

// RewindPreview dry-runs restoring file state to the point identified by a
// message uuid and returns a diff per affected file against the current
// on-disk state.
func (b *Bridge) RewindPreview(s *session.Session, uuid string) (protocol.RewindPreviewResult, error) {
	offset, ok := b.mgr.UUIDOffset(s, uuid)
	if !ok {
		return protocol.RewindPreviewResult{}, fmt.Errorf("unknown message uuid %q", uuid)
	}
	entries := b.mgr.EntriesSnapshot(s)
	edits := collectEdits(entries[offset:])

	result := protocol.RewindPreviewResult{Type: protocol.TypeRewindPreviewDone, UUID: uuid}
	for _, path := range editedPaths(edits) {
		current, err := os.ReadFile(path)
		if err != nil {
			result.Files = append(result.Files, protocol.FileDiff{
				Path: path,
				Diff: "(cannot read current file: " + err.Error() + ")",
			})
			continue
		}
		restored, restorable := restoreContent(string(current), editsFor(edits, path))
		if !restorable {
			result.Files = append(result.Files, protocol.FileDiff{
				Path: path,
				Diff: "(file was written whole; original content unknown)",
			})
			continue
		}
		if restored == string(current) {
			continue
		}
		result.Files = append(result.Files, protocol.FileDiff{
			Path: path,
			Diff: lineDiff(string(current), restored),
		})
	}
	return result, nil
}

// RewindExecute restores files, chat, or both to the point identified by a
// message uuid.
func (b *Bridge) RewindExecute(s *session.Session, uuid, mode string) (protocol.RewindComplete, error) {
	if _, ok := b.mgr.UUIDOffset(s, uuid); !ok {
		return protocol.RewindComplete{}, fmt.Errorf("unknown message uuid %q", uuid)
	}
	switch mode {
	case protocol.RewindFiles, protocol.RewindChat, protocol.RewindBoth:
	default:
		return protocol.RewindComplete{}, fmt.Errorf("unknown rewind mode %q", mode)
	}

	if mode == protocol.RewindFiles || mode == protocol.RewindBoth {
		if err := b.restoreFiles(s, uuid); err != nil {
			return protocol.RewindComplete{}, err
		}
	}
	if mode == protocol.RewindChat || mode == protocol.RewindBoth {
		// Discard any in-flight engine call before cutting history. The turn
		// is marked first so its event loop stops writing entries; the usual
		// interruption notice would land in the rewound log otherwise.
		b.mu.Lock()
		if t := b.turns[s.ID]; t != nil {
			t.discarded.Store(true)
		}
		b.mu.Unlock()
		b.mgr.Abort(s)
		if !b.mgr.TruncateForRewind(s, uuid) {
			return protocol.RewindComplete{}, fmt.Errorf("unknown message uuid %q", uuid)
		}
	}
	return protocol.RewindComplete{Type: protocol.TypeRewindComplete, UUID: uuid, Mode: mode}, nil
}

func (b *Bridge) restoreFiles(s *session.Session, uuid string) error {
	offset, _ := b.mgr.UUIDOffset(s, uuid)
	entries := b.mgr.EntriesSnapshot(s)
	edits := collectEdits(entries[offset:])

	for _, path := range editedPaths(edits) {
		current, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("rewind: skip unreadable file", "path", path, "err", err)
			continue
		}
		restored, restorable := restoreContent(string(current), editsFor(edits, path))
		if !restorable {
			logger.Warn("rewind: file written whole, cannot restore", "path", path)
			continue
		}
		if restored == string(current) {
			continue
		}
		if err := os.WriteFile(path, []byte(restored), 0644); err != nil {
			return fmt.Errorf("restore %s: %w", path, err)
		}
	}
	return nil
}

// collectEdits extracts file mutations from tool_executing entries, in
// emission order.
func collectEdits(entries []protocol.Entry) []fileEdit {
	var out []fileEdit
	for _, e := range entries {
		if e.Type != protocol.TypeToolExecuting {
			continue
		}
		switch e.Tool {
		case "Edit":
			var in struct {
				FilePath  string `json:"file_path"`
				OldString string `json:"old_string"`
				NewString string `json:"new_string"`
			}
			if json.Unmarshal(e.Input, &in) != nil || in.FilePath == "" {
				continue
			}
			out = append(out, fileEdit{path: in.FilePath, before: in.OldString, after: in.NewString})
		case "MultiEdit":
			var in struct {
				FilePath string `json:"file_path"`
				Edits    []struct {
					OldString string `json:"old_string"`
					NewString string `json:"new_string"`
				} `json:"edits"`
			}
			if json.Unmarshal(e.Input, &in) != nil || in.FilePath == "" {
				continue
			}
			for _, ed := range in.Edits {
				out = append(out, fileEdit{path: in.FilePath, before: ed.OldString, after: ed.NewString})
			}
		case "Write":
			var in struct {
				FilePath string `json:"file_path"`
			}
			if json.Unmarshal(e.Input, &in) != nil || in.FilePath == "" {
				continue
			}
			out = append(out, fileEdit{path: in.FilePath, isWrite: true})
		}
	}
	return out
}

func editedPaths(edits []fileEdit) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, e := range edits {
		if !seen[e.path] {
			seen[e.path] = true
			paths = append(paths, e.path)
		}
	}
	return paths
}

func editsFor(edits []fileEdit, path string) []fileEdit {
	var out []fileEdit
	for _, e := range edits {
		if e.path == path {
			out = append(out, e)
		}
	}
	return out
}

// restoreContent undoes the file's edits newest-first by locating the first
// textual occurrence of each edit's "after" string and substituting the
// "before" string. The record format stores only the substituted strings, so
// if the file changed since the edit the occurrence can mismatch and the
// restore is best-effort.
func restoreContent(current string, edits []fileEdit) (string, bool) {
	for _, e := range edits {
		if e.isWrite {
			return "", false
		}
	}
	out := current
	for i := len(edits) - 1; i >= 0; i-- {
		e := edits[i]
		if e.after == "" {
			// Pure insertion records nothing to locate; nothing to undo.
			continue
		}
		idx := strings.Index(out, e.after)
		if idx < 0 {
			continue
		}
		out = out[:idx] + e.before + out[idx+len(e.after):]
	}
	return out, true
}

// lineDiff renders a minimal unified-style diff: the changed middle of the
// file with a line of context on each side.
func lineDiff(oldText, newText string) string {
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")

	// Trim common prefix and suffix.
	start := 0
	for start < len(oldLines) && start < len(newLines) && oldLines[start] == newLines[start] {
		start++
	}
	oldEnd, newEnd := len(oldLines), len(newLines)
	for oldEnd > start && newEnd > start && oldLines[oldEnd-1] == newLines[newEnd-1] {
		oldEnd--
		newEnd--
	}

	var b strings.Builder
	fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", start+1, oldEnd-start, start+1, newEnd-start)
	if start > 0 {
		b.WriteString(" " + oldLines[start-1] + "\n")
	}
	for _, l := range oldLines[start:oldEnd] {
		b.WriteString("-" + l + "\n")
	}
	for _, l := range newLines[start:newEnd] {
		b.WriteString("+" + l + "\n")
	}
	if oldEnd < len(oldLines) {
		b.WriteString(" " + oldLines[oldEnd] + "\n")
	}
	return b.String()
}
