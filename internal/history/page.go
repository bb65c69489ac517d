package history

import "github.com/ehrlich-b/perch/internal/protocol"

// PageSize bounds the initial history replay sent to a connecting client.
const PageSize = 200

// FindTurnBoundary scans backward from index for the nearest user_message
// entry and returns its offset, or 0 if none precedes it. A turn (one user
// message plus everything the engine produced in response) is never split:
// this is the single alignment primitive shared by pagination and rewind.
func FindTurnBoundary(entries []protocol.Entry, index int) int {
	if index >= len(entries) {
		index = len(entries) - 1
	}
	for i := index; i > 0; i-- {
		if entries[i].IsUserMessage() {
			return i
		}
	}
	return 0
}

// InitialPage returns the start offset of the bounded replay for a newly
// connecting client, and whether older entries remain.
func InitialPage(entries []protocol.Entry) (start int, hasMore bool) {
	if len(entries) <= PageSize {
		return 0, false
	}
	start = FindTurnBoundary(entries, len(entries)-PageSize)
	return start, start > 0
}

// PageBefore returns a turn-aligned page of entries strictly before the
// given offset. The returned slice aliases entries.
func PageBefore(entries []protocol.Entry, before int) (page []protocol.Entry, start int, hasMore bool) {
	if before <= 0 || before > len(entries) {
		return nil, 0, false
	}
	from := before - PageSize
	if from < 0 {
		from = 0
	}
	start = FindTurnBoundary(entries, from)
	return entries[start:before], start, start > 0
}
