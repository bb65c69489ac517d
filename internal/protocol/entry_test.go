package protocol

import (
	"encoding/json"
	"testing"
)

func TestIsUserMessage(t *testing.T) {
	if !(&Entry{Type: TypeUserMessage}).IsUserMessage() {
		t.Error("user_message not recognized")
	}
	for _, typ := range []string{TypeDelta, TypeResult, TypeDone, TypeInfo} {
		if (&Entry{Type: typ}).IsUserMessage() {
			t.Errorf("%s recognized as user message", typ)
		}
	}
}

func TestSearchableText(t *testing.T) {
	cases := []struct {
		entry Entry
		want  string
	}{
		{Entry{Type: TypeUserMessage, Text: "fix the tests"}, "fix the tests"},
		{Entry{Type: TypeDelta, Text: "on it"}, "on it"},
		{Entry{Type: TypeThinkingDelta, Text: "private"}, ""},
		{Entry{Type: TypeToolResult, Content: "output"}, ""},
		{Entry{Type: TypeError, Text: "boom"}, ""},
	}
	for _, c := range cases {
		if got := c.entry.SearchableText(); got != c.want {
			t.Errorf("SearchableText(%s) = %q, want %q", c.entry.Type, got, c.want)
		}
	}
}

func TestEntrySparseEncoding(t *testing.T) {
	raw, err := json.Marshal(Entry{Type: TypeDelta, Text: "hi"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(raw); got != `{"type":"delta","text":"hi"}` {
		t.Errorf("encoded = %s", got)
	}
}
