package frame

import (
	"encoding/json"
	"strings"
	"testing"
)

func collect(d *Decoder, chunks ...string) []string {
	var out []string
	for _, c := range chunks {
		for _, rec := range d.Feed([]byte(c)) {
			out = append(out, string(rec))
		}
	}
	for _, rec := range d.Flush() {
		out = append(out, string(rec))
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDecoder_Feed(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "bare json lines",
			chunks: []string{`{"type":"token","content":"a"}` + "\n" + `{"type":"done"}` + "\n"},
			want:   []string{`{"type":"token","content":"a"}`, `{"type":"done"}`},
		},
		{
			name:   "data prefix with and without space",
			chunks: []string{"data: {\"a\":1}\ndata:{\"b\":2}\n"},
			want:   []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:   "crlf and whitespace trimmed",
			chunks: []string{"  {\"a\":1}  \r\n"},
			want:   []string{`{"a":1}`},
		},
		{
			name:   "malformed records skipped",
			chunks: []string{"data: [DONE]\n: ping\nevent: message\n\n{\"a\":\nnot json\n{\"ok\":true}\n"},
			want:   []string{`{"ok":true}`},
		},
		{
			name:   "record split across chunks",
			chunks: []string{`{"type":"tok`, `en","content":"hi"}` + "\n"},
			want:   []string{`{"type":"token","content":"hi"}`},
		},
		{
			name:   "newline arrives alone",
			chunks: []string{`{"a":1}`, "\n"},
			want:   []string{`{"a":1}`},
		},
		{
			name:   "unterminated tail flushed",
			chunks: []string{"{\"a\":1}\n{\"b\":2}"},
			want:   []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:   "unterminated garbage tail dropped",
			chunks: []string{"{\"a\":1}\n{\"b\":"},
			want:   []string{`{"a":1}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(NewDecoder(), tt.chunks...)
			if !equal(got, tt.want) {
				t.Errorf("records = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecoder_ChunkBoundaryInvariance(t *testing.T) {
	stream := "data: {\"type\":\"token\",\"content\":\"Hel\"}\n" +
		": keep-alive\n" +
		"{\"type\":\"token\",\"content\":\"lo ✓\"}\n" +
		"\n" +
		"data: {\"type\":\"result\",\"content\":{\"workouts\":[]}}\n" +
		"{\"type\":\"done\"}\n"

	want := collect(NewDecoder(), stream)
	if len(want) != 4 {
		t.Fatalf("baseline records = %d, want 4", len(want))
	}

	// Every single split point, including inside multi-byte runes.
	for i := 0; i <= len(stream); i++ {
		got := collect(NewDecoder(), stream[:i], stream[i:])
		if !equal(got, want) {
			t.Fatalf("split at %d: records = %q, want %q", i, got, want)
		}
	}

	// Byte at a time.
	chunks := make([]string, len(stream))
	for i := range stream {
		chunks[i] = stream[i : i+1]
	}
	if got := collect(NewDecoder(), chunks...); !equal(got, want) {
		t.Errorf("byte-wise records = %q, want %q", got, want)
	}
}

func TestDecoder_SplitRecordDecodedOnce(t *testing.T) {
	rec := `{"type":"token","content":"abc"}` + "\n"
	mid := len(rec) / 2

	d := NewDecoder()
	if got := d.Feed([]byte(rec[:mid])); len(got) != 0 {
		t.Fatalf("first half yielded %d records, want 0", len(got))
	}
	if d.Pending() != mid {
		t.Errorf("Pending() = %d, want %d", d.Pending(), mid)
	}
	got := d.Feed([]byte(rec[mid:]))
	if len(got) != 1 {
		t.Fatalf("second half yielded %d records, want 1", len(got))
	}
	var v map[string]string
	if err := json.Unmarshal(got[0], &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if v["content"] != "abc" {
		t.Errorf("content = %q, want abc", v["content"])
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after record, want 0", d.Pending())
	}
}

func TestDecoder_RecordsDoNotAliasInput(t *testing.T) {
	d := NewDecoder()
	buf := []byte(`{"a":1}` + "\n")
	got := d.Feed(buf)
	copy(buf, strings.Repeat("x", len(buf)))

	if string(got[0]) != `{"a":1}` {
		t.Errorf("record = %s, mutated with input buffer", got[0])
	}
}

func TestDecoder_MaxRecordBytes(t *testing.T) {
	d := NewDecoder(WithMaxRecordBytes(16))

	got := collect(d,
		`{"big":"`, strings.Repeat("x", 32), `"}`+"\n",
		`{"ok":1}`+"\n",
	)

	if !equal(got, []string{`{"ok":1}`}) {
		t.Errorf("records = %q, want only the small record", got)
	}
	if s := d.Stats(); s.Oversized != 1 || s.Records != 1 {
		t.Errorf("Stats() = %+v, want 1 oversized and 1 record", s)
	}
}

func TestDecoder_Stats(t *testing.T) {
	d := NewDecoder()
	collect(d, "{\"a\":1}\nnope\n\n[DONE]\n{\"b\":2}\n")

	s := d.Stats()
	if s.Records != 2 {
		t.Errorf("Records = %d, want 2", s.Records)
	}
	if s.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", s.Skipped)
	}
}
