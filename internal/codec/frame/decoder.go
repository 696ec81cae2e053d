// Package frame turns an arbitrarily chunked byte stream into JSON records.
//
// Records are separated by newlines and may carry an SSE-style "data:"
// marker. Anything that does not decode as JSON (keep-alives, "[DONE]",
// "event:" lines, stray log output) is skipped without ending the stream.
package frame

import (
	"bytes"
	"encoding/json"
)

// DefaultMaxRecordBytes bounds the carry-over buffer.
const DefaultMaxRecordBytes = 4 << 20

var dataPrefix = []byte("data:")

// Stats counts decoder outcomes.
type Stats struct {
	Records   int
	Skipped   int
	Oversized int
}

// Decoder is the per-stream decoder. The carry-over fragment is its only
// state, so a Decoder must not be shared between streams.
type Decoder struct {
	carry    []byte
	max      int
	dropping bool
	stats    Stats
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxRecordBytes sets the largest record the decoder will buffer.
// Zero or negative disables the limit.
func WithMaxRecordBytes(n int) Option {
	return func(d *Decoder) {
		d.max = n
	}
}

// NewDecoder creates a decoder.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{max: DefaultMaxRecordBytes}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed consumes one chunk and returns every complete record it finished,
// in order. An unterminated tail is held until the next call.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	var out []json.RawMessage

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.buffer(chunk)
			break
		}

		line := chunk[:i]
		chunk = chunk[i+1:]

		if d.dropping {
			// Tail of an oversized record.
			d.dropping = false
			continue
		}

		if len(d.carry) > 0 {
			d.carry = append(d.carry, line...)
			line = d.carry
		}
		if rec, ok := d.decode(line); ok {
			out = append(out, rec)
		}
		d.carry = d.carry[:0]
	}

	return out
}

// Flush decodes any unterminated record left at end of stream.
func (d *Decoder) Flush() []json.RawMessage {
	if d.dropping || len(d.carry) == 0 {
		d.dropping = false
		d.carry = d.carry[:0]
		return nil
	}
	rec, ok := d.decode(d.carry)
	d.carry = d.carry[:0]
	if !ok {
		return nil
	}
	return []json.RawMessage{rec}
}

// Pending reports the number of buffered bytes awaiting a newline.
func (d *Decoder) Pending() int {
	return len(d.carry)
}

// Stats returns counters for records yielded and skipped.
func (d *Decoder) Stats() Stats {
	return d.stats
}

func (d *Decoder) buffer(b []byte) {
	if d.dropping {
		return
	}
	if d.max > 0 && len(d.carry)+len(b) > d.max {
		d.carry = d.carry[:0]
		d.dropping = true
		d.stats.Oversized++
		d.stats.Skipped++
		return
	}
	d.carry = append(d.carry, b...)
}

func (d *Decoder) decode(line []byte) (json.RawMessage, bool) {
	rec := bytes.TrimSpace(line)
	if bytes.HasPrefix(rec, dataPrefix) {
		rec = bytes.TrimSpace(rec[len(dataPrefix):])
	}
	if len(rec) == 0 {
		return nil, false
	}
	if !json.Valid(rec) {
		d.stats.Skipped++
		return nil, false
	}
	d.stats.Records++
	// Copy out of the caller's chunk and our carry buffer.
	return append(json.RawMessage(nil), rec...), true
}
