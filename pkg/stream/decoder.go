package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const maxLineSize = 4 * 1024 * 1024

// Decoder reads records from a stream, skipping lines it cannot parse
type Decoder struct {
	scanner *bufio.Scanner
	skipped int
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next well-formed record, or io.EOF at the end of the stream
func (d *Decoder) Next() (Record, error) {
	for d.scanner.Scan() {
		rec, ok := ParseLine(d.scanner.Bytes())
		if !ok {
			if len(bytes.TrimSpace(d.scanner.Bytes())) > 0 {
				d.skipped++
			}
			continue
		}
		return rec, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("failed to read stream: %w", err)
	}
	return Record{}, io.EOF
}

// Skipped returns how many non-empty lines were dropped
func (d *Decoder) Skipped() int {
	return d.skipped
}

// ParseLine splits a line on its first colon and parses the JSON payload.
// Lines without a colon or with invalid JSON are rejected, and so is any tag
// other than the single characters the protocol defines.
func ParseLine(line []byte) (Record, bool) {
	line = bytes.TrimRight(line, "\r")
	idx := bytes.IndexByte(line, ':')
	if idx != 1 {
		return Record{}, false
	}

	tag := Tag(line[0])
	payload := bytes.TrimSpace(line[idx+1:])
	if !tag.Known() || !json.Valid(payload) {
		return Record{}, false
	}

	return Record{Tag: tag, Payload: json.RawMessage(append([]byte(nil), payload...))}, true
}

// DecodeAll reads every well-formed record from r in order
func DecodeAll(r io.Reader) ([]Record, error) {
	d := NewDecoder(r)
	var records []Record
	for {
		rec, err := d.Next()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
