package bridgeproto

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// lineSplit is a bufio.SplitFunc identical to bufio.ScanLines except that a
// final non-terminated token at EOF is reported as an error instead of being
// returned as a trailing token — spec.md §4.1 requires partial frames at
// stream end to be discarded with an error, not silently yielded.
func lineSplit(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := indexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), nil, io.ErrUnexpectedEOF
	}
	return 0, nil, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Encode serializes v as a single newline-terminated JSON frame.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(b, '\n'), nil
}

// Decoder reads newline-delimited JSON frames from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r with an unbounded-line scanner (frame size has no
// explicit cap per spec.md §4.1).
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	s.Split(lineSplit)
	return &Decoder{scanner: s}
}

// Next reads the next frame's raw bytes (sans trailing newline). The
// returned slice is a fresh copy, safe to retain past the next call.
func (d *Decoder) Next() ([]byte, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := d.scanner.Bytes()
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// DecodeCommand reads the next frame and parses it as a Command.
func (d *Decoder) DecodeCommand() (Command, error) {
	line, err := d.Next()
	if err != nil {
		return Command{}, err
	}
	var c Command
	if err := json.Unmarshal(line, &c); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	return c, nil
}

// DecodeEvent reads the next frame and parses it as an Event.
func (d *Decoder) DecodeEvent() (Event, error) {
	line, err := d.Next()
	if err != nil {
		return Event{}, err
	}
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// IsCommand reports whether the raw frame bytes are a Command frame
// (has a non-empty "cmd" field), vs. an Event frame.
func IsCommand(raw []byte) (bool, error) {
	var p peekType
	if err := json.Unmarshal(raw, &p); err != nil {
		return false, fmt.Errorf("peek frame type: %w", err)
	}
	return p.Cmd != "", nil
}
