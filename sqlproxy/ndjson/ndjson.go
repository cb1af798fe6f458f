// Package ndjson frames JSON values as newline-delimited lines on a byte
// stream.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single message. Query results are sent as one line, so
// this is also the largest result set that can cross the transport.
const MaxLineSize = 64 * 1024 * 1024

// DecodeError reports a line that is not valid JSON. The stream is no longer
// trustworthy once it is returned.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid JSON line: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder reads one JSON value per line.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Next decodes the next non-empty line into v. Numbers are decoded as
// json.Number when v holds untyped values. It returns io.EOF at the end of the
// stream and a *DecodeError for malformed lines.
func (d *Decoder) Next(v any) error {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(v); err != nil {
			return &DecodeError{Line: append([]byte(nil), line...), Err: err}
		}
		if dec.More() {
			return &DecodeError{Line: append([]byte(nil), line...), Err: fmt.Errorf("trailing data after JSON value")}
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Encoder writes one JSON value per line. It is safe for concurrent use;
// each value is written with a single Write call.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it followed by a newline.
func (e *Encoder) Encode(v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.w.Write(buf.Bytes())
	return err
}
