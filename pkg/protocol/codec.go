package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Scanner buffer sizing: frames are usually tiny, but a history snapshot or
// a large pasted prompt can be big.
const (
	initialBufferSize = 64 * 1024
	maxFrameSize      = 10 * 1024 * 1024
)

// MalformedError reports a line that was not a valid frame. The decoder
// stays usable afterwards; callers answer with an error frame and keep
// reading.
type MalformedError struct {
	Line string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Decoder reads newline-delimited frames from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r in a frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBufferSize), maxFrameSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next frame. Blank lines are skipped. A *MalformedError
// is recoverable; io.EOF or a transport error ends the stream.
func (d *Decoder) Next() (*Frame, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, &MalformedError{Line: string(line), Err: err}
		}
		if frame.Type == "" {
			return nil, &MalformedError{Line: string(line), Err: fmt.Errorf("missing type field")}
		}
		return &frame, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Encoder writes frames to a stream, one JSON object per line. Writes are
// serialized so concurrent senders cannot interleave line fragments.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w in a frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it followed by '\n'.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	return e.EncodeRaw(data)
}

// EncodeRaw writes an already-marshaled frame. Used by broadcasts that
// marshal once and fan out.
func (e *Encoder) EncodeRaw(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Marshal serializes a frame for transmission, without the trailing newline.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
