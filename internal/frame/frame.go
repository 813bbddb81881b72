// Package frame splits a byte stream into JSON messages terminated by the
// "\n}\n" delimiter and joins messages back into that wire form.
//
// The codec never balances braces: a frame ends at the first delimiter
// occurrence. Producers must not embed the delimiter inside string values.
package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
)

// Delimiter terminates every frame on the wire. It is what an indented JSON
// encoder emits after the closing brace of a top-level object.
var Delimiter = []byte("\n}\n")

// DefaultMaxFrameSize bounds how much data is buffered while waiting for a delimiter.
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge is returned when the buffered data exceeds the maximum
	// frame size without a delimiter. The stream cannot be resynchronized.
	ErrFrameTooLarge = errors.New("frame: too large")

	// ErrNotObject is returned by Encode when the value does not serialize to a JSON object.
	ErrNotObject = errors.New("frame: value is not a JSON object")
)

// DecodeError reports malformed JSON inside a single frame. It never
// terminates the stream; the caller decides whether to continue.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame: decode %d bytes: %v", len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes v as indented JSON followed by a newline so that the
// result ends with Delimiter.
func Encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("frame: encode: %w", err)
	}
	// An empty object marshals to "{}" which has no delimiter; objects with
	// at least one member always end in "\n}".
	if len(data) < 2 || data[0] != '{' || data[len(data)-1] != '}' {
		return nil, ErrNotObject
	}
	if bytes.Equal(data, []byte("{}")) {
		data = []byte("{\n}")
	}
	return append(data, '\n'), nil
}

// Unmarshal decodes a single frame into v. Errors are wrapped in *DecodeError.
func Unmarshal(span []byte, v any) error {
	if err := json.Unmarshal(span, v); err != nil {
		return &DecodeError{Frame: span, Err: err}
	}
	return nil
}

// Decoder reads delimiter-terminated frames from a stream.
type Decoder struct {
	r       *bufio.Reader
	buf     []byte
	maxSize int
	err     error
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:       bufio.NewReader(r),
		maxSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next raw frame including its delimiter. It returns io.EOF
// when the stream ends cleanly between frames and io.ErrUnexpectedEOF when
// it ends in the middle of one. After an error every further call returns
// the same error.
func (d *Decoder) Next() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	for {
		if i := bytes.Index(d.buf, Delimiter); i >= 0 {
			end := i + len(Delimiter)
			span := make([]byte, end)
			copy(span, d.buf[:end])
			d.buf = append(d.buf[:0], d.buf[end:]...)
			return span, nil
		}
		if len(d.buf) > d.maxSize {
			d.err = fmt.Errorf("%w: %d bytes without delimiter", ErrFrameTooLarge, len(d.buf))
			return nil, d.err
		}

		chunk, err := d.r.ReadSlice('\n')
		d.buf = append(d.buf, chunk...)
		if err == nil || errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			// A delimiter may have been completed by the final chunk.
			if bytes.Contains(d.buf, Delimiter) {
				continue
			}
			if len(bytes.TrimSpace(d.buf)) > 0 {
				d.err = io.ErrUnexpectedEOF
			} else {
				d.err = io.EOF
			}
			return nil, d.err
		}
		d.err = err
		return nil, err
	}
}

// Frames returns a lazy sequence of frames. The sequence ends after the
// first error is yielded; a clean end of stream yields nothing.
func (d *Decoder) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			span, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(span, err) || err != nil {
				return
			}
		}
	}
}

// Writer serializes concurrent frame writes onto one stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes v and writes it as a single frame.
func (w *Writer) WriteFrame(v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return w.WriteRaw(data)
}

// WriteRaw writes an already encoded frame.
func (w *Writer) WriteRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("frame: write: %w", err)
	}
	return nil
}
