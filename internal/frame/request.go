package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxPending bounds the unframed bytes a RequestDecoder holds before
// it gives up on the peer.
const DefaultMaxPending = 10 << 10

var joint = []byte("}\n{")

// RequestDecoder splits the ingress side of a server stream. Peers may send
// indented or single-line objects, so it does not wait for Delimiter: a
// frame ends where "}\n{" joins two objects, or where the buffered data,
// trimmed, ends in '}' and is not a truncated JSON value.
type RequestDecoder struct {
	r          io.Reader
	chunk      []byte
	buf        []byte
	ready      [][]byte
	maxPending int
	err        error
}

// NewRequestDecoder creates a RequestDecoder reading from r. A maxPending of
// zero selects DefaultMaxPending.
func NewRequestDecoder(r io.Reader, maxPending int) *RequestDecoder {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &RequestDecoder{
		r:          r,
		chunk:      make([]byte, 4096),
		maxPending: maxPending,
	}
}

// Next returns the next raw frame. Frames already split off are handed out
// before a read error is reported. Errors are sticky.
func (d *RequestDecoder) Next() ([]byte, error) {
	for {
		if len(d.ready) > 0 {
			span := d.ready[0]
			d.ready = d.ready[1:]
			return span, nil
		}
		if d.err != nil {
			return nil, d.err
		}

		n, err := d.r.Read(d.chunk)
		d.buf = append(d.buf, d.chunk[:n]...)
		d.split()
		if len(d.buf) > d.maxPending {
			d.err = fmt.Errorf("%w: %d bytes without a complete request", ErrFrameTooLarge, len(d.buf))
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(d.buf)) > 0 {
				d.err = io.ErrUnexpectedEOF
			} else {
				d.err = io.EOF
			}
			continue
		}
		d.err = err
	}
}

func (d *RequestDecoder) split() {
	for {
		i := bytes.Index(d.buf, joint)
		if i < 0 {
			break
		}
		d.emit(d.buf[:i+1])
		d.buf = append(d.buf[:0], d.buf[i+2:]...)
	}
	trimmed := bytes.TrimSpace(d.buf)
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != '}' || truncated(trimmed) {
		return
	}
	d.emit(trimmed)
	d.buf = d.buf[:0]
}

func (d *RequestDecoder) emit(span []byte) {
	out := make([]byte, len(span))
	copy(out, span)
	d.ready = append(d.ready, out)
}

// truncated reports whether b is the prefix of a JSON value. Malformed
// input is not truncated; it is handed on so the peer gets a parse error.
func truncated(b []byte) bool {
	var v json.RawMessage
	err := json.NewDecoder(bytes.NewReader(b)).Decode(&v)
	return errors.Is(err, io.ErrUnexpectedEOF)
}
