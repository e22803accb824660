package protocol

import (
	"encoding/binary"
	"fmt"
)

// Decoder turns a byte stream into frames. It keeps any partial tail between
// calls, so chunks may be split at arbitrary positions.
//
// A declared length outside [HeaderLength, maxFrameSize] cannot be recovered
// from: the whole accumulated buffer is dropped and decoding restarts with the
// next chunk. There is no resync search.
type Decoder struct {
	buf          []byte
	start        int
	maxFrameSize int
	resets       int
}

// NewDecoder creates a decoder. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends a chunk to the internal buffer
func (d *Decoder) Feed(chunk []byte) {
	if d.start > 0 && d.start == len(d.buf) {
		d.buf = d.buf[:0]
		d.start = 0
	} else if d.start > 0 && d.start >= cap(d.buf)/2 {
		// Compact once the consumed prefix dominates the backing array
		n := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:n]
		d.start = 0
	}
	d.buf = append(d.buf, chunk...)
}

// Next returns the next complete frame. ok is false when more data is needed.
// A non-nil error means the buffer was discarded.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	pending := d.buf[d.start:]
	if len(pending) < 4 {
		return Frame{}, false, nil
	}

	length := int(binary.BigEndian.Uint32(pending[0:4]))
	if length < HeaderSizeBasic || length > d.maxFrameSize {
		d.reset()
		return Frame{}, false, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameLength, length, d.maxFrameSize)
	}
	if len(pending) < 5 {
		return Frame{}, false, nil
	}

	headerLen := HeaderLength(pending[4])
	if headerLen == 0 {
		d.reset()
		return Frame{}, false, fmt.Errorf("%w: %q", ErrFrameVersion, pending[4])
	}
	if length < headerLen {
		d.reset()
		return Frame{}, false, fmt.Errorf("%w: %d bytes (header: %d)", ErrFrameLength, length, headerLen)
	}
	if len(pending) < length {
		return Frame{}, false, nil
	}

	f = parseHeader(pending[:length])
	if bodyLen := length - headerLen; bodyLen > 0 {
		f.Body = make([]byte, bodyLen)
		copy(f.Body, pending[headerLen:length])
	}
	d.start += length
	return f, true, nil
}

// Decode feeds chunk and drains every complete frame. Frames decoded before
// a reset are still returned together with the error.
func (d *Decoder) Decode(chunk []byte) ([]Frame, error) {
	d.Feed(chunk)

	var frames []Frame
	for {
		f, ok, err := d.Next()
		if err != nil {
			return frames, err
		}
		if !ok {
			return frames, nil
		}
		frames = append(frames, f)
	}
}

// Buffered returns the number of bytes waiting for a complete frame
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.start
}

// Resets returns how many times the buffer has been discarded
func (d *Decoder) Resets() int {
	return d.resets
}

func (d *Decoder) reset() {
	d.buf = d.buf[:0]
	d.start = 0
	d.resets++
}
