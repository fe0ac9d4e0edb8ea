package frame

import (
	"bytes"
	"errors"
	"io"
)

const readChunk = 4096

// Reader reads frames from a byte stream, accumulating partial reads until a
// whole frame is available.
type Reader struct {
	r     io.Reader
	codec *Codec
	buf   bytes.Buffer
	chunk []byte
}

// NewReader returns a Reader that decodes frames from r with codec.
func NewReader(r io.Reader, codec *Codec) *Reader {
	if codec == nil {
		codec = NewCodec(MaxFrameSize)
	}
	return &Reader{
		r:     r,
		codec: codec,
		chunk: make([]byte, readChunk),
	}
}

// ReadFrame blocks until a complete frame has arrived and returns its
// payload. io.EOF is returned when the stream ends cleanly between frames;
// ErrTruncated when it ends inside one.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		payload, err := r.codec.Decode(&r.buf)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			return payload, nil
		}

		n, err := r.r.Read(r.chunk)
		if n > 0 {
			r.buf.Write(r.chunk[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && r.buf.Len() > 0 {
				return nil, ErrTruncated
			}
			return nil, err
		}
	}
}

// Discarded reports bytes skipped while resynchronising, see Codec.Discarded.
func (r *Reader) Discarded() int {
	return r.codec.Discarded()
}

// Writer frames payloads onto an io.Writer. Each frame goes out in a single
// Write call.
type Writer struct {
	w     io.Writer
	codec *Codec
	buf   []byte
}

// NewWriter returns a Writer that encodes frames to w with codec.
func NewWriter(w io.Writer, codec *Codec) *Writer {
	if codec == nil {
		codec = NewCodec(MaxFrameSize)
	}
	return &Writer{w: w, codec: codec}
}

// WriteFrame frames payload and writes it.
func (w *Writer) WriteFrame(payload []byte) error {
	b, err := w.codec.Append(w.buf[:0], payload)
	if err != nil {
		return err
	}
	w.buf = b
	_, err = w.w.Write(b)
	return err
}
