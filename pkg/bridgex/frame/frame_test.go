package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewCodec(0).Encode(&buf, []byte("hi")))

	assert.Equal(t, []byte{0xFF, 0xFF, 0x00, 0x02, 0x00, 0x00, 'h', 'i'}, buf.Bytes())
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 255, 256, 4096, maxLengthField}

	for _, size := range sizes {
		payload := bytes.Repeat([]byte{0xAB}, size)
		codec := NewCodec(MaxFrameSize)

		var buf bytes.Buffer
		require.NoError(t, codec.Encode(&buf, payload))
		written := buf.Len()
		assert.Equal(t, HeaderLen+size, written)

		out, err := codec.Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, payload, out, "size %d", size)
		assert.Equal(t, 0, buf.Len(), "decode must consume exactly the frame")
	}
}

func TestDecodeLeavesFollowingFrame(t *testing.T) {
	codec := NewCodec(0)
	var buf bytes.Buffer
	require.NoError(t, codec.Encode(&buf, []byte("first")))
	require.NoError(t, codec.Encode(&buf, []byte("second")))

	out, err := codec.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(out))
	assert.Equal(t, HeaderLen+len("second"), buf.Len())

	out, err = codec.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "second", string(out))
}

func TestPartialDelivery(t *testing.T) {
	payload := []byte("7 create widget SMSG/0.1\n{\"a\":1}")
	encoded, err := Encode(payload)
	require.NoError(t, err)

	codec := NewCodec(0)
	var buf bytes.Buffer
	for i, b := range encoded {
		buf.WriteByte(b)
		out, err := codec.Decode(&buf)
		require.NoError(t, err)

		if i < len(encoded)-1 {
			assert.Nil(t, out, "payload yielded after %d of %d bytes", i+1, len(encoded))
			continue
		}
		assert.Equal(t, payload, out)
	}
	assert.Equal(t, 0, buf.Len())
}

func TestDecodeOversizeRejectedFromHeader(t *testing.T) {
	codec := NewCodec(16)
	var buf bytes.Buffer
	// Header only: the payload never arrives, the length alone must fail.
	buf.Write([]byte{0xFF, 0xFF, 0x00, 0x11, 0x00, 0x00})

	out, err := codec.Decode(&buf)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)
}

func TestEncodeOversize(t *testing.T) {
	_, err := NewCodec(16).Append(nil, make([]byte, 17))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// The default limit is larger than the 16-bit length field can express.
	_, err = Encode(make([]byte, MaxFrameSize))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	var buf bytes.Buffer
	err = NewCodec(0).Encode(&buf, make([]byte, maxLengthField+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, 0, buf.Len())
}

func TestReservedBytesIgnored(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0x00, 0x03, 0xDE, 0xAD, 'a', 'b', 'c'})

	out, err := NewCodec(0).Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
}

func TestResyncSkipsGarbage(t *testing.T) {
	codec := NewCodec(0)
	var buf bytes.Buffer
	buf.Write([]byte{0x01, 0x02, 0xFF, 0x03})
	require.NoError(t, codec.Encode(&buf, []byte("ok")))

	out, err := codec.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))
	assert.Equal(t, 4, codec.Discarded())
	assert.Equal(t, 0, codec.Discarded(), "counter resets after read")
}

func TestResyncStrayMarkerBytes(t *testing.T) {
	encoded, err := Encode([]byte("hi"))
	require.NoError(t, err)

	for _, stray := range []int{1, 2, 3, 7} {
		codec := NewCodec(0)
		var buf bytes.Buffer
		buf.Write(bytes.Repeat([]byte{0xFF}, stray))
		buf.Write(encoded)
		buf.Write(encoded)

		for i := 0; i < 2; i++ {
			out, err := codec.Decode(&buf)
			require.NoError(t, err, "stray %d", stray)
			assert.Equal(t, "hi", string(out), "stray %d, frame %d", stray, i)
		}
		assert.Equal(t, stray, codec.Discarded())
		assert.Equal(t, 0, buf.Len())
	}
}

func TestResyncStrayMarkerBytesArrivingSlowly(t *testing.T) {
	encoded, err := Encode([]byte("hi"))
	require.NoError(t, err)

	codec := NewCodec(0)
	var buf bytes.Buffer
	var got [][]byte
	for _, b := range append([]byte{0xFF}, encoded...) {
		buf.WriteByte(b)
		out, err := codec.Decode(&buf)
		require.NoError(t, err)
		if out != nil {
			got = append(got, out)
		}
	}
	assert.Equal(t, [][]byte{[]byte("hi")}, got)
	assert.Equal(t, 1, codec.Discarded())
}

func TestLengthHighByteNeverMarker(t *testing.T) {
	_, err := NewCodec(0).Append(nil, make([]byte, 0xFF00))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = Decode([]byte{0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestResyncKeepsTrailingMarkerHalf(t *testing.T) {
	codec := NewCodec(0)
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0xFF})

	out, err := codec.Decode(&buf)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, []byte{0xFF}, buf.Bytes())

	buf.Write([]byte{0xFF, 0x00, 0x01, 0x00, 0x00, 'x'})
	out, err = codec.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(out))
}

func TestDecodeWhole(t *testing.T) {
	encoded, err := Encode([]byte("payload"))
	require.NoError(t, err)

	out, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(out))

	_, err = Decode(encoded[:len(encoded)-1])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode(append(encoded, 0x00))
	assert.Error(t, err)

	_, err = Decode([]byte{0x00, 0xFF, 0x00, 0x00, 0x00, 0x00})
	assert.Error(t, err)
}

type trickleReader struct {
	data []byte
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReaderWriter(t *testing.T) {
	var stream bytes.Buffer
	w := NewWriter(&stream, nil)
	require.NoError(t, w.WriteFrame([]byte("one")))
	require.NoError(t, w.WriteFrame(nil))
	require.NoError(t, w.WriteFrame([]byte("three")))

	r := NewReader(&trickleReader{data: stream.Bytes()}, nil)

	out, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "one", string(out))

	out, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "three", string(out))

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedStream(t *testing.T) {
	encoded, err := Encode([]byte("cut short"))
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(encoded[:len(encoded)-2]), nil)
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReaderOversize(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0xFF, 0xFF, 0x01, 0x00, 0x00, 0x00}), NewCodec(128))
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
