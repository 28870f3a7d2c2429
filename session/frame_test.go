package session

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"
)

func framed(length uint32, body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, length)
	return append(out, body...)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"Text":{"content":"hi"}}`)
	require.NoError(t, WriteFrame(&buf, payload))
	assert.Equal(t, framed(uint32(len(payload)), payload), buf.Bytes())

	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)
	got, err := ReadFrame(&buf, buffer)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameRejectsOversizedLengthWithoutReadingBody(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 64)
	r := bytes.NewReader(framed(20*1024*1024, body))

	buffer := &bytebufferpool.ByteBuffer{}
	_, err := ReadFrame(r, buffer)
	require.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, len(body), r.Len(), "no body byte may be consumed")
	assert.Zero(t, cap(buffer.B), "no body buffer may be allocated")
}

func TestReadFrameAcceptsMaximumLength(t *testing.T) {
	body := bytes.Repeat([]byte{'y'}, MaxMessageSize)
	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	got, err := ReadFrame(bytes.NewReader(framed(MaxMessageSize, body)), buffer)
	require.NoError(t, err)
	assert.Len(t, got, MaxMessageSize)
}

func TestReadFrameShortBody(t *testing.T) {
	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	_, err := ReadFrame(bytes.NewReader(framed(10, []byte("12345"))), buffer)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader(framed(10, nil)), buffer)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameShortHeader(t *testing.T) {
	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	_, err := ReadFrame(bytes.NewReader(nil), buffer)
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}), buffer)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxMessageSize+1))
	require.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Zero(t, buf.Len())
}
