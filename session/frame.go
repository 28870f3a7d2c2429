package session

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

// MaxMessageSize is the largest frame body a receiver accepts (10 MiB).
const MaxMessageSize = 10 * 1024 * 1024

const frameHeaderSize = 4

func bufferGrow(buffer *bytebufferpool.ByteBuffer, n int) {
	if n > cap(buffer.B) {
		newSize := ((n + (1 << 14) - 1) / (1 << 14)) * (1 << 14)
		buffer.B = make([]byte, newSize)
	}
	buffer.B = buffer.B[:n]
}

// WriteFrame writes payload prefixed with its 4-byte big-endian length in a single
// Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrMessageTooLarge, len(payload), MaxMessageSize)
	}

	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	var size [frameHeaderSize]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(payload)))
	if _, err := buffer.Write(size[:]); err != nil {
		return err
	}
	if _, err := buffer.Write(payload); err != nil {
		return err
	}
	_, err := w.Write(buffer.B)
	return err
}

// ReadFrame reads one length-prefixed frame into buffer and returns its body.
// A declared length above MaxMessageSize fails before any body byte is read.
// A stream that ends before the full body arrives fails with io.ErrUnexpectedEOF.
// The returned slice aliases buffer.
func ReadFrame(r io.Reader, buffer *bytebufferpool.ByteBuffer) ([]byte, error) {
	var size [frameHeaderSize]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, fmt.Errorf("read message length: %w", err)
	}

	n := binary.BigEndian.Uint32(size[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrMessageTooLarge, n, MaxMessageSize)
	}

	bufferGrow(buffer, int(n))
	if _, err := io.ReadFull(r, buffer.B); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read message body: %w", err)
	}
	return buffer.B, nil
}
