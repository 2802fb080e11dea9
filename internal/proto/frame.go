package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire frame format shared by streaming endpoints and the encrypted content
// format: each frame is a u32 little-endian length followed by that many
// bytes. A zero-length frame terminates the stream.

// MaxFrameSize bounds a single frame. It leaves room for a full content
// chunk plus nonce and auth tag, and is far above any metadata batch.
const MaxFrameSize = 2 * 1024 * 1024

// WriteFrame writes one frame. An empty payload writes the terminator.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteTerminator writes the zero-length closing frame.
func WriteTerminator(w io.Writer) error {
	return WriteFrame(w, nil)
}

// ReadFrame reads one frame. It returns (nil, nil) on the terminator frame
// and io.ErrUnexpectedEOF when the stream ends mid-frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
