package proto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte{0xAB}, 100_000),
		[]byte("last"),
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame error = %v", err)
		}
	}
	if err := WriteTerminator(&buf); err != nil {
		t.Fatalf("WriteTerminator error = %v", err)
	}

	for i, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %d bytes, want %d", i, len(got), len(want))
		}
	}
	got, err := ReadFrame(&buf)
	if err != nil || got != nil {
		t.Errorf("terminator read = %v, %v, want nil, nil", got, err)
	}
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("payload")); err != nil {
		t.Fatalf("WriteFrame error = %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]

	if _, err := ReadFrame(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated frame error = %v, want unexpected EOF", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{1, 0})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated length error = %v, want unexpected EOF", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := ReadFrame(bytes.NewReader(header)); err == nil {
		t.Error("oversized frame should be rejected")
	}
}
