package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte(`{"type":"req"}`),
		{},
		bytes.Repeat([]byte("x"), 4096),
	}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for i, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(maxFrameSize+1)); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("expected errFrameTooLarge, got %v", err)
	}
}

func TestFrameShortRead(t *testing.T) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(10)); err != nil {
		t.Fatalf("write length: %v", err)
	}
	buf.WriteString("abc")
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error on truncated frame")
	}
}
