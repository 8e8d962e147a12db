package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 8, 1024, 1 << 20} {
		payload := bytes.Repeat([]byte{0xAB}, size)
		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("size %d: write: %v", size, err)
		}
		if buf.Len() != 8+size {
			t.Errorf("size %d: wrote %d bytes, want %d", size, buf.Len(), 8+size)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("size %d: read: %v", size, err)
		}
		if !bytes.Equal(payload, got) {
			t.Errorf("size %d: payload mismatch", size)
		}
	}
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("one"), {}, []byte("three")}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(want, got) {
			t.Errorf("frame %d: got %q want %q", i, got, want)
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("expected io.EOF after last frame, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")
	if _, err := ReadFrame(&buf); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 1})); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestReadFrameOversized(t *testing.T) {
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(header[:])); err == nil {
		t.Error("expected error for oversized frame")
	}
}
