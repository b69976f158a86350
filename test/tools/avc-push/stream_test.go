package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/zsiec/avcpreview/internal/nal"
)

func annexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, 0, 0, 0, 1)
		out = append(out, u...)
	}
	return out
}

func TestSplitFrames(t *testing.T) {
	t.Parallel()

	in := annexB(
		[]byte{0x67, 0xAA}, []byte{0x68, 0xBB}, []byte{0x65, 0x01},
		[]byte{0x06, 0x02}, []byte{0x41, 0x03},
		[]byte{0x0C, 0xFF},
	)
	frames, err := splitFrames(in)
	if err != nil {
		t.Fatalf("splitFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}

	r := nal.NewReader(bytes.NewReader(frames[0]))
	var types []byte
	for u, err := range r.All() {
		if err != nil {
			break
		}
		types = append(types, u.Type)
	}
	if !bytes.Equal(types, []byte{7, 8, 5}) {
		t.Errorf("first frame types = %v", types)
	}
	// Trailing filler rides on the last frame.
	if n := bytes.Count(frames[1], []byte{0x0C, 0xFF}); n != 1 {
		t.Errorf("filler not attached to last frame")
	}
}

func TestSplitFramesEmpty(t *testing.T) {
	t.Parallel()

	if _, err := splitFrames(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestSenderWritesAllFrames(t *testing.T) {
	t.Parallel()

	frames, err := splitFrames(annexB([]byte{0x67, 0xAA}, []byte{0x68, 0xBB}, []byte{0x65, 0x01}, []byte{0x41, 0x02}))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	s := &sender{frames: frames, fps: 1000, log: slog.Default()}
	if err := s.send(context.Background(), &buf); err != nil {
		t.Fatalf("send: %v", err)
	}

	r := nal.NewReader(&buf)
	n := 0
	for _, err := range r.All() {
		if err != nil {
			break
		}
		n++
	}
	if n != 4 {
		t.Errorf("read %d units, want 4", n)
	}
}
