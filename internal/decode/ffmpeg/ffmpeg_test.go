package ffmpeg

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/avcpreview/internal/decode"
	"github.com/zsiec/avcpreview/internal/h264"
	"github.com/zsiec/avcpreview/internal/nal"
)

var sps720p = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

func TestCreateSessionNeedsDimensions(t *testing.T) {
	t.Parallel()

	fd, err := h264.NewFormatDescription([]byte{0x07, 0xAA}, []byte{0x08, 0xBB}, h264.FormatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(nil).CreateSession(fd, decode.SessionConfig{ID: 1})
	if !errors.Is(err, ErrUnknownDimensions) {
		t.Fatalf("got %v, want ErrUnknownDimensions", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	if err := Available(); err != nil {
		t.Skip("ffmpeg not installed")
	}

	fd, err := h264.NewFormatDescription(sps720p, []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}, h264.FormatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sess, err := New(nil).CreateSession(fd, decode.SessionConfig{ID: 7, RealTime: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID() != 7 {
		t.Errorf("id = %d", sess.ID())
	}
	if !sess.CanAcceptFormat(fd) {
		t.Error("session should accept its own format")
	}

	if err := sess.Decode(h264.AccessUnit{Data: []byte{0, 0, 0, 9, 0x65}}); !errors.Is(err, decode.ErrBadData) {
		t.Errorf("truncated access unit: got %v, want ErrBadData", err)
	}

	sess.Invalidate()
	sess.Invalidate()
	au := h264.AccessUnit{Data: []byte{0, 0, 0, 2, 0x65, 0xCC}, NALType: h264.NALTypeIDR}
	if err := sess.Decode(au); !errors.Is(err, decode.ErrInvalidSession) {
		t.Errorf("decode after invalidate: got %v, want ErrInvalidSession", err)
	}
}

func TestPendingOnePerPicture(t *testing.T) {
	t.Parallel()

	fd, err := h264.NewFormatDescription([]byte{0x07, 0xAA}, []byte{0x08, 0xBB}, h264.FormatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	s := &session{log: slog.Default(), fd: fd, input: make(chan []byte, 64)}

	const pictures, slices = 10, 4
	for pic := range pictures {
		pts := time.Duration(pic) * 40 * time.Millisecond
		for slice := range slices {
			// first_mb_in_slice: ue(0) is "1", ue(1) is "010".
			second := byte(0x40)
			if slice == 0 {
				second = 0x88
			}
			au, err := h264.BuildAccessUnit(nal.Unit{Type: h264.NALTypeIDR, Data: []byte{0x65, second, 0x00}}, pts)
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Decode(au); err != nil {
				t.Fatalf("picture %d slice %d: %v", pic, slice, err)
			}
		}
	}
	sei, _ := h264.BuildAccessUnit(nal.Unit{Type: h264.NALTypeSEI, Data: []byte{0x06, 0x80}}, 0)
	s.Decode(sei)

	if len(s.pending) != pictures {
		t.Fatalf("pending = %d, want %d", len(s.pending), pictures)
	}
	for i := range pictures {
		au, ok := s.popPending()
		if !ok || au.PTS != time.Duration(i)*40*time.Millisecond {
			t.Errorf("picture %d: pts %v, ok %v", i, au.PTS, ok)
		}
	}
}
