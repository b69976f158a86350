package h264

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/avcpreview/internal/nal"
)

var (
	sps720p = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	sps256x192 = []byte{
		0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
		0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
		0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
		0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
		0x3a, 0x8e, 0x18, 0xc9,
	}
)

func TestClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ      byte
		keyframe bool
		paramSet bool
		vcl      bool
	}{
		{NALTypeSlice, false, false, true},
		{NALTypeIDR, true, false, true},
		{NALTypeSEI, false, false, false},
		{NALTypeSPS, false, true, false},
		{NALTypePPS, false, true, false},
		{NALTypeAUD, false, false, false},
	}
	for _, tt := range tests {
		if got := IsKeyframe(tt.typ); got != tt.keyframe {
			t.Errorf("IsKeyframe(%d) = %v", tt.typ, got)
		}
		if got := IsParameterSet(tt.typ); got != tt.paramSet {
			t.Errorf("IsParameterSet(%d) = %v", tt.typ, got)
		}
		if got := IsVCL(tt.typ); got != tt.vcl {
			t.Errorf("IsVCL(%d) = %v", tt.typ, got)
		}
		if TypeName(tt.typ) == "" {
			t.Errorf("TypeName(%d) is empty", tt.typ)
		}
	}
}

func TestIsFirstSlice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		nalu []byte
		want bool
	}{
		{"idr first_mb 0", []byte{0x65, 0x88, 0x84}, true},
		{"idr first_mb 1", []byte{0x65, 0x40, 0x84}, false},
		{"non-idr first_mb 0", []byte{0x41, 0x9A}, true},
		{"non-idr later slice", []byte{0x41, 0x21}, false},
		{"partition A first_mb 0", []byte{0x22, 0x80}, true},
		{"partition B", []byte{0x23, 0x80}, false},
		{"sei", []byte{0x06, 0x80}, false},
		{"header only", []byte{0x65}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		if got := IsFirstSlice(tt.nalu); got != tt.want {
			t.Errorf("%s: IsFirstSlice(% X) = %v, want %v", tt.name, tt.nalu, got, tt.want)
		}
	}
}

func TestParseSPS720p(t *testing.T) {
	t.Parallel()

	info, err := ParseSPS(sps720p)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("got %dx%d, want 1280x720", info.Width, info.Height)
	}
	if info.ProfileIDC != 0x64 || info.LevelIDC != 0x1f {
		t.Errorf("profile/level: got %#x/%#x", info.ProfileIDC, info.LevelIDC)
	}
	if got := info.CodecString(); got != "avc1.64001F" {
		t.Errorf("codec: got %q", got)
	}
}

func TestParseSPS256x192(t *testing.T) {
	t.Parallel()

	info, err := ParseSPS(sps256x192)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if info.Width != 256 || info.Height != 192 {
		t.Errorf("got %dx%d, want 256x192", info.Width, info.Height)
	}
}

func TestParseSPSErrors(t *testing.T) {
	t.Parallel()

	if _, err := ParseSPS(nil); err == nil {
		t.Error("expected error for nil input")
	}
	if _, err := ParseSPS([]byte{0x67, 0x64, 0x00}); err == nil {
		t.Error("expected error for too-short SPS")
	}
	if _, err := ParseSPS([]byte{0x68, 0x64, 0x00, 0x1f, 0xac}); err == nil {
		t.Error("expected error for non-SPS NAL type")
	}
}

func TestNewFormatDescriptionLenient(t *testing.T) {
	t.Parallel()

	sps := []byte{0x07, 0xAA}
	pps := []byte{0x08, 0xBB}
	fd, err := NewFormatDescription(sps, pps, FormatOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fd.Detailed {
		t.Error("minimal SPS should not be detailed")
	}
	if fd.Codec() != "avc1" {
		t.Errorf("codec: got %q", fd.Codec())
	}
	if fd.DecoderConfig != nil {
		t.Error("no decoder config expected without a parsed SPS")
	}

	// The description owns copies.
	sps[1] = 0x00
	if fd.SPS[1] != 0xAA {
		t.Error("format description aliases caller SPS")
	}
}

func TestNewFormatDescriptionDetailed(t *testing.T) {
	t.Parallel()

	fd, err := NewFormatDescription(sps720p, []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}, FormatOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fd.Detailed {
		t.Fatal("expected detailed description")
	}
	if w, h := fd.Dimensions(); w != 1280 || h != 720 {
		t.Errorf("dimensions: got %dx%d", w, h)
	}
	if fd.Codec() != "avc1.64001F" {
		t.Errorf("codec: got %q", fd.Codec())
	}
	if fd.DecoderConfig != nil && (fd.DecoderConfig[0] != 1 || fd.DecoderConfig[1] != 0x64) {
		t.Errorf("decoder config header: % X", fd.DecoderConfig[:4])
	}
}

func TestNewFormatDescriptionRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sps, pps []byte
		opts     FormatOptions
		want     error
	}{
		{"empty sps", nil, []byte{0x08}, FormatOptions{}, ErrEmptyParameterSet},
		{"empty pps", []byte{0x07}, nil, FormatOptions{}, ErrEmptyParameterSet},
		{"sps wrong type", []byte{0x08, 0xAA}, []byte{0x08, 0xBB}, FormatOptions{}, ErrNotSPS},
		{"pps wrong type", []byte{0x07, 0xAA}, []byte{0x07, 0xBB}, FormatOptions{}, ErrNotPPS},
		{"strict unparseable sps", []byte{0x07, 0xAA}, []byte{0x08, 0xBB}, FormatOptions{Strict: true}, errSPSTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fd, err := NewFormatDescription(tt.sps, tt.pps, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if fd != nil {
				t.Error("expected nil description on error")
			}
		})
	}
}

func TestFormatDescriptionEqual(t *testing.T) {
	t.Parallel()

	a, _ := NewFormatDescription([]byte{0x07, 0xAA}, []byte{0x08, 0xBB}, FormatOptions{})
	b, _ := NewFormatDescription([]byte{0x07, 0xAA}, []byte{0x08, 0xBB}, FormatOptions{})
	c, _ := NewFormatDescription([]byte{0x07, 0xAA}, []byte{0x08, 0xBC}, FormatOptions{})
	if !a.Equal(b) {
		t.Error("identical parameter sets should be equal")
	}
	if a.Equal(c) {
		t.Error("different PPS should not be equal")
	}
	if a.Equal(nil) {
		t.Error("nil should not equal a description")
	}
}

func TestAnnexBHeader(t *testing.T) {
	t.Parallel()

	fd, _ := NewFormatDescription([]byte{0x07, 0xAA}, []byte{0x08, 0xBB}, FormatOptions{})
	want := []byte{0, 0, 0, 1, 0x07, 0xAA, 0, 0, 0, 1, 0x08, 0xBB}
	if got := fd.AnnexBHeader(); !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
}

func TestBuildAccessUnit(t *testing.T) {
	t.Parallel()

	u := nal.Unit{Type: NALTypeIDR, Data: []byte{0x65, 0xCC}}
	au, err := BuildAccessUnit(u, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []byte{0x00, 0x00, 0x00, 0x02, 0x65, 0xCC}
	if !bytes.Equal(au.Data, want) {
		t.Errorf("got % X, want % X", au.Data, want)
	}
	if au.NALType != NALTypeIDR || !au.IsKeyframe() {
		t.Errorf("type: got %d", au.NALType)
	}
	if au.PTS != 40*time.Millisecond {
		t.Errorf("pts: got %v", au.PTS)
	}
	if !bytes.Equal(au.NAL(), u.Data) {
		t.Errorf("NAL(): got % X", au.NAL())
	}
}

func TestBuildAccessUnitRoundTrip(t *testing.T) {
	t.Parallel()

	payloads := [][]byte{
		{0x41},
		{0x65, 0x88, 0x84, 0x00, 0xFF},
		bytes.Repeat([]byte{0x01, 0x00, 0x00, 0x03}, 300),
	}
	for _, p := range payloads {
		au, err := BuildAccessUnit(nal.Unit{Type: p[0] & 0x1F, Data: p}, 0)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		r := nal.NewReader(bytes.NewReader(au.Data))
		got, err := r.Next()
		if err != nil {
			t.Fatalf("read back: %v", err)
		}
		if !bytes.Equal(got.Data, p) {
			t.Errorf("round trip mismatch for %d-byte payload", len(p))
		}
	}
}

func TestBuildAccessUnitEmpty(t *testing.T) {
	t.Parallel()

	if _, err := BuildAccessUnit(nal.Unit{}, 0); !errors.Is(err, ErrEmptyNAL) {
		t.Fatalf("got %v, want ErrEmptyNAL", err)
	}
}

func TestAVCCToAnnexB(t *testing.T) {
	t.Parallel()

	got, err := AVCCToAnnexB([]byte{0, 0, 0, 2, 0x65, 0xCC, 0, 0, 0, 1, 0x41})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []byte{0, 0, 0, 1, 0x65, 0xCC, 0, 0, 0, 1, 0x41}
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}

	if _, err := AVCCToAnnexB([]byte{0, 0, 0, 9, 0x65}); err == nil {
		t.Error("expected error for overlong length")
	}
	if _, err := AVCCToAnnexB([]byte{0, 0}); err == nil {
		t.Error("expected error for truncated length")
	}
}
