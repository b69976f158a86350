package decode

import (
	"image"
	"sync/atomic"

	"github.com/zsiec/avcpreview/internal/h264"
)

// Discard is a Decoder whose sessions accept every access unit and report a
// 1x1 placeholder frame for each VCL unit. It keeps the pipeline observable
// when no real decoder is configured.
var Discard Decoder = discardDecoder{}

type discardDecoder struct{}

func (discardDecoder) CreateSession(fd *h264.FormatDescription, cfg SessionConfig) (Session, error) {
	return &discardSession{id: cfg.ID, out: cfg.Output}, nil
}

type discardSession struct {
	id      uint64
	out     OutputFunc
	invalid atomic.Bool
}

func (s *discardSession) ID() uint64 { return s.id }

func (s *discardSession) Decode(au h264.AccessUnit) error {
	if s.invalid.Load() {
		return ErrInvalidSession
	}
	if s.out != nil && h264.IsVCL(au.NALType) {
		s.out(Frame{Image: image.NewRGBA(image.Rect(0, 0, 1, 1)), PTS: au.PTS, SessionID: s.id}, nil)
	}
	return nil
}

func (s *discardSession) CanAcceptFormat(*h264.FormatDescription) bool { return true }

func (s *discardSession) Invalidate() { s.invalid.Store(true) }
