// Package decode owns the lifecycle of the decoder session. A Controller
// rebuilds the session whenever the parameter sets change, submits access
// units to it without waiting for decode completion, and forwards decoded
// frames to a FrameHandler.
//
// The decode routine itself is an external capability reached through the
// Decoder and Session interfaces; this package ships only Discard, and the
// ffmpeg subpackage provides a software implementation.
package decode

import (
	"image"
	"time"

	"github.com/zsiec/avcpreview/internal/h264"
)

// Frame is one decoded picture. Ownership passes to the FrameHandler.
type Frame struct {
	Image     image.Image
	PTS       time.Duration
	SessionID uint64
}

// OutputFunc is the completion callback a Session invokes once per submitted
// picture, either with a decoded frame or with the error that prevented it.
// It may be called from any goroutine, concurrently with Decode.
type OutputFunc func(Frame, error)

// SessionConfig is passed to Decoder.CreateSession.
type SessionConfig struct {
	// ID identifies the session in frames and logs. The controller assigns
	// it; sessions return it from ID and stamp it on every Frame.
	ID uint64

	// RealTime asks the decoder to favor latency over throughput.
	RealTime bool

	// Output receives every completion for this session.
	Output OutputFunc
}

// Decoder creates decoder sessions bound to one format description.
type Decoder interface {
	CreateSession(fd *h264.FormatDescription, cfg SessionConfig) (Session, error)
}

// Session decodes access units for a single format description.
type Session interface {
	ID() uint64

	// Decode enqueues au and returns without waiting for the picture. The
	// returned error is the submission status only; decode results arrive
	// through the session's OutputFunc.
	Decode(au h264.AccessUnit) error

	// CanAcceptFormat reports whether the session could continue with fd
	// without being recreated.
	CanAcceptFormat(fd *h264.FormatDescription) bool

	// Invalidate tears the session down. Completions already in flight may
	// still be delivered. Invalidate is idempotent.
	Invalidate()
}

// FrameHandler receives decoded frames. Implementations must be safe for
// concurrent use.
type FrameHandler interface {
	HandleFrame(Frame)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(Frame)

// HandleFrame calls f(fr).
func (f FrameHandlerFunc) HandleFrame(fr Frame) { f(fr) }

// State is the controller's session state.
type State int

// Controller states. There is no error state: failures leave the controller
// Uninitialized until the next successful parameter update.
const (
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "uninitialized"
}
