// Package ffmpeg implements decode.Decoder on top of an ffmpeg child
// process. Each session runs one ffmpeg that reads an H.264 byte stream on
// stdin and writes raw RGBA pictures on stdout.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/zsiec/avcpreview/internal/decode"
	"github.com/zsiec/avcpreview/internal/h264"
)

// ErrUnknownDimensions is returned by CreateSession when the SPS could not be
// parsed; raw output frames cannot be delimited without the picture size.
var ErrUnknownDimensions = errors.New("ffmpeg: picture dimensions unknown")

var errInputFull = errors.New("ffmpeg: input queue full")

// DefaultInputQueue is the number of access units buffered per session
// between Decode and the ffmpeg stdin writer.
const DefaultInputQueue = 64

// Available reports whether an ffmpeg binary is on PATH.
func Available() error {
	_, err := exec.LookPath("ffmpeg")
	return err
}

// Decoder creates ffmpeg-backed sessions.
type Decoder struct {
	log        *slog.Logger
	inputQueue int
}

// New creates a Decoder. A nil logger uses slog.Default.
func New(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		log:        log.With("component", "ffmpeg"),
		inputQueue: DefaultInputQueue,
	}
}

// CreateSession starts an ffmpeg process for fd.
func (d *Decoder) CreateSession(fd *h264.FormatDescription, cfg decode.SessionConfig) (decode.Session, error) {
	w, h := fd.Dimensions()
	if !fd.Detailed || w <= 0 || h <= 0 {
		return nil, ErrUnknownDimensions
	}

	inArgs := ffmpeg.KwArgs{"f": "h264"}
	if cfg.RealTime {
		inArgs["fflags"] = "nobuffer"
		inArgs["flags"] = "low_delay"
	}
	outArgs := ffmpeg.KwArgs{"f": "rawvideo", "pix_fmt": "rgba", "loglevel": "error"}

	ctx, cancel := context.WithCancel(context.Background())
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	s := &session{
		log:    d.log.With("session", cfg.ID),
		id:     cfg.ID,
		fd:     fd,
		out:    cfg.Output,
		width:  w,
		height: h,
		cancel: cancel,
		input:  make(chan []byte, d.inputQueue),
	}

	stream := ffmpeg.Input("pipe:", inArgs).
		Output("pipe:", outArgs).
		WithInput(stdinR).
		WithOutput(stdoutW)
	stream.Context = ctx

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		err := stream.Run()
		if err != nil && ctx.Err() == nil {
			s.log.Warn("ffmpeg exited", "error", err)
		}
		stdinR.CloseWithError(io.ErrClosedPipe)
		stdoutW.CloseWithError(io.EOF)
	}()
	go func() {
		defer s.wg.Done()
		s.writeLoop(stdinW)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(stdoutR)
	}()

	s.log.Debug("ffmpeg session started", "width", w, "height", h, "realtime", cfg.RealTime)
	return s, nil
}

type session struct {
	log           *slog.Logger
	id            uint64
	fd            *h264.FormatDescription
	out           decode.OutputFunc
	width, height int
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	mu          sync.Mutex
	input       chan []byte
	invalid     bool
	sentHeader  bool
	pending     []h264.AccessUnit // first slices awaiting a picture, FIFO
	pendingLock sync.Mutex
}

func (s *session) ID() uint64 { return s.id }

func (s *session) CanAcceptFormat(fd *h264.FormatDescription) bool {
	w, h := fd.Dimensions()
	return fd.Detailed && w == s.width && h == s.height
}

// Decode converts au to a start-code byte stream and queues it for ffmpeg.
// It never blocks on ffmpeg.
func (s *session) Decode(au h264.AccessUnit) error {
	annexB, err := h264.AVCCToAnnexB(au.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", decode.ErrBadData, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid {
		return decode.ErrInvalidSession
	}
	if !s.sentHeader {
		annexB = append(s.fd.AnnexBHeader(), annexB...)
	}

	select {
	case s.input <- annexB:
	default:
		return errInputFull
	}
	s.sentHeader = true
	// ffmpeg emits one picture per frame, not per slice.
	if h264.IsFirstSlice(au.NAL()) {
		s.pendingLock.Lock()
		s.pending = append(s.pending, au)
		s.pendingLock.Unlock()
	}
	return nil
}

func (s *session) writeLoop(w *io.PipeWriter) {
	defer w.Close()
	for buf := range s.input {
		if _, err := w.Write(buf); err != nil {
			s.log.Debug("ffmpeg stdin closed", "error", err)
			for range s.input {
			}
			return
		}
	}
}

func (s *session) readLoop(r *io.PipeReader) {
	defer r.Close()
	size := s.width * s.height * 4
	for {
		img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
		if _, err := io.ReadFull(r, img.Pix[:size]); err != nil {
			return
		}
		au, ok := s.popPending()
		if !ok {
			s.log.Debug("picture without pending access unit")
		}
		if s.out != nil {
			s.out(decode.Frame{Image: img, PTS: au.PTS, SessionID: s.id}, nil)
		}
	}
}

func (s *session) popPending() (h264.AccessUnit, bool) {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	if len(s.pending) == 0 {
		return h264.AccessUnit{}, false
	}
	au := s.pending[0]
	s.pending = s.pending[1:]
	return au, true
}

// Invalidate stops ffmpeg and waits for the session goroutines. Pictures
// already written by ffmpeg may still be delivered before it returns.
func (s *session) Invalidate() {
	s.mu.Lock()
	if s.invalid {
		s.mu.Unlock()
		return
	}
	s.invalid = true
	close(s.input)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Debug("ffmpeg session invalidated")
}
