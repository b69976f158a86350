package decode

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/avcpreview/internal/h264"
)

// FormatBuilder turns a raw SPS/PPS pair into a format description.
type FormatBuilder func(sps, pps []byte) (*h264.FormatDescription, error)

// LenientFormat builds format descriptions that only require non-empty
// parameter sets of the right NAL types.
func LenientFormat(sps, pps []byte) (*h264.FormatDescription, error) {
	return h264.NewFormatDescription(sps, pps, h264.FormatOptions{})
}

// StrictFormat builds format descriptions that require both parameter sets
// to parse.
func StrictFormat(sps, pps []byte) (*h264.FormatDescription, error) {
	return h264.NewFormatDescription(sps, pps, h264.FormatOptions{Strict: true})
}

// Config configures a Controller.
type Config struct {
	Decoder Decoder
	Frames  FrameHandler

	// FormatBuilder defaults to LenientFormat.
	FormatBuilder FormatBuilder

	// RealTime is forwarded to every session.
	RealTime bool

	Log *slog.Logger
}

// Controller owns at most one live Session and replaces it whenever the
// parameter sets change. OnParametersUpdated and Submit are serialized by a
// single mutex, so a submission always sees either the old session or the
// fully created new one. Completions bypass the mutex.
type Controller struct {
	log      *slog.Logger
	decoder  Decoder
	frames   FrameHandler
	build    FormatBuilder
	realTime bool

	mu      sync.Mutex
	state   State
	session Session
	format  *h264.FormatDescription
	stale   bool
	closed  bool

	nextID    atomic.Uint64
	currentID atomic.Uint64 // 0 when no session is live

	sessionsCreated atomic.Int64
	createFailures  atomic.Int64
	formatFailures  atomic.Int64
	submitted       atomic.Int64
	notReady        atomic.Int64
	invalidSession  atomic.Int64
	badData         atomic.Int64
	otherErrors     atomic.Int64
	framesOutput    atomic.Int64
	framesFromStale atomic.Int64
}

// NewController creates a Controller in the Uninitialized state.
func NewController(cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	build := cfg.FormatBuilder
	if build == nil {
		build = LenientFormat
	}
	frames := cfg.Frames
	if frames == nil {
		frames = FrameHandlerFunc(func(Frame) {})
	}
	dec := cfg.Decoder
	if dec == nil {
		dec = Discard
	}
	return &Controller{
		log:      log.With("component", "decode"),
		decoder:  dec,
		frames:   frames,
		build:    build,
		realTime: cfg.RealTime,
	}
}

// OnParametersUpdated rebuilds the session from a new SPS/PPS pair. If the
// format description cannot be built the current session is left untouched
// and a *FormatDescriptionError is returned. Otherwise the current session
// is invalidated before the new one is created; if creation fails the
// controller is left Uninitialized with no session and a
// *SessionCreateError is returned.
func (c *Controller) OnParametersUpdated(ctx context.Context, sps, pps []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	fd, err := c.build(sps, pps)
	if err != nil {
		c.formatFailures.Add(1)
		c.log.WarnContext(ctx, "format description rejected, keeping current session", "error", err)
		return &FormatDescriptionError{Err: err}
	}

	c.releaseLocked()

	id := c.nextID.Add(1)
	sess, err := c.decoder.CreateSession(fd, SessionConfig{
		ID:       id,
		RealTime: c.realTime,
		Output:   func(f Frame, err error) { c.complete(id, f, err) },
	})
	if err != nil {
		c.createFailures.Add(1)
		c.log.ErrorContext(ctx, "decoder session creation failed", "error", err)
		return &SessionCreateError{Err: err}
	}

	if !sess.CanAcceptFormat(fd) {
		c.log.WarnContext(ctx, "new session reports it cannot accept its format", "session", id)
	}

	c.session = sess
	c.format = fd
	c.state = Ready
	c.stale = false
	c.currentID.Store(id)
	c.sessionsCreated.Add(1)

	w, h := fd.Dimensions()
	c.log.InfoContext(ctx, "decoder session ready",
		"session", id, "codec", fd.Codec(), "width", w, "height", h)
	return nil
}

// releaseLocked invalidates the live session, if any, and returns the
// controller to Uninitialized. The caller holds c.mu.
func (c *Controller) releaseLocked() {
	if c.session != nil {
		c.log.Debug("invalidating session", "session", c.session.ID())
		c.session.Invalidate()
	}
	c.session = nil
	c.format = nil
	c.state = Uninitialized
	c.stale = false
	c.currentID.Store(0)
}

// Submit hands au to the live session without waiting for the decoded
// picture. Without a ready session it returns ErrNotReady and makes no
// decode call. Submission failures are returned as *DecodeError; none of
// them change the controller state.
func (c *Controller) Submit(au h264.AccessUnit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state != Ready || c.session == nil || c.format == nil {
		c.notReady.Add(1)
		return ErrNotReady
	}

	c.submitted.Add(1)
	err := c.session.Decode(au)
	if err == nil {
		return nil
	}

	derr := &DecodeError{Kind: classify(err), SessionID: c.session.ID(), Err: err}
	c.count(derr.Kind)
	if derr.Kind == KindInvalidSession && !c.stale {
		c.stale = true
		c.log.Warn("decoder session reported invalid", "session", derr.SessionID)
	}
	return derr
}

// complete is the output callback of session id. It never takes c.mu since
// a session may call it from inside Decode.
func (c *Controller) complete(id uint64, f Frame, err error) {
	if err != nil {
		kind := classify(err)
		c.count(kind)
		c.log.Debug("asynchronous decode failure", "session", id, "kind", kind, "error", err)
		return
	}
	if f.Image == nil {
		return
	}
	f.SessionID = id
	c.framesOutput.Add(1)
	if id != c.currentID.Load() {
		c.framesFromStale.Add(1)
	}
	c.frames.HandleFrame(f)
}

func (c *Controller) count(k Kind) {
	switch k {
	case KindInvalidSession:
		c.invalidSession.Add(1)
	case KindBadData:
		c.badData.Add(1)
	default:
		c.otherErrors.Add(1)
	}
}

// Close invalidates the live session. Later calls to Submit and
// OnParametersUpdated return ErrClosed. Completions already in flight are
// still forwarded.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.releaseLocked()
	c.log.Debug("controller closed")
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Format returns the format description of the live session, or nil.
func (c *Controller) Format() *h264.FormatDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		State:     c.state.String(),
		SessionID: c.currentID.Load(),
		Stale:     c.stale,
		Closed:    c.closed,
	}
	c.mu.Unlock()

	st.SessionsCreated = c.sessionsCreated.Load()
	st.CreateFailures = c.createFailures.Load()
	st.FormatFailures = c.formatFailures.Load()
	st.Submitted = c.submitted.Load()
	st.NotReady = c.notReady.Load()
	st.InvalidSession = c.invalidSession.Load()
	st.BadData = c.badData.Load()
	st.OtherErrors = c.otherErrors.Load()
	st.FramesOutput = c.framesOutput.Load()
	st.FramesFromStale = c.framesFromStale.Load()
	return st
}
