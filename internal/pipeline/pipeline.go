// Package pipeline drives one stream from the wire to the decoder: it reads
// NAL units, routes parameter sets to the store, rebuilds the decoder
// session on parameter updates, and submits every other unit as an access
// unit stamped with the presentation clock.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avcpreview/internal/captions"
	"github.com/zsiec/avcpreview/internal/decode"
	"github.com/zsiec/avcpreview/internal/h264"
	"github.com/zsiec/avcpreview/internal/nal"
	"github.com/zsiec/avcpreview/internal/paramset"
)

// Controller is the subset of decode.Controller the pipeline drives.
type Controller interface {
	OnParametersUpdated(ctx context.Context, sps, pps []byte) error
	Submit(au h264.AccessUnit) error
	Close() error
}

// Clock supplies presentation timestamps.
type Clock interface {
	Now() time.Duration
}

// Options configures a Pipeline. The zero value submits synchronously on
// the ingest goroutine.
type Options struct {
	// Params defaults to a fresh paramset.Store.
	Params *paramset.Store

	// Clock stamps access units. Without one every PTS is zero.
	Clock Clock

	// QueueSize > 0 moves submission to a second goroutine behind a bounded
	// queue of that many access units.
	QueueSize  int
	DropPolicy DropPolicy

	// MaxUnitSize overrides nal.DefaultMaxUnitSize.
	MaxUnitSize uint32

	// Captions, when set, receives every SEI unit. OnCaption is called for
	// each decoded caption.
	Captions  *captions.Extractor
	OnCaption func(*ccx.CaptionFrame)

	Log *slog.Logger
}

// Pipeline reads one stream. Create it with New and call Run once.
type Pipeline struct {
	log    *slog.Logger
	input  io.Reader
	ctrl   Controller
	params *paramset.Store
	clock  Clock
	opts   Options
	reader *nal.Reader
	queue  *queue

	units        atomic.Int64
	malformed    atomic.Int64
	spsUnits     atomic.Int64
	ppsUnits     atomic.Int64
	seiUnits     atomic.Int64
	incomplete   atomic.Int64
	updates      atomic.Int64
	formatErrs   atomic.Int64
	createErrs   atomic.Int64
	submitted    atomic.Int64
	notReady     atomic.Int64
	decodeErrs   atomic.Int64
	queueDropped atomic.Int64
	captionsOut  atomic.Int64
	lastPTS      atomic.Int64
}

// New creates a Pipeline that reads input and drives ctrl.
func New(input io.Reader, ctrl Controller, opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	params := opts.Params
	if params == nil {
		params = paramset.New()
	}
	var ropts []nal.Option
	if opts.MaxUnitSize > 0 {
		ropts = append(ropts, nal.WithMaxUnitSize(opts.MaxUnitSize))
	}
	p := &Pipeline{
		log:    log.With("component", "pipeline"),
		input:  input,
		ctrl:   ctrl,
		params: params,
		clock:  opts.Clock,
		opts:   opts,
		reader: nal.NewReader(input, ropts...),
	}
	if opts.QueueSize > 0 {
		p.queue = newQueue(opts.QueueSize, opts.DropPolicy)
	}
	return p
}

// Run reads and dispatches units until the stream ends or ctx is
// cancelled. It returns the terminal *nal.FramingError (which wraps io.EOF
// on a clean close), or nil on cancellation. The controller is closed on
// return. If input implements io.Closer it is closed when ctx is done so a
// blocked read returns.
func (p *Pipeline) Run(ctx context.Context) error {
	defer func() {
		if err := p.ctrl.Close(); err != nil {
			p.log.Warn("controller close failed", "error", err)
		}
	}()

	if c, ok := p.input.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	var err error
	if p.queue == nil {
		err = p.ingest(ctx)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer p.queue.close()
			return p.ingest(gctx)
		})
		g.Go(func() error {
			// Drains what ingest queued before it stopped.
			p.drain(ctx)
			return nil
		})
		err = g.Wait()
	}

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ingest is the ingest lane: read, classify, and dispatch in arrival order.
func (p *Pipeline) ingest(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		u, err := p.reader.Next()
		if errors.Is(err, nal.ErrMalformedNAL) {
			p.malformed.Add(1)
			p.log.Debug("dropped empty NAL unit")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if nal.IsClosed(err) {
				p.log.Info("stream closed")
			} else {
				p.log.Warn("stream framing error", "error", err)
			}
			return err
		}
		p.units.Add(1)
		p.dispatch(ctx, u)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, u nal.Unit) {
	switch u.Type {
	case h264.NALTypeSPS:
		p.spsUnits.Add(1)
		p.params.Observe(u)
		return

	case h264.NALTypePPS:
		p.ppsUnits.Add(1)
		switch p.params.Observe(u) {
		case paramset.Incomplete:
			p.incomplete.Add(1)
			p.log.Debug("PPS before SPS, waiting")
		case paramset.ParametersUpdated:
			sps, pps, _ := p.params.Current()
			if p.queue != nil {
				p.queue.push(item{barrier: true, sps: sps, pps: pps})
			} else {
				p.applyParameters(ctx, sps, pps)
			}
		}
		return
	}

	pts := p.now()
	au, err := h264.BuildAccessUnit(u, pts)
	if err != nil {
		p.log.Debug("access unit build failed", "error", err)
		return
	}
	if p.queue != nil {
		if p.queue.push(item{au: au}) {
			p.queueDropped.Add(1)
		}
	} else {
		p.submit(au)
	}

	if u.Type == h264.NALTypeSEI {
		p.seiUnits.Add(1)
		p.tapCaptions(u, pts)
	}
}

// drain is the submission lane used when a queue is configured.
func (p *Pipeline) drain(ctx context.Context) {
	for {
		it, ok := p.queue.pop(ctx)
		if !ok {
			return
		}
		if it.barrier {
			p.applyParameters(ctx, it.sps, it.pps)
			continue
		}
		p.submit(it.au)
	}
}

func (p *Pipeline) applyParameters(ctx context.Context, sps, pps []byte) {
	p.updates.Add(1)
	err := p.ctrl.OnParametersUpdated(ctx, sps, pps)
	if err != nil {
		// A resend of the same pair must retry.
		p.params.Invalidate()
	}
	var (
		ferr *decode.FormatDescriptionError
		cerr *decode.SessionCreateError
	)
	switch {
	case err == nil:
	case errors.As(err, &ferr):
		p.formatErrs.Add(1)
	case errors.As(err, &cerr):
		p.createErrs.Add(1)
	default:
		p.log.Debug("parameter update not applied", "error", err)
	}
}

func (p *Pipeline) submit(au h264.AccessUnit) {
	err := p.ctrl.Submit(au)
	switch {
	case err == nil:
		p.submitted.Add(1)
		p.lastPTS.Store(int64(au.PTS))
	case errors.Is(err, decode.ErrNotReady):
		if p.notReady.Add(1) == 1 {
			p.log.Info("dropping access units until a session is ready")
		}
	case errors.Is(err, decode.ErrClosed):
	default:
		p.decodeErrs.Add(1)
		p.log.Debug("submit failed", "type", h264.TypeName(au.NALType), "error", err)
	}
}

func (p *Pipeline) tapCaptions(u nal.Unit, pts time.Duration) {
	if p.opts.Captions == nil {
		return
	}
	for _, f := range p.opts.Captions.Extract(u.Data, pts) {
		p.captionsOut.Add(1)
		if p.opts.OnCaption != nil {
			p.opts.OnCaption(f)
		}
	}
}

func (p *Pipeline) now() time.Duration {
	if p.clock == nil {
		return 0
	}
	return p.clock.Now()
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	units, bytes := p.reader.Count()
	st := Stats{
		UnitsRead:        int64(units),
		BytesRead:        int64(bytes),
		Dispatched:       p.units.Load(),
		Malformed:        p.malformed.Load(),
		SPS:              p.spsUnits.Load(),
		PPS:              p.ppsUnits.Load(),
		SEI:              p.seiUnits.Load(),
		Incomplete:       p.incomplete.Load(),
		ParameterUpdates: p.updates.Load(),
		FormatErrors:     p.formatErrs.Load(),
		CreateErrors:     p.createErrs.Load(),
		Submitted:        p.submitted.Load(),
		NotReady:         p.notReady.Load(),
		DecodeErrors:     p.decodeErrs.Load(),
		QueueDropped:     p.queueDropped.Load(),
		Captions:         p.captionsOut.Load(),
		LastPTSMs:        time.Duration(p.lastPTS.Load()).Milliseconds(),
	}
	if p.queue != nil {
		st.QueueDepth = p.queue.len()
	}
	return st
}
