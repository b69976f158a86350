package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"go.uber.org/multierr"

	"github.com/zsiec/avcpreview/internal/api"
	"github.com/zsiec/avcpreview/internal/captions"
	"github.com/zsiec/avcpreview/internal/config"
	"github.com/zsiec/avcpreview/internal/decode"
	"github.com/zsiec/avcpreview/internal/decode/ffmpeg"
	"github.com/zsiec/avcpreview/internal/h264"
	"github.com/zsiec/avcpreview/internal/ingest"
	"github.com/zsiec/avcpreview/internal/paramset"
	"github.com/zsiec/avcpreview/internal/pipeline"
	"github.com/zsiec/avcpreview/internal/present"
)

// app ties one stream at a time to the shared decoder and presentation
// sink, and serves their counters to the debug API.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	started  time.Time
	decoder  decode.Decoder
	timebase *present.Timebase
	sink     *present.Sink
	registry *ingest.Registry

	captions atomic.Int64

	mu   sync.Mutex
	ctrl *decode.Controller
	pipe *pipeline.Pipeline
}

func newApp(cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		started:  time.Now(),
		timebase: present.NewTimebase(nil),
	}

	switch cfg.Decode.Decoder {
	case config.DecoderFFmpeg:
		if err := ffmpeg.Available(); err != nil {
			return nil, err
		}
		a.decoder = ffmpeg.New(log)
	default:
		a.decoder = decode.Discard
	}

	var display present.Display = present.LogDisplay{Log: log}
	if cfg.Present.Display == config.DisplaySnapshot {
		d, err := present.NewSnapshotDisplay(cfg.Present.SnapshotPath, cfg.Present.SnapshotWidth,
			cfg.Present.SnapshotInterval, a.timebase.Clock())
		if err != nil {
			return nil, fmt.Errorf("snapshot display: %w", err)
		}
		display = d
	}
	a.sink = present.NewSink(a.timebase, display, log,
		present.WithTickInterval(cfg.Present.TickInterval),
		present.WithMaxPending(cfg.Present.MaxPending),
	)
	return a, nil
}

// handleStream runs a pipeline over s until the stream ends or ctx is done.
func (a *app) handleStream(ctx context.Context, s *ingest.Stream) {
	log := a.log.With("stream_key", s.Key, "protocol", s.Protocol)
	log.Info("stream started")

	build := decode.LenientFormat
	if a.cfg.Decode.StrictFormat {
		build = decode.StrictFormat
	}
	ctrl := decode.NewController(decode.Config{
		Decoder:       a.decoder,
		Frames:        a.sink,
		FormatBuilder: build,
		RealTime:      a.cfg.Decode.RealTime,
		Log:           log,
	})

	policy, _ := pipeline.ParseDropPolicy(a.cfg.Decode.DropPolicy)
	opts := pipeline.Options{
		Params:      paramset.New(paramset.WithSkipUnchanged(a.cfg.Decode.SkipUnchanged)),
		Clock:       a.timebase,
		QueueSize:   a.cfg.Decode.QueueSize,
		DropPolicy:  policy,
		MaxUnitSize: a.cfg.Source.MaxUnitSize,
		Log:         log,
	}
	if a.cfg.Captions {
		opts.Captions = captions.NewExtractor(log)
		opts.OnCaption = a.onCaption
	}
	p := pipeline.New(s.Input(), ctrl, opts)

	a.mu.Lock()
	a.ctrl, a.pipe = ctrl, p
	a.mu.Unlock()

	runErr := p.Run(ctx)
	if errors.Is(runErr, io.EOF) {
		runErr = nil
	}
	// Closing the input unblocks a transport still writing into the pipe.
	if err := multierr.Append(runErr, s.Input().Close()); err != nil {
		log.Warn("stream ended with error", "error", err)
	}

	st := p.Stats()
	log.Info("stream ended",
		"units", st.UnitsRead,
		"submitted", st.Submitted,
		"parameter_updates", st.ParameterUpdates,
		"decode_errors", st.DecodeErrors,
	)
}

func (a *app) onCaption(f *ccx.CaptionFrame) {
	a.captions.Add(1)
	a.log.Info("caption", "channel", f.Channel, "text", f.Text)
}

// Snapshot implements api.Source.
func (a *app) Snapshot() api.Snapshot {
	snap := api.Snapshot{
		Timestamp:    time.Now().UnixMilli(),
		UptimeMs:     time.Since(a.started).Milliseconds(),
		Presentation: a.sink.Stats(),
		Captions:     a.captions.Load(),
	}
	if a.registry != nil {
		snap.Ingest = a.registry.Stats()
	}

	a.mu.Lock()
	ctrl, p := a.ctrl, a.pipe
	a.mu.Unlock()
	if ctrl != nil {
		snap.Decoder = ctrl.Stats()
	}
	if p != nil {
		st := p.Stats()
		snap.Pipeline = &st
	}
	return snap
}

// Format implements api.Source.
func (a *app) Format() *h264.FormatDescription {
	a.mu.Lock()
	ctrl := a.ctrl
	a.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.Format()
}
