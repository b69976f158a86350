package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avcpreview/internal/ingest"
)

// dialTimeout bounds a single SRT handshake.
const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// Caller dials a remote SRT listener and streams its data into the ingest
// registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
	}
}

// Pull dials req.Address and copies the stream until the connection ends
// or ctx is cancelled. It returns nil on cancellation.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return errors.New("srt: address is required")
	}
	if req.StreamKey == "" {
		req.StreamKey = "default"
	}

	conn, err := c.dial(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()
	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = ingest.Pump(ctx, c.registry, req.StreamKey, ingest.ProtocolSRT, req.Address, closer{conn}, c.log)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Caller) dial(ctx context.Context, req PullRequest) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}

	c.log.Info("dialing", "address", req.Address, "stream_id", cfg.StreamID)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		go closeLate(ch)
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate waits for an abandoned dial and closes its connection.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}
