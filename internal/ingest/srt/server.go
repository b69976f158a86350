package srt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/avcpreview/internal/ingest"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Server accepts incoming SRT publish connections and registers them with
// the ingest registry.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts publishers until ctx is cancelled. Connections arriving
// while a stream is active are rejected during the handshake.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if _, mode := parseStreamID(req.StreamID); mode == "request" {
			// The preview only receives.
			return srtgo.RejPeer
		}
		if s.registry.Busy() {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		streamKey, _ := parseStreamID(conn.StreamID())
		s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())

		go func() {
			defer conn.Close()
			connStop := context.AfterFunc(ctx, func() { conn.Close() })
			defer connStop()
			_ = ingest.Pump(ctx, s.registry, streamKey, ingest.ProtocolSRT, conn.RemoteAddr().String(), closer{conn}, s.log)
		}()
	}
}

// parseStreamID returns the stream key and mode of an SRT stream ID. It
// accepts the access-control form "#!::r=live/cam,m=publish" as well as a
// plain "live/cam" path.
func parseStreamID(streamID string) (key, mode string) {
	if rest, ok := strings.CutPrefix(streamID, "#!::"); ok {
		streamID = ""
		for _, kv := range strings.Split(rest, ",") {
			k, v, _ := strings.Cut(kv, "=")
			switch k {
			case "r":
				streamID = v
			case "m":
				mode = v
			}
		}
	}
	key = strings.TrimPrefix(streamID, "/")
	key = strings.TrimPrefix(key, "live/")
	if key == "" {
		key = "default"
	}
	return key, mode
}

// closer lets Pump close an SRT connection the pipeline no longer reads.
type closer struct {
	*srtgo.Conn
}

func (c closer) Close() error {
	c.Conn.Close()
	return nil
}
