// Command avc-push sends a length-prefixed H.264 stream to avcpreview, or
// serves one for avcpreview's default dial mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/urfave/cli/v2"
	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/avcpreview/internal/certs"
	"github.com/zsiec/avcpreview/internal/ingest"
	quicingest "github.com/zsiec/avcpreview/internal/ingest/quic"
)

func main() {
	app := &cli.App{
		Name:  "avc-push",
		Usage: "send a length-prefixed H.264 stream",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Value: "serve", Usage: "serve, tcp, srt or quic"},
			&cli.StringFlag{Name: "addr", Value: ingest.DefaultAddr, Usage: "address to serve on or dial"},
			&cli.StringFlag{Name: "file", Usage: "Annex B .h264 `FILE`; a test pattern is encoded when empty"},
			&cli.IntFlag{Name: "fps", Value: 30, Usage: "frames per second"},
			&cli.IntFlag{Name: "seconds", Value: 10, Usage: "test pattern length"},
			&cli.StringFlag{Name: "size", Value: "640x360", Usage: "test pattern size"},
			&cli.BoolFlag{Name: "loop", Usage: "repeat the stream until interrupted"},
			&cli.StringFlag{Name: "stream-id", Value: "live/preview", Usage: "SRT stream ID"},
			&cli.StringFlag{Name: "fingerprint", Usage: "hex SHA-256 of the QUIC listener certificate"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("avc-push failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	data, err := loadAnnexB(c.String("file"), c.Int("seconds"), c.Int("fps"), c.String("size"))
	if err != nil {
		return err
	}
	frames, err := splitFrames(data)
	if err != nil {
		return err
	}
	s := &sender{frames: frames, fps: float64(c.Int("fps")), loop: c.Bool("loop"), log: slog.Default()}
	if s.fps <= 0 {
		return errors.New("fps must be positive")
	}
	slog.Info("stream ready", "frames", len(frames), "bytes", len(data))

	addr := c.String("addr")
	switch c.String("mode") {
	case "serve":
		return serve(ctx, addr, s)
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return sendTo(ctx, s, conn, func() { conn.Close() })
	case "srt":
		cfg := srt.DefaultConfig()
		cfg.StreamID = c.String("stream-id")
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			return fmt.Errorf("SRT connect: %w", err)
		}
		return sendTo(ctx, s, conn, func() { conn.Close() })
	case "quic":
		var pin *[32]byte
		if fp := c.String("fingerprint"); fp != "" {
			b, err := certs.ParseFingerprint(fp)
			if err != nil {
				return err
			}
			pin = &b
		}
		conn, err := quic.DialAddr(ctx, addr, certs.PinnedClientTLS(quicingest.ALPN, pin), nil)
		if err != nil {
			return fmt.Errorf("QUIC dial: %w", err)
		}
		defer conn.CloseWithError(0, "")
		str, err := conn.OpenUniStreamSync(ctx)
		if err != nil {
			return err
		}
		if err := sendTo(ctx, s, str, func() { str.Close() }); err != nil {
			return err
		}
		// Let the receiver drain the stream and close the connection.
		select {
		case <-conn.Context().Done():
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return nil
	}
	return fmt.Errorf("unknown mode %q", c.String("mode"))
}

// sendTo sends the stream on w, then calls closeFn.
func sendTo(ctx context.Context, s *sender, w io.Writer, closeFn func()) error {
	stop := context.AfterFunc(ctx, closeFn)
	defer stop()
	err := s.send(ctx, w)
	closeFn()
	return err
}

// serve sends the stream to each receiver that connects, one at a time.
func serve(ctx context.Context, addr string, s *sender) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	slog.Info("waiting for receiver", "addr", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		slog.Info("receiver connected", "remote", conn.RemoteAddr())
		if err := sendTo(ctx, s, conn, func() { conn.Close() }); err != nil {
			slog.Warn("receiver lost", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
