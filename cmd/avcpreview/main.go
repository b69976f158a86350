// Command avcpreview receives a length-prefixed H.264 elementary stream,
// decodes it, and presents the newest picture at its presentation time.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/avcpreview/internal/api"
	"github.com/zsiec/avcpreview/internal/certs"
	"github.com/zsiec/avcpreview/internal/config"
	"github.com/zsiec/avcpreview/internal/ingest"
	"github.com/zsiec/avcpreview/internal/ingest/quic"
	srtingest "github.com/zsiec/avcpreview/internal/ingest/srt"
)

var version = "dev"

const (
	flagConfig           = "config"
	flagDebug            = "debug"
	flagLogFormat        = "log-format"
	flagMode             = "mode"
	flagAddr             = "addr"
	flagSRTStreamID      = "srt-stream-id"
	flagQUICFingerprint  = "quic-fingerprint"
	flagOnce             = "once"
	flagMaxUnitSize      = "max-unit-size"
	flagDecoder          = "decoder"
	flagStrictFormat     = "strict-format"
	flagRealTime         = "realtime"
	flagSkipUnchanged    = "skip-unchanged"
	flagQueueSize        = "queue-size"
	flagDropPolicy       = "drop-policy"
	flagDisplay          = "display"
	flagSnapshotPath     = "snapshot-path"
	flagSnapshotWidth    = "snapshot-width"
	flagSnapshotInterval = "snapshot-interval"
	flagCaptions         = "captions"
	flagAPIAddr          = "api-addr"
)

func env(name string) []string { return []string{"AVCPREVIEW_" + name} }

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		slog.Error("avcpreview failed", "error", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:    "avcpreview",
		Usage:   "decode and preview a length-prefixed H.264 stream",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, EnvVars: env("CONFIG"), Usage: "load configuration from `FILE`"},
			&cli.BoolFlag{Name: flagDebug, EnvVars: []string{"AVCPREVIEW_DEBUG", "DEBUG"}, Usage: "enable debug logging"},
			&cli.StringFlag{Name: flagLogFormat, EnvVars: env("LOG_FORMAT"), Usage: "log format: text or json"},

			&cli.StringFlag{Name: flagMode, EnvVars: env("MODE"), Usage: "source: dial, listen, srt-listen, srt-call, quic-listen, quic-dial"},
			&cli.StringFlag{Name: flagAddr, EnvVars: env("ADDR"), Usage: "source address"},
			&cli.StringFlag{Name: flagSRTStreamID, EnvVars: env("SRT_STREAM_ID"), Usage: "stream ID sent by srt-call"},
			&cli.StringFlag{Name: flagQUICFingerprint, EnvVars: env("QUIC_FINGERPRINT"), Usage: "hex SHA-256 of the quic-dial peer certificate"},
			&cli.BoolFlag{Name: flagOnce, EnvVars: env("ONCE"), Usage: "exit after the first stream ends"},
			&cli.UintFlag{Name: flagMaxUnitSize, EnvVars: env("MAX_UNIT_SIZE"), Usage: "largest accepted NAL unit in bytes"},

			&cli.StringFlag{Name: flagDecoder, EnvVars: env("DECODER"), Usage: "decoder: discard or ffmpeg"},
			&cli.BoolFlag{Name: flagStrictFormat, EnvVars: env("STRICT_FORMAT"), Usage: "require parseable SPS and PPS"},
			&cli.BoolFlag{Name: flagRealTime, EnvVars: env("REALTIME"), Usage: "ask the decoder for low-latency output"},
			&cli.BoolFlag{Name: flagSkipUnchanged, EnvVars: env("SKIP_UNCHANGED"), Usage: "keep the session when a repeated SPS/PPS pair arrives"},
			&cli.IntFlag{Name: flagQueueSize, EnvVars: env("QUEUE_SIZE"), Usage: "bounded submission queue length, 0 submits inline"},
			&cli.StringFlag{Name: flagDropPolicy, EnvVars: env("DROP_POLICY"), Usage: "queue overflow policy: drop-newest or drop-oldest"},

			&cli.StringFlag{Name: flagDisplay, EnvVars: env("DISPLAY"), Usage: "display: log or snapshot"},
			&cli.StringFlag{Name: flagSnapshotPath, EnvVars: env("SNAPSHOT_PATH"), Usage: "image file written by the snapshot display"},
			&cli.IntFlag{Name: flagSnapshotWidth, EnvVars: env("SNAPSHOT_WIDTH"), Usage: "snapshot width in pixels, 0 keeps the source size"},
			&cli.DurationFlag{Name: flagSnapshotInterval, EnvVars: env("SNAPSHOT_INTERVAL"), Usage: "minimum time between snapshots"},
			&cli.BoolFlag{Name: flagCaptions, EnvVars: env("CAPTIONS"), Usage: "decode CEA-608/708 captions from SEI"},
			&cli.StringFlag{Name: flagAPIAddr, EnvVars: env("API_ADDR"), Usage: "debug API address, empty disables"},
		},
		Action: run,
	}
}

// loadConfig reads the config file and applies every flag the user set.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return cfg, err
	}

	str := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}
	integer := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	boolean(flagDebug, &cfg.Debug)
	str(flagLogFormat, &cfg.LogFormat)
	str(flagMode, &cfg.Source.Mode)
	str(flagAddr, &cfg.Source.Addr)
	str(flagSRTStreamID, &cfg.Source.SRTStreamID)
	str(flagQUICFingerprint, &cfg.Source.QUICFingerprint)
	boolean(flagOnce, &cfg.Source.Once)
	if c.IsSet(flagMaxUnitSize) {
		cfg.Source.MaxUnitSize = uint32(c.Uint(flagMaxUnitSize))
	}
	str(flagDecoder, &cfg.Decode.Decoder)
	boolean(flagStrictFormat, &cfg.Decode.StrictFormat)
	boolean(flagRealTime, &cfg.Decode.RealTime)
	boolean(flagSkipUnchanged, &cfg.Decode.SkipUnchanged)
	integer(flagQueueSize, &cfg.Decode.QueueSize)
	str(flagDropPolicy, &cfg.Decode.DropPolicy)
	str(flagDisplay, &cfg.Present.Display)
	str(flagSnapshotPath, &cfg.Present.SnapshotPath)
	integer(flagSnapshotWidth, &cfg.Present.SnapshotWidth)
	if c.IsSet(flagSnapshotInterval) {
		cfg.Present.SnapshotInterval = c.Duration(flagSnapshotInterval)
	}
	boolean(flagCaptions, &cfg.Captions)
	str(flagAPIAddr, &cfg.APIAddr)

	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	log.Info("avcpreview starting",
		"version", version,
		"mode", cfg.Source.Mode,
		"addr", cfg.Source.Addr,
		"decoder", cfg.Decode.Decoder,
		"display", cfg.Present.Display,
		"api", cfg.APIAddr,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Streams capture the errgroup context so they stop when any component
	// fails.
	a.registry = ingest.NewRegistry(func(s *ingest.Stream) {
		a.handleStream(ctx, s)
	})

	var fingerprint string
	var source func() error
	switch cfg.Source.Mode {
	case config.ModeDial:
		d := ingest.NewDialer(cfg.Source.Addr, a.registry, log)
		d.Once = cfg.Source.Once
		source = func() error { return d.Run(ctx) }
	case config.ModeListen:
		ln := ingest.NewListener(cfg.Source.Addr, a.registry, log)
		source = func() error { return ln.Start(ctx) }
	case config.ModeSRTListen:
		srv := srtingest.NewServer(cfg.Source.Addr, a.registry, log)
		source = func() error { return srv.Start(ctx) }
	case config.ModeSRTCall:
		caller := srtingest.NewCaller(a.registry, log)
		req := srtingest.PullRequest{Address: cfg.Source.Addr, StreamID: cfg.Source.SRTStreamID}
		source = func() error { return caller.Pull(ctx, req) }
	case config.ModeQUICListen:
		cert, err := certs.Generate(certs.DefaultValidity)
		if err != nil {
			return fmt.Errorf("generate certificate: %w", err)
		}
		fingerprint = cert.FingerprintHex()
		log.Info("certificate generated",
			"fingerprint", fingerprint,
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		srv := quic.NewServer(cfg.Source.Addr, cert.ServerTLS(quic.ALPN), a.registry, log)
		source = func() error { return srv.Start(ctx) }
	case config.ModeQUICDial:
		var pin *[32]byte
		if cfg.Source.QUICFingerprint != "" {
			fp, err := certs.ParseFingerprint(cfg.Source.QUICFingerprint)
			if err != nil {
				return err
			}
			pin = &fp
		} else {
			log.Warn("quic-dial without a fingerprint accepts any certificate")
		}
		tlsConf := certs.PinnedClientTLS(quic.ALPN, pin)
		source = func() error { return quic.Dial(ctx, cfg.Source.Addr, tlsConf, a.registry, log) }
	default:
		return fmt.Errorf("unknown source mode %q", cfg.Source.Mode)
	}

	g.Go(func() error { return a.sink.Run(ctx) })
	g.Go(func() error {
		err := source()
		// srt-call, quic-dial and dial --once end with their connection.
		a.registry.Wait()
		cancel()
		return err
	})

	if cfg.APIAddr != "" {
		apiSrv := api.NewServer(api.Config{
			Addr:            cfg.APIAddr,
			Source:          a,
			CertFingerprint: fingerprint,
			QUICAddr:        quicAddr(cfg),
		}, log)
		g.Go(func() error { return apiSrv.Start(ctx) })
	}

	err = g.Wait()
	a.registry.Wait()
	if err != nil {
		return err
	}
	log.Info("avcpreview stopped", "frames", a.sink.Stats().Displayed)
	return nil
}

func quicAddr(cfg config.Config) string {
	if cfg.Source.Mode == config.ModeQUICListen {
		return cfg.Source.Addr
	}
	return ""
}
