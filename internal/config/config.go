// Package config loads the preview configuration from YAML. Command-line
// flags are applied on top by cmd/avcpreview.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/avcpreview/internal/ingest"
	"github.com/zsiec/avcpreview/internal/nal"
	"github.com/zsiec/avcpreview/internal/pipeline"
)

// Source modes.
const (
	ModeDial       = "dial"
	ModeListen     = "listen"
	ModeSRTListen  = "srt-listen"
	ModeSRTCall    = "srt-call"
	ModeQUICListen = "quic-listen"
	ModeQUICDial   = "quic-dial"
)

// Decoder and display names.
const (
	DecoderDiscard  = "discard"
	DecoderFFmpeg   = "ffmpeg"
	DisplayLog      = "log"
	DisplaySnapshot = "snapshot"
)

// Config is the full preview configuration.
type Config struct {
	Source   SourceConfig  `yaml:"source"`
	Decode   DecodeConfig  `yaml:"decode"`
	Present  PresentConfig `yaml:"present"`
	Captions bool          `yaml:"captions"`
	APIAddr  string        `yaml:"api_addr"`

	Debug     bool   `yaml:"debug"`
	LogFormat string `yaml:"log_format"`
}

// SourceConfig selects the transport.
type SourceConfig struct {
	Mode            string `yaml:"mode"`
	Addr            string `yaml:"addr"`
	SRTStreamID     string `yaml:"srt_stream_id"`
	QUICFingerprint string `yaml:"quic_fingerprint"`
	Once            bool   `yaml:"once"`
	MaxUnitSize     uint32 `yaml:"max_unit_size"`
}

// DecodeConfig controls session management and submission.
type DecodeConfig struct {
	Decoder       string `yaml:"decoder"`
	StrictFormat  bool   `yaml:"strict_format"`
	RealTime      bool   `yaml:"realtime"`
	SkipUnchanged bool   `yaml:"skip_unchanged_parameter_sets"`
	QueueSize     int    `yaml:"queue_size"`
	DropPolicy    string `yaml:"drop_policy"`
}

// PresentConfig controls the presentation sink.
type PresentConfig struct {
	Display          string        `yaml:"display"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotWidth    int           `yaml:"snapshot_width"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MaxPending       int           `yaml:"max_pending"`
	TickInterval     time.Duration `yaml:"tick_interval"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		Source: SourceConfig{
			Mode:        ModeDial,
			Addr:        ingest.DefaultAddr,
			MaxUnitSize: nal.DefaultMaxUnitSize,
		},
		Decode: DecodeConfig{
			Decoder:    DecoderDiscard,
			RealTime:   true,
			DropPolicy: pipeline.DropNewest.String(),
		},
		Present: PresentConfig{
			Display:          DisplayLog,
			SnapshotPath:     "preview.png",
			SnapshotInterval: time.Second,
			MaxPending:       120,
			TickInterval:     10 * time.Millisecond,
		},
		APIAddr:   "127.0.0.1:8080",
		LogFormat: "text",
	}
}

// Load reads path over Defaults. An empty path returns Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	switch c.Source.Mode {
	case ModeDial, ModeListen, ModeSRTListen, ModeSRTCall, ModeQUICListen, ModeQUICDial:
	default:
		errs = append(errs, fmt.Errorf("source.mode: unknown mode %q", c.Source.Mode))
	}
	if c.Source.Addr == "" {
		errs = append(errs, errors.New("source.addr: required"))
	}
	if c.Source.MaxUnitSize == 0 {
		errs = append(errs, errors.New("source.max_unit_size: must be positive"))
	}

	switch c.Decode.Decoder {
	case DecoderDiscard, DecoderFFmpeg:
	default:
		errs = append(errs, fmt.Errorf("decode.decoder: unknown decoder %q", c.Decode.Decoder))
	}
	if c.Decode.QueueSize < 0 {
		errs = append(errs, errors.New("decode.queue_size: must not be negative"))
	}
	if _, err := pipeline.ParseDropPolicy(c.Decode.DropPolicy); err != nil {
		errs = append(errs, fmt.Errorf("decode.drop_policy: %w", err))
	}

	switch c.Present.Display {
	case DisplayLog:
	case DisplaySnapshot:
		if c.Present.SnapshotPath == "" {
			errs = append(errs, errors.New("present.snapshot_path: required for snapshot display"))
		}
	default:
		errs = append(errs, fmt.Errorf("present.display: unknown display %q", c.Present.Display))
	}
	if c.Present.MaxPending <= 0 {
		errs = append(errs, errors.New("present.max_pending: must be positive"))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
