package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValid(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Source.Addr != "127.0.0.1:18999" || cfg.Source.Mode != ModeDial {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Decode.QueueSize != 0 || cfg.Decode.SkipUnchanged {
		t.Errorf("decode = %+v", cfg.Decode)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "avcpreview.yaml")
	data := `
source:
  mode: srt-listen
  addr: ":6000"
decode:
  decoder: ffmpeg
  skip_unchanged_parameter_sets: true
  queue_size: 8
  drop_policy: drop-oldest
present:
  display: snapshot
  snapshot_interval: 250ms
captions: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Source.Mode != ModeSRTListen || cfg.Source.Addr != ":6000" {
		t.Errorf("source = %+v", cfg.Source)
	}
	if !cfg.Decode.SkipUnchanged || cfg.Decode.QueueSize != 8 || cfg.Decode.DropPolicy != "drop-oldest" {
		t.Errorf("decode = %+v", cfg.Decode)
	}
	if cfg.Present.SnapshotInterval != 250*time.Millisecond {
		t.Errorf("snapshot interval = %v", cfg.Present.SnapshotInterval)
	}
	// Unset fields keep their defaults.
	if !cfg.Decode.RealTime || cfg.Present.SnapshotPath != "preview.png" || !cfg.Captions {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil || cfg != Defaults() {
		t.Fatalf("Load(\"\") = %+v, %v", cfg, err)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("source: [unterminated"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidateReportsAll(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.Source.Mode = "carrier-pigeon"
	cfg.Decode.QueueSize = -1
	cfg.Decode.DropPolicy = "drop-everything"
	cfg.Present.Display = "hologram"
	cfg.LogFormat = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"source.mode", "decode.queue_size", "decode.drop_policy", "present.display", "log_format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
