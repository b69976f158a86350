package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/zsiec/avcpreview/internal/config"
	"github.com/zsiec/avcpreview/internal/ingest"
	"github.com/zsiec/avcpreview/internal/nal"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avcpreview.yaml")
	os.WriteFile(path, []byte("decode:\n  queue_size: 4\n  decoder: discard\napi_addr: \":9000\"\n"), 0o644)

	var got config.Config
	app := newCLI()
	app.Action = func(c *cli.Context) error {
		var err error
		got, err = loadConfig(c)
		return err
	}
	err := app.Run([]string{"avcpreview", "--config", path, "--queue-size", "16", "--drop-policy", "drop-oldest", "--mode", "listen"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Decode.QueueSize != 16 || got.Decode.DropPolicy != "drop-oldest" {
		t.Errorf("flags not applied: %+v", got.Decode)
	}
	if got.Source.Mode != config.ModeListen {
		t.Errorf("mode = %q", got.Source.Mode)
	}
	if got.APIAddr != ":9000" {
		t.Errorf("file value lost: api_addr = %q", got.APIAddr)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	app := newCLI()
	app.Action = func(c *cli.Context) error {
		_, err := loadConfig(c)
		return err
	}
	if err := app.Run([]string{"avcpreview", "--mode", "smoke-signal"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestHandleStream(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	a, err := newApp(cfg, slog.Default())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.registry = ingest.NewRegistry(func(s *ingest.Stream) { a.handleStream(ctx, s) })

	var stream []byte
	for _, u := range [][]byte{{0x67, 0xAA}, {0x68, 0xBB}, {0x65, 0x01}, {0x41, 0x02}, {0x06, 0x04}} {
		stream = nal.Append(stream, u)
	}
	if err := ingest.Pump(ctx, a.registry, "test", ingest.ProtocolTCP, "peer", bytes.NewReader(stream), slog.Default()); err != nil {
		t.Fatalf("Pump: %v", err)
	}
	a.registry.Wait()

	snap := a.Snapshot()
	if snap.Pipeline == nil || snap.Pipeline.UnitsRead != 5 {
		t.Fatalf("pipeline stats = %+v", snap.Pipeline)
	}
	if snap.Decoder.SessionsCreated != 1 || snap.Decoder.Submitted != 3 {
		t.Errorf("decoder stats = %+v", snap.Decoder)
	}
	if snap.Presentation.Received != 2 {
		t.Errorf("presentation received = %d, want 2", snap.Presentation.Received)
	}
	if fd := a.Format(); fd == nil || fd.Codec() != "avc1" {
		t.Errorf("format = %+v", fd)
	}
}
