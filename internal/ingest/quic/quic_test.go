package quic

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/zsiec/avcpreview/internal/certs"
	"github.com/zsiec/avcpreview/internal/ingest"
)

func TestServerReceivesStream(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan []byte, 1)
	registry := ingest.NewRegistry(func(s *ingest.Stream) {
		defer s.Input().Close()
		b, _ := io.ReadAll(s.Input())
		got <- b
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer("127.0.0.1:0", cert.ServerTLS(ALPN), registry, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	var addr string
	select {
	case a := <-srv.Addr():
		addr = a.String()
	case err := <-done:
		t.Fatalf("Start: %v", err)
	}

	conn, err := quicgo.DialAddr(ctx, addr, certs.PinnedClientTLS(ALPN, &cert.Fingerprint), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	str, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	payload := []byte{0x00, 0x00, 0x00, 0x02, 0x07, 0xAA, 0x00, 0x00, 0x00, 0x02, 0x08, 0xBB}
	if _, err := str.Write(payload); err != nil {
		t.Fatal(err)
	}
	str.Close()

	select {
	case b := <-got:
		if !bytes.Equal(b, payload) {
			t.Errorf("got % X", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream not delivered")
	}
	conn.CloseWithError(0, "")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
}
