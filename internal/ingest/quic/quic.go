// Package quic carries the length-prefixed H.264 stream over a QUIC
// unidirectional stream. The sender opens one uni stream per connection and
// writes the wire framing on it unchanged.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/zsiec/avcpreview/internal/ingest"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "avcpreview"

// Application error codes sent when closing a connection.
const (
	codeOK   quicgo.ApplicationErrorCode = 0
	codeBusy quicgo.ApplicationErrorCode = 1
)

func quicConfig() *quicgo.Config {
	return &quicgo.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// Server accepts QUIC publishers.
type Server struct {
	log      *slog.Logger
	addr     string
	tls      *tls.Config
	registry *ingest.Registry
	bound    chan net.Addr
}

// NewServer creates a Server on addr presenting tlsConf, which must
// negotiate ALPN.
func NewServer(addr string, tlsConf *tls.Config, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "quic-server"),
		addr:     addr,
		tls:      tlsConf,
		registry: registry,
		bound:    make(chan net.Addr, 1),
	}
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() <-chan net.Addr { return s.bound }

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := quicgo.ListenAddr(s.addr, s.tls, quicConfig())
	if err != nil {
		return fmt.Errorf("QUIC listen on %s: %w", s.addr, err)
	}
	defer ln.Close()
	s.log.Info("listening", "addr", ln.Addr())
	s.bound <- ln.Addr()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("QUIC accept: %w", err)
		}
		if s.registry.Busy() {
			s.log.Warn("rejecting connection, stream already active", "remote", conn.RemoteAddr())
			conn.CloseWithError(codeBusy, "busy")
			continue
		}
		go func() {
			_ = receive(ctx, conn, s.registry, s.log)
		}()
	}
}

// Dial connects to a QUIC sender at addr and receives its stream until the
// connection ends or ctx is cancelled. It returns nil on cancellation.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, registry *ingest.Registry, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "quic-dialer")

	conn, err := quicgo.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("QUIC dial %s: %w", addr, err)
	}
	log.Info("connected", "addr", addr)

	err = receive(ctx, conn, registry, log)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// receive pumps the first uni stream of conn into the registry.
func receive(ctx context.Context, conn quicgo.Connection, registry *ingest.Registry, log *slog.Logger) error {
	defer conn.CloseWithError(codeOK, "")

	str, err := conn.AcceptUniStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("QUIC accept stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { str.CancelRead(0) })
	defer stop()

	remote := conn.RemoteAddr().String()
	log.Info("publish", "remote", remote)
	return ingest.Pump(ctx, registry, remote, ingest.ProtocolQUIC, remote, recvStream{str}, log)
}

// recvStream lets Pump stop a receive stream the pipeline no longer reads.
type recvStream struct {
	quicgo.ReceiveStream
}

func (r recvStream) Close() error {
	r.CancelRead(0)
	return nil
}
