package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reconnect delays for Dialer.
const (
	DefaultRetryInitial = 250 * time.Millisecond
	DefaultRetryMax     = 5 * time.Second
)

// Dialer connects to a TCP sender and reconnects with exponential backoff
// whenever the connection fails or ends.
type Dialer struct {
	log      *slog.Logger
	addr     string
	registry *Registry

	// Once makes Run return after the first connection ends instead of
	// reconnecting.
	Once bool

	// MaxElapsed bounds how long Run keeps retrying a failing dial. Zero
	// retries until ctx is done.
	MaxElapsed time.Duration
}

// NewDialer creates a Dialer for addr. An empty addr means DefaultAddr.
func NewDialer(addr string, registry *Registry, log *slog.Logger) *Dialer {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = DefaultAddr
	}
	return &Dialer{
		log:      log.With("component", "tcp-dialer"),
		addr:     addr,
		registry: registry,
	}
}

// Run dials until ctx is cancelled. It returns nil on cancellation and the
// last dial error when MaxElapsed runs out.
func (d *Dialer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultRetryInitial
	b.MaxInterval = DefaultRetryMax
	b.MaxElapsedTime = d.MaxElapsed

	var dialer net.Dialer
	op := func() error {
		conn, err := dialer.DialContext(ctx, "tcp", d.addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("dial %s: %w", d.addr, err)
		}
		b.Reset()
		d.log.Info("connected", "addr", d.addr)

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = Pump(ctx, d.registry, d.addr, ProtocolTCP, conn.RemoteAddr().String(), conn, d.log)
		stop()
		conn.Close()

		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if d.Once {
			return backoff.Permanent(err)
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		d.log.Warn("retrying", "addr", d.addr, "error", err, "in", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Listener accepts TCP senders one at a time.
type Listener struct {
	log      *slog.Logger
	addr     string
	registry *Registry
	bound    chan net.Addr
}

// NewListener creates a Listener on addr.
func NewListener(addr string, registry *Registry, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		log:      log.With("component", "tcp-listener"),
		addr:     addr,
		registry: registry,
		bound:    make(chan net.Addr, 1),
	}
}

// Addr returns the bound address once Start is listening.
func (l *Listener) Addr() <-chan net.Addr { return l.bound }

// Start accepts connections until ctx is cancelled. While a stream is
// active further connections are refused.
func (l *Listener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("TCP listen on %s: %w", l.addr, err)
	}
	l.log.Info("listening", "addr", ln.Addr())
	l.bound <- ln.Addr()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("TCP accept: %w", err)
		}

		if l.registry.Busy() {
			l.log.Warn("rejecting connection, stream already active", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		remote := conn.RemoteAddr().String()
		l.log.Info("publish", "remote", remote)
		go func() {
			defer conn.Close()
			connStop := context.AfterFunc(ctx, func() { conn.Close() })
			defer connStop()
			_ = Pump(ctx, l.registry, remote, ProtocolTCP, remote, conn, l.log)
		}()
	}
}
