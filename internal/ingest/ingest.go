// Package ingest manages the connection a length-prefixed H.264 stream
// arrives on. Transports (TCP, SRT, QUIC) register each connection with a
// Registry, which hands the connection's bytes to the pipeline through a
// pipe and tracks byte and read counters for the debug API.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol names the transport a stream arrived on.
type Protocol string

// Supported transports.
const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolSRT  Protocol = "srt"
	ProtocolQUIC Protocol = "quic"
)

// DefaultAddr is where the preview connects when no source is configured.
const DefaultAddr = "127.0.0.1:18999"

// readBufferSize is the buffer for each transport read.
const readBufferSize = 64 << 10

// ErrBusy is returned by Register when the registry already carries its
// maximum number of streams.
var ErrBusy = errors.New("ingest: stream already active")

// IngestStats captures connection-level metrics for an ingest stream.
type IngestStats struct {
	Key           string   `json:"key"`
	Protocol      Protocol `json:"protocol"`
	BytesReceived int64    `json:"bytesReceived"`
	ReadCount     int64    `json:"readCount"`
	ConnectedAt   int64    `json:"connectedAt"`
	UptimeMs      int64    `json:"uptimeMs"`
	RemoteAddr    string   `json:"remoteAddr"`
}

// Stream is one active ingest connection. Bytes written by the transport
// into the registry pipe are read by the pipeline from Input.
type Stream struct {
	Key       string
	StartedAt time.Time
	Protocol  Protocol
	input     io.ReadCloser
	pw        *io.PipeWriter
	done      chan struct{}

	closeMu     sync.Mutex
	inputClosed bool
	onClose     func()

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Input returns the reader the pipeline consumes. Closing it also runs the
// hook registered with OnInputClosed.
func (s *Stream) Input() io.ReadCloser { return s.input }

// OnInputClosed registers fn to run once when Input is closed. If Input is
// already closed, fn runs immediately.
func (s *Stream) OnInputClosed(fn func()) {
	s.closeMu.Lock()
	if s.inputClosed {
		s.closeMu.Unlock()
		fn()
		return
	}
	s.onClose = fn
	s.closeMu.Unlock()
}

func (s *Stream) closeInput() {
	s.closeMu.Lock()
	fn := s.onClose
	s.onClose = nil
	s.inputClosed = true
	s.closeMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Stream) isInputClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.inputClosed
}

// streamInput is the pipe reader handed to the pipeline.
type streamInput struct {
	*io.PipeReader
	stream *Stream
}

func (in *streamInput) Close() error {
	err := in.PipeReader.Close()
	in.stream.closeInput()
	return err
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// RecordRead increments the byte and read counters after a transport read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// IngestStats returns a snapshot of connection metrics.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		Key:           s.Key,
		Protocol:      s.Protocol,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active streams by key and dispatches each new stream to
// the onStream callback. A preview renders one stream at a time, so the
// registry admits at most maxStreams concurrently.
type Registry struct {
	mu         sync.RWMutex
	streams    map[string]*Stream
	maxStreams int

	onStream func(*Stream)
	handlers sync.WaitGroup
}

// NewRegistry creates a Registry admitting one stream at a time. The
// onStream callback is invoked asynchronously for every registered stream.
func NewRegistry(onStream func(*Stream)) *Registry {
	return &Registry{
		streams:    make(map[string]*Stream),
		maxStreams: 1,
		onStream:   onStream,
	}
}

// Busy reports whether another stream would be rejected.
func (r *Registry) Busy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams) >= r.maxStreams
}

// Register creates a stream for key and returns the writer the transport
// copies connection bytes into.
func (r *Registry) Register(key string, proto Protocol) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Protocol:  proto,
		pw:        pw,
		done:      make(chan struct{}),
	}
	stream.input = &streamInput{PipeReader: pr, stream: stream}

	r.mu.Lock()
	if _, exists := r.streams[key]; exists || len(r.streams) >= r.maxStreams {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: cannot register %q", ErrBusy, key)
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		r.handlers.Add(1)
		go func() {
			defer r.handlers.Done()
			r.onStream(stream)
		}()
	}
	return stream, pw, nil
}

// Unregister removes a stream by key, closing its pipe with err (io.EOF
// when nil) and signaling Done.
func (r *Registry) Unregister(key string, err error) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.CloseWithError(err)
		close(stream.done)
	}
}

// Wait blocks until every onStream callback has returned.
func (r *Registry) Wait() {
	r.handlers.Wait()
}

// Get returns the stream for key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Stats returns a snapshot of every active stream.
func (r *Registry) Stats() []IngestStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]IngestStats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.IngestStats())
	}
	return out
}

// Pump copies conn into a newly registered stream until conn fails, the
// pipeline stops reading, or ctx is done. If conn is an io.Closer it is
// closed as soon as the pipeline closes the stream input. The stream is
// unregistered on return; a read error other than io.EOF is passed on to
// the pipeline.
func Pump(ctx context.Context, r *Registry, key string, proto Protocol, remote string, conn io.Reader, log *slog.Logger) error {
	stream, w, err := r.Register(key, proto)
	if err != nil {
		return err
	}
	stream.SetRemoteAddr(remote)
	// A pipeline that stops reading tears the connection down.
	if c, ok := conn.(io.Closer); ok {
		stream.OnInputClosed(func() { c.Close() })
	}

	var readErr error
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if n > 0 {
			stream.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug("pipe write error", "stream_key", key, "error", werr)
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !stream.isInputClosed() {
				log.Debug("read error", "stream_key", key, "error", err)
				readErr = err
			}
			break
		}
	}

	stats := stream.IngestStats()
	r.Unregister(key, readErr)
	log.Info("connection closed", "stream_key", key, "protocol", proto,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
	return readErr
}
