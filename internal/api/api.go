// Package api serves the preview's debug HTTP endpoints: live counters for
// every stage and the format description of the current decoder session.
package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/zsiec/avcpreview/internal/decode"
	"github.com/zsiec/avcpreview/internal/h264"
	"github.com/zsiec/avcpreview/internal/ingest"
	"github.com/zsiec/avcpreview/internal/pipeline"
	"github.com/zsiec/avcpreview/internal/present"
)

// Snapshot is the body of GET /api/stats.
type Snapshot struct {
	Timestamp    int64                `json:"timestamp"`
	UptimeMs     int64                `json:"uptimeMs"`
	Ingest       []ingest.IngestStats `json:"ingest"`
	Pipeline     *pipeline.Stats      `json:"pipeline,omitempty"`
	Decoder      decode.Stats         `json:"decoder"`
	Presentation present.SinkStats    `json:"presentation"`
	Captions     int64                `json:"captions"`
}

// FormatInfo is the body of GET /api/format.
type FormatInfo struct {
	Codec         string  `json:"codec"`
	Detailed      bool    `json:"detailed"`
	Width         int     `json:"width,omitempty"`
	Height        int     `json:"height,omitempty"`
	Profile       int     `json:"profile,omitempty"`
	Level         int     `json:"level,omitempty"`
	FrameRate     float64 `json:"frameRate,omitempty"`
	SPS           string  `json:"sps"`
	PPS           string  `json:"pps"`
	DecoderConfig string  `json:"decoderConfig,omitempty"` // base64 avcC
}

// NewFormatInfo describes fd for JSON output.
func NewFormatInfo(fd *h264.FormatDescription) FormatInfo {
	fi := FormatInfo{
		Codec:    fd.Codec(),
		Detailed: fd.Detailed,
		SPS:      hex.EncodeToString(fd.SPS),
		PPS:      hex.EncodeToString(fd.PPS),
	}
	if fd.Detailed {
		fi.Width, fi.Height = fd.Dimensions()
		fi.Profile = int(fd.Info.ProfileIDC)
		fi.Level = int(fd.Info.LevelIDC)
		fi.FrameRate = fd.Info.FrameRate
	}
	if fd.DecoderConfig != nil {
		fi.DecoderConfig = base64.StdEncoding.EncodeToString(fd.DecoderConfig)
	}
	return fi
}

// Source supplies the data the API serves.
type Source interface {
	Snapshot() Snapshot
	Format() *h264.FormatDescription
}

// Config configures a Server.
type Config struct {
	Addr   string
	Source Source

	// CertFingerprint, when set, is served on GET /api/cert-hash so QUIC
	// senders can pin the listener certificate.
	CertFingerprint string
	QUICAddr        string
}

// Server is the debug HTTP server.
type Server struct {
	log    *slog.Logger
	config Config
	bound  chan net.Addr
}

// NewServer creates a Server. If log is nil, slog.Default() is used.
func NewServer(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log.With("component", "api"),
		config: cfg,
		bound:  make(chan net.Addr, 1),
	}
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() <-chan net.Addr { return s.bound }

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/format", s.handleFormat)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("API server listening", "addr", ln.Addr())
	s.bound <- ln.Addr()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Source.Snapshot())
}

func (s *Server) handleFormat(w http.ResponseWriter, _ *http.Request) {
	fd := s.config.Source.Format()
	if fd == nil {
		writeError(w, http.StatusNotFound, "no active decoder session")
		return
	}
	writeJSON(w, http.StatusOK, NewFormatInfo(fd))
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.CertFingerprint == "" {
		writeError(w, http.StatusNotFound, "QUIC ingest not enabled")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{Hash: s.config.CertFingerprint, Addr: s.config.QUICAddr})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
