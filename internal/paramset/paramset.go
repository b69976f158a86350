// Package paramset caches the most recent SPS and PPS seen on the stream and
// reports when a complete pair is available for (re)creating a decoder
// session.
package paramset

import (
	"bytes"
	"sync"

	"github.com/zsiec/avcpreview/internal/h264"
	"github.com/zsiec/avcpreview/internal/nal"
)

// Event is the outcome of observing one NAL unit.
type Event int

const (
	// Unchanged means the unit was not a parameter set, or was an identical
	// pair skipped under WithSkipUnchanged.
	Unchanged Event = iota
	// SPSUpdated means the SPS was replaced. No session action is taken
	// until the next PPS.
	SPSUpdated
	// Incomplete means a PPS arrived but no SPS has been seen yet.
	Incomplete
	// ParametersUpdated means a PPS arrived with an SPS present; the
	// decoder session must be rebuilt from Current.
	ParametersUpdated
)

func (e Event) String() string {
	switch e {
	case Unchanged:
		return "unchanged"
	case SPSUpdated:
		return "sps-updated"
	case Incomplete:
		return "incomplete"
	case ParametersUpdated:
		return "parameters-updated"
	}
	return "unknown"
}

// Option configures a Store.
type Option func(*Store)

// WithSkipUnchanged suppresses ParametersUpdated when the SPS and PPS bytes
// equal the pair that last produced ParametersUpdated.
func WithSkipUnchanged(skip bool) Option {
	return func(s *Store) { s.skipUnchanged = skip }
}

// Store holds the latest SPS and PPS. Observe is called from the ingest
// goroutine; Current may be called concurrently.
type Store struct {
	skipUnchanged bool

	mu  sync.RWMutex
	sps []byte
	pps []byte

	// pair that last produced ParametersUpdated
	appliedSPS []byte
	appliedPPS []byte
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Observe records u if it is a parameter set and reports what changed.
// Units of any other type are ignored.
func (s *Store) Observe(u nal.Unit) Event {
	switch u.Type {
	case h264.NALTypeSPS:
		s.mu.Lock()
		s.sps = bytes.Clone(u.Data)
		s.mu.Unlock()
		return SPSUpdated

	case h264.NALTypePPS:
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pps = bytes.Clone(u.Data)
		if len(s.sps) == 0 || len(s.pps) == 0 {
			return Incomplete
		}
		if s.skipUnchanged && bytes.Equal(s.sps, s.appliedSPS) && bytes.Equal(s.pps, s.appliedPPS) {
			return Unchanged
		}
		s.appliedSPS = s.sps
		s.appliedPPS = s.pps
		return ParametersUpdated
	}
	return Unchanged
}

// Current returns copies of the stored SPS and PPS. ok is false unless both
// are present.
func (s *Store) Current() (sps, pps []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sps) == 0 || len(s.pps) == 0 {
		return bytes.Clone(s.sps), bytes.Clone(s.pps), false
	}
	return bytes.Clone(s.sps), bytes.Clone(s.pps), true
}

// Invalidate forgets which pair was last applied, so the next PPS reports
// ParametersUpdated even when it repeats that pair. Call it when applying an
// update failed.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.appliedSPS, s.appliedPPS = nil, nil
	s.mu.Unlock()
}

// Reset forgets both parameter sets, e.g. when a new connection starts.
func (s *Store) Reset() {
	s.mu.Lock()
	s.sps, s.pps = nil, nil
	s.appliedSPS, s.appliedPPS = nil, nil
	s.mu.Unlock()
}
