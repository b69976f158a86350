// Package nal splits a length-prefixed H.264 elementary stream into NAL
// units. Every message on the wire is a 4-byte big-endian length followed by
// that many bytes of NAL data (header byte included, no start code).
//
// The central type is [Reader], which pulls units one at a time from an
// [io.Reader]. Framing failures are terminal; an empty unit is reported as
// [ErrMalformedNAL] and the stream continues.
package nal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
)

// HeaderSize is the size of the big-endian length prefix preceding every unit.
const HeaderSize = 4

// TypeMask selects nal_unit_type from the first NAL byte.
const TypeMask = 0x1F

// DefaultMaxUnitSize bounds the declared length of a single unit. A larger
// length is treated as a garbled header.
const DefaultMaxUnitSize = 4 << 20

// ErrMalformedNAL is returned for a zero-length unit. The unit carries no
// header byte, so no type can be extracted. The stream is still aligned and
// the next call to Next continues with the following unit.
var ErrMalformedNAL = errors.New("nal: malformed unit (empty payload)")

var errUnitTooLarge = errors.New("declared length exceeds limit")

// Unit is a single NAL unit as delivered on the wire.
type Unit struct {
	Type byte   // nal_unit_type, Data[0] & 0x1F
	Data []byte // NAL header byte plus payload, without length prefix
}

// Len returns the unit size in bytes.
func (u Unit) Len() int { return len(u.Data) }

// Phase identifies which half of the two-phase read failed.
type Phase int

// Read phases.
const (
	PhaseHeader Phase = iota
	PhasePayload
)

func (p Phase) String() string {
	if p == PhaseHeader {
		return "length header"
	}
	return "payload"
}

// FramingError reports a short read, closed source, or garbled length while
// reading the stream. It is terminal: the Reader returns the same error from
// every subsequent call.
type FramingError struct {
	Phase Phase
	Want  int // bytes required by the phase
	Got   int // bytes actually read before the failure
	Err   error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("nal: framing error reading %s: got %d of %d bytes: %v", e.Phase, e.Got, e.Want, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxUnitSize overrides DefaultMaxUnitSize. Zero keeps the default.
func WithMaxUnitSize(n uint32) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxUnitSize = n
		}
	}
}

// Reader depacketizes a length-prefixed NAL stream. It is not safe for
// concurrent use by multiple goroutines, except for Count.
type Reader struct {
	src         io.Reader
	hdr         [HeaderSize]byte
	maxUnitSize uint32
	err         error

	units atomic.Uint64
	bytes atomic.Uint64
}

// NewReader returns a Reader that pulls units from src.
func NewReader(src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		src:         src,
		maxUnitSize: DefaultMaxUnitSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next reads the next unit. It blocks until a whole unit is available or
// the source fails. A *FramingError is terminal; ErrMalformedNAL is not.
func (r *Reader) Next() (Unit, error) {
	if r.err != nil {
		return Unit{}, r.err
	}

	n, err := io.ReadFull(r.src, r.hdr[:])
	if err != nil {
		return Unit{}, r.fail(PhaseHeader, HeaderSize, n, err)
	}
	r.bytes.Add(HeaderSize)

	size := binary.BigEndian.Uint32(r.hdr[:])
	if size == 0 {
		return Unit{}, ErrMalformedNAL
	}
	if size > r.maxUnitSize {
		return Unit{}, r.fail(PhaseHeader, HeaderSize, HeaderSize,
			fmt.Errorf("%w: %d > %d", errUnitTooLarge, size, r.maxUnitSize))
	}

	data := make([]byte, size)
	n, err = io.ReadFull(r.src, data)
	if err != nil {
		// The header promised bytes, so even a clean close here is truncation.
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Unit{}, r.fail(PhasePayload, int(size), n, err)
	}
	r.bytes.Add(uint64(size))
	r.units.Add(1)

	return Unit{Type: data[0] & TypeMask, Data: data}, nil
}

func (r *Reader) fail(phase Phase, want, got int, err error) error {
	r.err = &FramingError{Phase: phase, Want: want, Got: got, Err: err}
	return r.err
}

// All returns the lazy sequence of units. Malformed units are yielded with
// ErrMalformedNAL and iteration continues; the terminal framing error is
// yielded once and ends the sequence.
func (r *Reader) All() iter.Seq2[Unit, error] {
	return func(yield func(Unit, error) bool) {
		for {
			u, err := r.Next()
			if !yield(u, err) {
				return
			}
			var fe *FramingError
			if errors.As(err, &fe) {
				return
			}
		}
	}
}

// Count returns the number of whole units and bytes consumed so far.
func (r *Reader) Count() (units, bytes uint64) {
	return r.units.Load(), r.bytes.Load()
}

// IsClosed reports whether err is a framing error caused by the source
// closing cleanly on a unit boundary.
func IsClosed(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe) && fe.Phase == PhaseHeader && fe.Got == 0 && errors.Is(fe.Err, io.EOF)
}

// Append writes data to dst in wire framing and returns the extended slice.
func Append(dst []byte, data []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	dst = append(dst, hdr[:]...)
	return append(dst, data...)
}
