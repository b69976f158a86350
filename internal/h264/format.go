package h264

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"
)

// NALLengthSize is the size of the big-endian length prefix on every NAL
// inside an Access Unit. It is recorded in the decoder configuration record
// as lengthSizeMinusOne = 3.
const NALLengthSize = 4

// Sentinel errors for parameter sets that cannot describe a stream at all.
var (
	ErrEmptyParameterSet = errors.New("h264: empty parameter set")
	ErrNotSPS            = errors.New("h264: first parameter set is not an SPS")
	ErrNotPPS            = errors.New("h264: second parameter set is not a PPS")
)

// FormatOptions controls how strictly NewFormatDescription validates the
// parameter sets.
type FormatOptions struct {
	// Strict requires both the SPS and the PPS to parse, and the PPS to
	// reference the SPS. Without it only presence and NAL types are checked
	// and stream details are filled in best-effort.
	Strict bool
}

// FormatDescription is the read-only decoder configuration derived from one
// SPS/PPS pair. It is recomputed whenever either set changes.
type FormatDescription struct {
	SPS []byte
	PPS []byte

	// Info is populated when Detailed is true.
	Info     SPSInfo
	Detailed bool

	// DecoderConfig is the AVCDecoderConfigurationRecord (ISO 14496-15)
	// with 4-byte NAL lengths, or nil when the SPS could not be parsed.
	DecoderConfig []byte
}

// NewFormatDescription builds a FormatDescription from raw SPS and PPS NAL
// units (header byte included). Both slices are copied.
func NewFormatDescription(sps, pps []byte, opts FormatOptions) (*FormatDescription, error) {
	if len(sps) == 0 || len(pps) == 0 {
		return nil, ErrEmptyParameterSet
	}
	if sps[0]&0x1F != NALTypeSPS {
		return nil, ErrNotSPS
	}
	if pps[0]&0x1F != NALTypePPS {
		return nil, ErrNotPPS
	}

	fd := &FormatDescription{
		SPS: bytes.Clone(sps),
		PPS: bytes.Clone(pps),
	}

	info, err := ParseSPS(sps)
	switch {
	case err == nil:
		fd.Info = info
		fd.Detailed = true
	case opts.Strict:
		return nil, fmt.Errorf("h264: parse SPS: %w", err)
	}

	if opts.Strict {
		if err := validatePair(sps, pps); err != nil {
			return nil, err
		}
	}

	if fd.Detailed {
		rec, err := decoderConfig(fd.SPS, fd.PPS)
		if err != nil && opts.Strict {
			return nil, err
		}
		fd.DecoderConfig = rec
	}

	return fd, nil
}

// validatePair checks that the PPS parses against the SPS it refers to.
func validatePair(sps, pps []byte) error {
	s, err := avc.ParseSPSNALUnit(sps, false)
	if err != nil {
		return fmt.Errorf("h264: parse SPS: %w", err)
	}
	spsMap := map[uint32]*avc.SPS{s.ParameterID: s}
	if _, err := avc.ParsePPSNALUnit(pps, spsMap); err != nil {
		return fmt.Errorf("h264: parse PPS: %w", err)
	}
	return nil
}

func decoderConfig(sps, pps []byte) ([]byte, error) {
	box, err := mp4.CreateAvcC([][]byte{sps}, [][]byte{pps}, true)
	if err != nil {
		return nil, fmt.Errorf("h264: build avcC: %w", err)
	}
	var buf bytes.Buffer
	if err := box.DecConfRec.Encode(&buf); err != nil {
		return nil, fmt.Errorf("h264: encode avcC: %w", err)
	}
	return buf.Bytes(), nil
}

// Codec returns the RFC 6381 codec string, or "avc1" when the SPS was not
// parsed.
func (fd *FormatDescription) Codec() string {
	if !fd.Detailed {
		return "avc1"
	}
	return fd.Info.CodecString()
}

// Dimensions returns the cropped picture size, or zeros when unknown.
func (fd *FormatDescription) Dimensions() (width, height int) {
	return fd.Info.Width, fd.Info.Height
}

// Equal reports whether fd and other were built from identical parameter sets.
func (fd *FormatDescription) Equal(other *FormatDescription) bool {
	if fd == nil || other == nil {
		return fd == other
	}
	return bytes.Equal(fd.SPS, other.SPS) && bytes.Equal(fd.PPS, other.PPS)
}

// AnnexBHeader returns the SPS and PPS with 4-byte start codes, the prefix a
// byte-stream decoder needs before the first slice.
func (fd *FormatDescription) AnnexBHeader() []byte {
	out := make([]byte, 0, 8+len(fd.SPS)+len(fd.PPS))
	out = append(out, 0, 0, 0, 1)
	out = append(out, fd.SPS...)
	out = append(out, 0, 0, 0, 1)
	out = append(out, fd.PPS...)
	return out
}
