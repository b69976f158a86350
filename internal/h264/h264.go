// Package h264 holds the H.264 knowledge the preview pipeline needs: NAL
// type classification, Sequence Parameter Set parsing, Format Description
// construction from an SPS/PPS pair, and Access Unit framing for the decode
// capability.
package h264

import (
	mch264 "github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeDPA        = 2
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeEndOfSeq   = 10
	NALTypeFillerData = 12
)

// IsKeyframe reports whether t is an IDR slice.
func IsKeyframe(t byte) bool {
	return t == NALTypeIDR
}

// IsParameterSet reports whether t is an SPS or PPS. Parameter sets are
// consumed by the parameter set store and never reach the decoder directly.
func IsParameterSet(t byte) bool {
	return t == NALTypeSPS || t == NALTypePPS
}

// IsVCL reports whether t carries coded slice data, i.e. produces a picture
// once decoded.
func IsVCL(t byte) bool {
	return t >= NALTypeSlice && t <= NALTypeIDR
}

// IsFirstSlice reports whether nalu (header byte included) is a slice that
// starts a new picture. first_mb_in_slice is the first ue(v) of the slice
// header and is zero exactly when its leading bit is set.
func IsFirstSlice(nalu []byte) bool {
	if len(nalu) < 2 {
		return false
	}
	switch nalu[0] & 0x1F {
	case NALTypeSlice, NALTypeDPA, NALTypeIDR:
		return nalu[1]&0x80 != 0
	}
	return false
}

// TypeName returns a human-readable name for t, for logs.
func TypeName(t byte) string {
	return mch264.NALUType(t).String()
}
