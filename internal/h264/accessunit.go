package h264

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	mch264 "github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"github.com/zsiec/avcpreview/internal/nal"
)

// ErrEmptyNAL is returned when asked to frame a unit with no bytes.
var ErrEmptyNAL = errors.New("h264: empty NAL unit")

// AccessUnit is a single NAL unit framed for the decode capability: a 4-byte
// big-endian length followed by the NAL bytes, independent of the wire
// framing it arrived in.
type AccessUnit struct {
	Data    []byte
	NALType byte
	PTS     time.Duration // presentation time on the host timebase
}

// NAL returns the NAL bytes without the length prefix.
func (au AccessUnit) NAL() []byte {
	if len(au.Data) < NALLengthSize {
		return nil
	}
	return au.Data[NALLengthSize:]
}

// IsKeyframe reports whether the unit is an IDR slice.
func (au AccessUnit) IsKeyframe() bool {
	return IsKeyframe(au.NALType)
}

// BuildAccessUnit frames u for submission, stamped with pts.
func BuildAccessUnit(u nal.Unit, pts time.Duration) (AccessUnit, error) {
	if len(u.Data) == 0 {
		return AccessUnit{}, ErrEmptyNAL
	}
	data, err := mch264.AVCCMarshal([][]byte{u.Data})
	if err != nil {
		return AccessUnit{}, fmt.Errorf("h264: frame access unit: %w", err)
	}
	return AccessUnit{Data: data, NALType: u.Type, PTS: pts}, nil
}

// AVCCToAnnexB rewrites length-prefixed NALs to start-code-prefixed ones.
func AVCCToAnnexB(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for len(data) > 0 {
		if len(data) < NALLengthSize {
			return nil, fmt.Errorf("h264: truncated NAL length")
		}
		n := binary.BigEndian.Uint32(data)
		data = data[NALLengthSize:]
		if uint64(n) > uint64(len(data)) {
			return nil, fmt.Errorf("h264: NAL length %d exceeds remaining %d bytes", n, len(data))
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, data[:n]...)
		data = data[n:]
	}
	return out, nil
}
