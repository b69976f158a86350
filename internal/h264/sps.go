package h264

import (
	"errors"
	"fmt"
)

var errSPSTooShort = errors.New("h264: SPS data too short")

// SPSInfo holds the stream properties read from a Sequence Parameter Set
// that a decoder needs before the first picture: identity, profile/level,
// and cropped picture dimensions.
type SPSInfo struct {
	ID              uint
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
	ChromaFormatIDC uint
	Width           int
	Height          int
	FrameRate       float64 // 0 unless VUI timing info is present
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// bitReader reads an RBSP MSB-first. The first read past the end latches
// errSPSTooShort and every later read returns 0, so parsing code can check
// err once per section instead of after every field.
type bitReader struct {
	data []byte
	pos  int // bit position
	err  error
}

func (br *bitReader) u(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		if br.err != nil {
			return 0
		}
		byteIdx := br.pos >> 3
		if byteIdx >= len(br.data) {
			br.err = errSPSTooShort
			return 0
		}
		v = v<<1 | uint(br.data[byteIdx]>>(7-uint(br.pos&7))&1)
		br.pos++
	}
	return v
}

func (br *bitReader) flag() bool {
	return br.u(1) == 1
}

// ue reads an Exp-Golomb coded unsigned integer.
func (br *bitReader) ue() uint {
	zeros := 0
	for br.u(1) == 0 {
		if br.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			br.err = errSPSTooShort
			return 0
		}
	}
	if zeros == 0 {
		return 0
	}
	return (1 << zeros) - 1 + br.u(zeros)
}

// se reads an Exp-Golomb coded signed integer.
func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && br.err == nil; j++ {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// highProfile reports whether profile_idc carries chroma_format_idc and
// scaling matrices in the SPS.
func highProfile(p uint) bool {
	switch p {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an H.264 SPS NAL unit. The input is the raw NAL data
// including the header byte, without start code or length prefix.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	if nalu[0]&0x1F != NALTypeSPS {
		return SPSInfo{}, fmt.Errorf("h264: NAL type %d is not an SPS", nalu[0]&0x1F)
	}

	br := &bitReader{data: RemoveEmulationPrevention(nalu[1:])}

	info := SPSInfo{ChromaFormatIDC: 1}
	profile := br.u(8)
	info.ProfileIDC = byte(profile)
	info.ConstraintFlags = byte(br.u(8))
	info.LevelIDC = byte(br.u(8))
	info.ID = br.ue()

	separateColourPlane := false
	if highProfile(profile) {
		info.ChromaFormatIDC = br.ue()
		if info.ChromaFormatIDC == 3 {
			separateColourPlane = br.flag()
		}
		br.ue() // bit_depth_luma_minus8
		br.ue() // bit_depth_chroma_minus8
		br.u(1) // qpprime_y_zero_transform_bypass_flag
		if br.flag() { // seq_scaling_matrix_present_flag
			lists := 8
			if info.ChromaFormatIDC == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if br.flag() {
					if i < 6 {
						br.skipScalingList(16)
					} else {
						br.skipScalingList(64)
					}
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() { // pic_order_cnt_type
	case 0:
		br.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.u(1) // delta_pic_order_always_zero_flag
		br.se() // offset_for_non_ref_pic
		br.se() // offset_for_top_to_bottom_field
		n := br.ue()
		for i := uint(0); i < n && br.err == nil; i++ {
			br.se()
		}
	}

	br.ue() // max_num_ref_frames
	br.u(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightMapUnits := br.ue() + 1
	frameMbsOnly := br.u(1)
	if frameMbsOnly == 0 {
		br.u(1) // mb_adaptive_frame_field_flag
	}
	br.u(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint
	if br.flag() {
		cropLeft, cropRight = br.ue(), br.ue()
		cropTop, cropBottom = br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, br.err
	}

	subWidthC, subHeightC := uint(2), uint(2)
	switch {
	case separateColourPlane || info.ChromaFormatIDC == 0:
		subWidthC, subHeightC = 1, 1
	case info.ChromaFormatIDC == 2:
		subHeightC = 1
	case info.ChromaFormatIDC == 3:
		subWidthC, subHeightC = 1, 1
	}
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	info.Width = int(widthMbs*16 - subWidthC*(cropLeft+cropRight))
	info.Height = int(heightMapUnits*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom))

	// VUI is optional; a truncated VUI still yields valid dimensions.
	if br.flag() {
		info.FrameRate = parseVUIFrameRate(br)
	}

	return info, nil
}

// parseVUIFrameRate walks the VUI up to timing_info and returns the nominal
// frame rate, or 0 when timing is absent or unreadable.
func parseVUIFrameRate(br *bitReader) float64 {
	if br.flag() { // aspect_ratio_info_present_flag
		if br.u(8) == 255 { // Extended_SAR
			br.u(32)
		}
	}
	if br.flag() { // overscan_info_present_flag
		br.u(1)
	}
	if br.flag() { // video_signal_type_present_flag
		br.u(4)
		if br.flag() {
			br.u(24)
		}
	}
	if br.flag() { // chroma_loc_info_present_flag
		br.ue()
		br.ue()
	}
	if !br.flag() { // timing_info_present_flag
		return 0
	}
	unitsInTick := br.u(32)
	timeScale := br.u(32)
	if br.err != nil || unitsInTick == 0 {
		return 0
	}
	return float64(timeScale) / float64(2*unitsInTick)
}

// RemoveEmulationPrevention strips emulation_prevention_three_byte from a
// NAL payload, yielding the RBSP.
func RemoveEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
