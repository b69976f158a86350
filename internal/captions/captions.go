// Package captions decodes CEA-608 and CEA-708 closed captions carried in
// H.264 SEI NAL units (ATSC A/53 user data).
package captions

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
)

// Extractor turns SEI NAL units into caption frames. It keeps decoder state
// across calls and is not safe for concurrent use.
type Extractor struct {
	log        *slog.Logger
	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte
	seiCount   int64

	// CEA-608 control codes are sent twice; the repeat is ignored.
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64

	frames atomic.Int64
}

// NewExtractor creates an Extractor with CEA-608 channels 1-4 and CEA-708
// services 1-6. A nil logger uses slog.Default.
func NewExtractor(log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	e := &Extractor{
		log:        log.With("component", "captions"),
		cea608Decs: make(map[int]*ccx.CEA608Decoder, 4),
		cea708Svcs: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		e.cea608Decs[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		e.cea708Svcs[svc] = ccx.NewCEA708Service()
	}
	return e
}

// Extract decodes the captions in one SEI NAL unit (header byte included).
// CEA-708 services are reported as channels 7-12.
func (e *Extractor) Extract(sei []byte, pts time.Duration) []*ccx.CaptionFrame {
	if len(sei) < 2 {
		return nil
	}
	e.seiCount++
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}
	ticks := ptsTicks(pts)

	var out []*ccx.CaptionFrame
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if e.lastWasCtrl[f] && e.lastCtrl[f] == cp && e.seiCount-e.lastCtrlFrame[f] <= 2 {
				e.lastWasCtrl[f] = false
				continue
			}
			e.lastCtrl[f] = cp
			e.lastWasCtrl[f] = true
			e.lastCtrlFrame[f] = e.seiCount
		} else {
			e.lastWasCtrl[f] = false
		}

		dec := e.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: ticks, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			out = append(out, frame)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = append(out, e.drainDTVCC(ticks)...)
			e.dtvccBuf = e.dtvccBuf[:0]
		}
		e.dtvccBuf = append(e.dtvccBuf, t.Data[0], t.Data[1])
	}

	e.frames.Add(int64(len(out)))
	for _, f := range out {
		e.log.Debug("caption", "channel", f.Channel, "text", f.Text)
	}
	return out
}

func (e *Extractor) drainDTVCC(ticks int64) []*ccx.CaptionFrame {
	if len(e.dtvccBuf) < 1 {
		return nil
	}
	size := ccx.DTVCCPacketSize(e.dtvccBuf[0])
	if len(e.dtvccBuf) < size {
		return nil
	}

	var out []*ccx.CaptionFrame
	for _, block := range ccx.ParseDTVCCPacket(e.dtvccBuf[:size]) {
		svc := e.cea708Svcs[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			frame := &ccx.CaptionFrame{PTS: ticks, Text: text, Channel: block.ServiceNum + 6}
			frame.Regions = svc.StyledRegions()
			out = append(out, frame)
		}
	}
	return out
}

// Frames returns the number of caption frames produced so far.
func (e *Extractor) Frames() int64 { return e.frames.Load() }

// ptsTicks converts a presentation time to 90 kHz ticks.
func ptsTicks(d time.Duration) int64 {
	return d.Nanoseconds() * 9 / 100_000
}
