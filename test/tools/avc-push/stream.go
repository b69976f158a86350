package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	mch264 "github.com/bluenviron/mediacommon/pkg/codecs/h264"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/zsiec/avcpreview/internal/h264"
	"github.com/zsiec/avcpreview/internal/nal"
)

// frame is the wire bytes of every NAL up to and including one VCL unit.
type frame []byte

// splitFrames converts an Annex B byte stream to length-prefixed frames.
// Trailing non-VCL units are attached to the last frame.
func splitFrames(annexB []byte) ([]frame, error) {
	units, err := mch264.AnnexBUnmarshal(annexB)
	if err != nil {
		return nil, fmt.Errorf("parse Annex B: %w", err)
	}
	var (
		frames []frame
		cur    []byte
	)
	for _, u := range units {
		if len(u) == 0 {
			continue
		}
		cur = nal.Append(cur, u)
		if h264.IsVCL(u[0] & nal.TypeMask) {
			frames = append(frames, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		if len(frames) == 0 {
			frames = append(frames, cur)
		} else {
			frames[len(frames)-1] = append(frames[len(frames)-1], cur...)
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no NAL units in input")
	}
	return frames, nil
}

// loadAnnexB reads path, or encodes a test pattern when path is empty.
func loadAnnexB(path string, seconds, fps int, size string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	var out, stderr bytes.Buffer
	err := ffmpeg.Input(fmt.Sprintf("testsrc=size=%s:rate=%d", size, fps), ffmpeg.KwArgs{
		"f": "lavfi",
		"t": seconds,
	}).Output("pipe:", ffmpeg.KwArgs{
		"c:v":     "libx264",
		"preset":  "veryfast",
		"bf":      0,
		"g":       fps,
		"pix_fmt": "yuv420p",
		"f":       "h264",
	}).WithOutput(&out).WithErrorOutput(&stderr).Run()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg encode: %w\n%s", err, stderr.String())
	}
	return out.Bytes(), nil
}

// sender writes frames at fps, pacing against a global clock so timing
// stays continuous across loops.
type sender struct {
	frames []frame
	fps    float64
	loop   bool
	log    *slog.Logger
}

func (s *sender) send(ctx context.Context, w io.Writer) error {
	start := time.Now()
	interval := time.Duration(float64(time.Second) / s.fps)
	var sent int64
	lastLog := time.Now()
	const logInterval = 10 * time.Second

	for pass := 1; ; pass++ {
		for _, f := range s.frames {
			if _, err := w.Write(f); err != nil {
				return err
			}
			sent++

			due := start.Add(time.Duration(sent) * interval)
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			} else if ctx.Err() != nil {
				return nil
			}

			if time.Since(lastLog) >= logInterval {
				s.log.Info("sending", "pass", pass, "frames", sent,
					"fps", float64(sent)/time.Since(start).Seconds())
				lastLog = time.Now()
			}
		}
		if !s.loop {
			return nil
		}
	}
}
