package present

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"

	"github.com/zsiec/avcpreview/internal/decode"
)

// LogDisplay logs frame metadata instead of drawing it.
type LogDisplay struct {
	Log *slog.Logger
}

// Show logs f at debug level.
func (d LogDisplay) Show(f decode.Frame) error {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	b := f.Image.Bounds()
	log.Debug("frame", "pts", f.PTS, "session", f.SessionID, "width", b.Dx(), "height", b.Dy())
	return nil
}

// SnapshotDisplay writes the displayed frame to an image file at most once
// per Interval. The format follows the file extension.
type SnapshotDisplay struct {
	path     string
	width    int
	interval time.Duration
	clock    clock.Clock
	last     time.Time
	written  int
}

// NewSnapshotDisplay writes snapshots to path. A width > 0 resizes the frame
// keeping its aspect ratio. A nil clock uses the host clock.
func NewSnapshotDisplay(path string, width int, interval time.Duration, c clock.Clock) (*SnapshotDisplay, error) {
	if _, err := imaging.FormatFromFilename(path); err != nil {
		return nil, fmt.Errorf("present: snapshot path %q: %w", path, err)
	}
	if c == nil {
		c = clock.New()
	}
	return &SnapshotDisplay{path: path, width: width, interval: interval, clock: c}, nil
}

// Show saves f if the interval has elapsed since the last snapshot. The file
// is replaced atomically.
func (d *SnapshotDisplay) Show(f decode.Frame) error {
	now := d.clock.Now()
	if d.written > 0 && now.Sub(d.last) < d.interval {
		return nil
	}

	img := f.Image
	if d.width > 0 && img.Bounds().Dx() != d.width {
		img = imaging.Resize(img, d.width, 0, imaging.Lanczos)
	}

	ext := filepath.Ext(d.path)
	tmp := strings.TrimSuffix(d.path, ext) + ".tmp" + ext
	if err := imaging.Save(img, tmp); err != nil {
		return fmt.Errorf("present: save snapshot: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("present: replace snapshot: %w", err)
	}
	d.last = now
	d.written++
	return nil
}

// Written returns the number of snapshots saved.
func (d *SnapshotDisplay) Written() int { return d.written }
