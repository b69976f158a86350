package present

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"

	"github.com/zsiec/avcpreview/internal/decode"
)

type recordingDisplay struct {
	mu     sync.Mutex
	shown  []time.Duration
	closed bool
	err    error
}

func (d *recordingDisplay) Show(f decode.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.shown = append(d.shown, f.PTS)
	return nil
}

func (d *recordingDisplay) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *recordingDisplay) Shown() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.shown...)
}

func frame(pts time.Duration) decode.Frame {
	return decode.Frame{Image: image.NewRGBA(image.Rect(0, 0, 4, 4)), PTS: pts}
}

func TestTimebase(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	tb := NewTimebase(mock)
	if tb.Now() != 0 || tb.Rate() != 1.0 {
		t.Fatalf("initial: now=%v rate=%v", tb.Now(), tb.Rate())
	}

	mock.Add(time.Second)
	if got := tb.Now(); got != time.Second {
		t.Errorf("after 1s: %v", got)
	}

	tb.SetRate(2)
	mock.Add(time.Second)
	if got := tb.Now(); got != 3*time.Second {
		t.Errorf("after 1s at 2x: %v", got)
	}

	tb.SetRate(0)
	mock.Add(time.Hour)
	if got := tb.Now(); got != 3*time.Second {
		t.Errorf("paused: %v", got)
	}
}

func TestSinkShowsDueFrames(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	disp := &recordingDisplay{}
	s := NewSink(NewTimebase(mock), disp, nil)

	s.HandleFrame(frame(100 * time.Millisecond))
	s.HandleFrame(frame(50 * time.Millisecond))
	s.HandleFrame(frame(200 * time.Millisecond))

	s.present()
	if len(disp.Shown()) != 0 {
		t.Fatalf("future frames shown early: %v", disp.Shown())
	}

	mock.Add(120 * time.Millisecond)
	s.present()
	if got := disp.Shown(); len(got) != 1 || got[0] != 100*time.Millisecond {
		t.Fatalf("shown = %v, want [100ms]", got)
	}

	// Older than what is already on screen.
	s.HandleFrame(frame(80 * time.Millisecond))

	mock.Add(100 * time.Millisecond)
	s.present()
	if got := disp.Shown(); len(got) != 2 || got[1] != 200*time.Millisecond {
		t.Fatalf("shown = %v", got)
	}

	st := s.Stats()
	if st.Received != 4 || st.Displayed != 2 || st.Late != 1 || st.Superseded != 1 || st.Pending != 0 {
		t.Errorf("stats: %+v", st)
	}
	if st.LastPTSMs != 200 {
		t.Errorf("last pts = %d", st.LastPTSMs)
	}
}

func TestSinkMaxPending(t *testing.T) {
	t.Parallel()

	s := NewSink(NewTimebase(clock.NewMock()), &recordingDisplay{}, nil, WithMaxPending(2))
	s.HandleFrame(frame(3 * time.Second))
	s.HandleFrame(frame(1 * time.Second))
	s.HandleFrame(frame(2 * time.Second))

	st := s.Stats()
	if st.Pending != 2 || st.Overflow != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if s.pending[0].PTS != 2*time.Second {
		t.Errorf("earliest held = %v, want 2s", s.pending[0].PTS)
	}
}

func TestSinkDisplayError(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	disp := &recordingDisplay{err: errors.New("surface lost")}
	s := NewSink(NewTimebase(mock), disp, nil)
	s.HandleFrame(frame(0))
	mock.Add(time.Millisecond)
	s.present()
	if st := s.Stats(); st.ShowErrors != 1 || st.Displayed != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestSinkRun(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	disp := &recordingDisplay{}
	s := NewSink(NewTimebase(mock), disp, nil, WithTickInterval(10*time.Millisecond))
	s.HandleFrame(frame(5 * time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(disp.Shown()) == 0 && time.Now().Before(deadline) {
		mock.Add(10 * time.Millisecond)
	}
	if len(disp.Shown()) == 0 {
		t.Error("frame never displayed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if !disp.closed {
		t.Error("display not closed on exit")
	}
}

func TestSnapshotDisplay(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	path := filepath.Join(t.TempDir(), "preview.png")
	d, err := NewSnapshotDisplay(path, 2, time.Second, mock)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Show(frame(0)); err != nil {
		t.Fatalf("show: %v", err)
	}
	if err := d.Show(frame(time.Millisecond)); err != nil {
		t.Fatalf("show: %v", err)
	}
	if d.Written() != 1 {
		t.Errorf("written = %d, want 1 within interval", d.Written())
	}

	mock.Add(time.Second)
	if err := d.Show(frame(time.Second)); err != nil {
		t.Fatalf("show: %v", err)
	}
	if d.Written() != 2 {
		t.Errorf("written = %d, want 2", d.Written())
	}

	img, err := imaging.Open(path)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Errorf("snapshot size = %dx%d, want 2x2", b.Dx(), b.Dy())
	}
}

func TestSnapshotDisplayRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := NewSnapshotDisplay(filepath.Join(t.TempDir(), "out.xyz"), 0, time.Second, nil); err == nil {
		t.Fatal("expected error for unknown extension")
	}
}

func TestLogDisplay(t *testing.T) {
	t.Parallel()

	if err := (LogDisplay{}).Show(frame(0)); err != nil {
		t.Fatal(err)
	}
}
