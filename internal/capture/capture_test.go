package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/frame"
	"github.com/quartzcam/mjpegd/internal/ring"
)

// fakeSource hands out a fixed number of non-empty frames, then reports
// ErrSourceGone.
type fakeSource struct {
	mu        sync.Mutex
	opened    int
	closed    int
	remaining int
}

func (f *fakeSource) Open(ctx context.Context, desired Geometry) (Geometry, error) {
	f.mu.Lock()
	f.opened++
	f.mu.Unlock()
	return Geometry{Width: 4, Height: 4, PixelFormat: frame.PixelFormatGREY, FPS: 30}, nil
}

func (f *fakeSource) Next(ctx context.Context, buf []byte) (int, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining <= 0 {
		return 0, time.Time{}, ErrSourceGone
	}
	f.remaining--
	for i := range buf[:16] {
		buf[i] = 1
	}
	return 16, time.Now(), nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func TestCapturerStreamsThenSourceLost(t *testing.T) {
	src := &fakeSource{remaining: 3}
	r := ring.New(2, 16)
	c := New(src, r, Config{Persistent: false, RetryInitial: 5 * time.Millisecond, RetryMax: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	drained := 0
	deadline := time.After(2 * time.Second)
	for drained < 3 {
		rd, err := r.ClaimFilled()
		if err != nil {
			break
		}
		r.Release(rd, nil)
		drained++
		select {
		case <-deadline:
			t.Fatalf("timed out after draining %d frames", drained)
		default:
		}
	}
	if drained != 3 {
		t.Fatalf("drained %d frames, want 3", drained)
	}

	lostBy := time.Now().Add(2 * time.Second)
	for c.State() != SourceLost {
		if time.Now().After(lostBy) {
			t.Fatalf("state = %v, want SourceLost once the source reports gone", c.State())
		}
		time.Sleep(time.Millisecond)
	}

	c.Close()

	src.mu.Lock()
	closed := src.closed
	src.mu.Unlock()
	if closed == 0 {
		t.Fatal("source was never closed")
	}
}

// flakySource reports a handful of zero-byte reads (a transient I/O hiccup)
// before settling into steady frame delivery, so a ring of exactly
// brokenFrames slots would deadlock the producer if a broken read leaked
// its acquired slot instead of returning it to Empty.
type flakySource struct {
	mu           sync.Mutex
	brokenFrames int
	remaining    int
}

func (f *flakySource) Open(ctx context.Context, desired Geometry) (Geometry, error) {
	return Geometry{Width: 4, Height: 4, PixelFormat: frame.PixelFormatGREY, FPS: 30}, nil
}

func (f *flakySource) Next(ctx context.Context, buf []byte) (int, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.brokenFrames > 0 {
		f.brokenFrames--
		return 0, time.Time{}, nil
	}
	if f.remaining <= 0 {
		return 0, time.Time{}, ErrSourceGone
	}
	f.remaining--
	for i := range buf[:16] {
		buf[i] = 1
	}
	return 16, time.Now(), nil
}

func (f *flakySource) Close() error { return nil }

func TestCapturerRecoversFromBrokenFramesWithoutLeakingSlots(t *testing.T) {
	src := &flakySource{brokenFrames: 3, remaining: 3}
	r := ring.New(2, 16)
	c := New(src, r, Config{Persistent: false, BrokenLimit: 10, RetryInitial: 5 * time.Millisecond, RetryMax: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	drained := 0
	deadline := time.After(2 * time.Second)
	for drained < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out after draining %d frames; ring likely deadlocked on a leaked slot", drained)
		default:
		}
		rd, err := r.ClaimFilled()
		if err != nil {
			t.Fatalf("ClaimFilled: %v", err)
		}
		r.Release(rd, nil)
		drained++
	}
}

func TestCapturerReportsGeometryAfterOpen(t *testing.T) {
	src := &fakeSource{remaining: 1}
	r := ring.New(2, 16)
	c := New(src, r, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if g := c.Geometry(); g.Width == 4 {
			c.Close()
			return
		}
		time.Sleep(time.Millisecond)
	}
	c.Close()
	t.Fatal("geometry was never reported after a successful open")
}
