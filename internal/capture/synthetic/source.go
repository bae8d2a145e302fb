// Package synthetic implements a deterministic test-pattern CaptureSource:
// a rotating scanline buffer, used by tests and as a zero-dependency demo
// source. Grounded on the teacher's fakesource ticker + scanline-rotate
// loop, reworked onto the capture.Source interface.
package synthetic

import (
	"context"
	"time"

	"github.com/quartzcam/mjpegd/internal/capture"
	"github.com/quartzcam/mjpegd/internal/frame"
)

// Source produces GREY frames of a fixed geometry, rotating one scanline
// per tick so consecutive frames differ (useful for exercising dedup with
// drop_same_frames=0, or static output when Static is set for dedup tests).
type Source struct {
	Width, Height int
	FPS           int
	Static        bool // when true, never rotates: every frame is identical

	buf    []byte
	ticker *time.Ticker
}

// New constructs a synthetic Source of the given geometry and frame rate.
func New(width, height, fps int, static bool) *Source {
	return &Source{Width: width, Height: height, FPS: fps, Static: static}
}

func (s *Source) Open(ctx context.Context, desired capture.Geometry) (capture.Geometry, error) {
	w, h, fps := s.Width, s.Height, s.FPS
	if desired.Width > 0 {
		w = desired.Width
	}
	if desired.Height > 0 {
		h = desired.Height
	}
	if desired.FPS > 0 {
		fps = desired.FPS
	}
	s.Width, s.Height, s.FPS = w, h, fps

	s.buf = make([]byte, w*h)
	for i := range s.buf {
		s.buf[i] = byte(i)
	}
	if fps <= 0 {
		fps = 30
	}
	s.ticker = time.NewTicker(time.Second / time.Duration(fps))
	return capture.Geometry{Width: w, Height: h, PixelFormat: frame.PixelFormatGREY, FPS: fps}, nil
}

func (s *Source) Next(ctx context.Context, buf []byte) (int, time.Time, error) {
	select {
	case <-ctx.Done():
		return 0, time.Time{}, ctx.Err()
	case <-s.ticker.C:
	}
	n := copy(buf, s.buf)
	grabTS := time.Now()
	if !s.Static {
		rotateScanline(s.buf, s.Width)
	}
	return n, grabTS, nil
}

func (s *Source) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}

// rotateScanline shifts buf up by one row of width pitch, wrapping the top
// row to the bottom, so consecutive frames visibly change.
func rotateScanline(buf []byte, pitch int) {
	if pitch <= 0 || len(buf) < pitch {
		return
	}
	line := make([]byte, pitch)
	copy(line, buf[:pitch])
	copy(buf, buf[pitch:])
	copy(buf[len(buf)-pitch:], line)
}
