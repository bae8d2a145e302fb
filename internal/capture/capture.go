// Package capture drives a CaptureSource: it opens the source, negotiates
// geometry, pumps raw frames into the ring, and recovers from device loss
// with capped exponential backoff, publishing a LivenessState throughout.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/frame"
	"github.com/quartzcam/mjpegd/internal/ring"
)

// State is the Capturer's state machine position.
type State int

const (
	Closed State = iota
	Probing
	Streaming
	SourceLost
	Resizing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Probing:
		return "Probing"
	case Streaming:
		return "Streaming"
	case SourceLost:
		return "SourceLost"
	case Resizing:
		return "Resizing"
	default:
		return "Invalid"
	}
}

// Geometry is the negotiated resolution and pixel format a CaptureSource
// settles on; it may differ from what was requested.
type Geometry struct {
	Width       int
	Height      int
	PixelFormat frame.PixelFormat
	FPS         int
}

// Source is the external collaborator the core only sees through this
// interface: a concrete platform driver, the synthetic test generator, or
// the directory-backed source.
type Source interface {
	// Open negotiates configuration and returns the geometry actually
	// applied. desired.PixelFormat of PixelFormatUnknown means "use the
	// source's default".
	Open(ctx context.Context, desired Geometry) (Geometry, error)
	// Next blocks for the next frame and writes it into buf, returning
	// the number of bytes used. Returns io.EOF-equivalent errors wrapped
	// as ErrSourceGone when the device itself has disappeared.
	Next(ctx context.Context, buf []byte) (used int, grabTS time.Time, err error)
	// Close releases the underlying device/handle. Idempotent.
	Close() error
}

// ErrSourceGone signals that the underlying device has disappeared (as
// opposed to a transient I/O hiccup).
var ErrSourceGone = errors.New("capture: source gone")

// ErrGeometryChanged signals a source-change event (new resolution/format
// announced by the driver): the Capturer transitions Streaming->Resizing
// and re-opens immediately with the new geometry.
var ErrGeometryChanged = errors.New("capture: geometry changed")

// Config is the Capturer's public contract (spec.md §4.1's start(config)).
type Config struct {
	DesiredWidth  int
	DesiredHeight int
	DesiredFormat frame.PixelFormat
	DesiredFPS    int

	// Persistent reopens the source (with backoff) after it is lost; when
	// false the Capturer's loop ends at the first source loss and capture
	// stays stopped. Failed opens are retried either way.
	Persistent   bool
	OpenTimeout  time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	BrokenLimit  int // consecutive broken (zero-byte) frames before SourceLost
}

func (c *Config) setDefaults() {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 5 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.BrokenLimit <= 0 {
		c.BrokenLimit = 50
	}
}

// Capturer drives a Source, publishing frames into a Ring and liveness
// transitions that the Stream Coordinator overlays onto outgoing frames.
type Capturer struct {
	src    Source
	ring   *ring.Ring
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	liveness frame.Liveness
	geometry Geometry

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Capturer. It does not start pumping frames until Start
// is called.
func New(src Source, r *ring.Ring, cfg Config, logger *zap.Logger) *Capturer {
	cfg.setDefaults()
	return &Capturer{
		src:      src,
		ring:     r,
		cfg:      cfg,
		logger:   logger,
		state:    Closed,
		liveness: frame.Liveness{State: frame.Reconnecting, Since: time.Now()},
	}
}

// State returns the Capturer's current state.
func (c *Capturer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Liveness implements the Capturer's liveness() contract.
func (c *Capturer) Liveness() frame.Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveness
}

// Geometry reports the geometry last negotiated with the source.
func (c *Capturer) Geometry() Geometry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.geometry
}

func (c *Capturer) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Capturer) setLiveness(s frame.LivenessState) {
	c.mu.Lock()
	if c.liveness.State != s {
		c.liveness = frame.Liveness{State: s, Since: time.Now()}
	}
	c.mu.Unlock()
}

// Start launches the Capturer's main loop on its own goroutine and returns
// immediately. The loop runs until ctx is cancelled or Close is called, and
// releases the source on every exit path.
func (c *Capturer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Close idempotently stops the Capturer: it cancels the loop and waits for
// it to exit, by which point any slot the loop had checked out is back in
// the ring and the source is released.
func (c *Capturer) Close() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	c.setState(Closed)
}

func (c *Capturer) run(ctx context.Context) {
	defer func() {
		if err := c.src.Close(); err != nil {
			c.logger.Warn("capture: error closing source", zap.Error(err))
		}
	}()

	desired := Geometry{
		Width:       c.cfg.DesiredWidth,
		Height:      c.cfg.DesiredHeight,
		PixelFormat: c.cfg.DesiredFormat,
		FPS:         c.cfg.DesiredFPS,
	}

	bo := c.newBackoff(ctx)

	for {
		c.setState(Probing)
		c.setLiveness(frame.Reconnecting)

		geometry, err := c.openWithTimeout(ctx, desired)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("capture: open failed", zap.Error(err))
			if !c.waitBackoff(ctx, bo) {
				return
			}
			continue
		}
		bo.Reset()
		c.mu.Lock()
		c.geometry = geometry
		c.mu.Unlock()
		c.setState(Streaming)
		c.setLiveness(frame.Online)

		outcome := c.pump(ctx)
		switch outcome {
		case outcomeClosed:
			return
		case outcomeResize:
			c.setState(Resizing)
			continue
		case outcomeSourceGone:
			c.setState(SourceLost)
			if !c.cfg.Persistent {
				return
			}
			if !c.waitBackoff(ctx, bo) {
				return
			}
			continue
		}
	}
}

type pumpOutcome int

const (
	outcomeClosed pumpOutcome = iota
	outcomeResize
	outcomeSourceGone
)

// pump reads frames from the source and publishes them into the ring until
// the source is lost, a resize is requested, or ctx is cancelled.
func (c *Capturer) pump(ctx context.Context) pumpOutcome {
	broken := 0
	for {
		select {
		case <-ctx.Done():
			return outcomeClosed
		default:
		}

		w, err := c.ring.AcquireEmpty()
		if err != nil {
			return outcomeClosed
		}

		used, grabTS, err := c.src.Next(ctx, w.Buffer())
		if err != nil {
			if errors.Is(err, ErrGeometryChanged) {
				c.ring.AbortEmpty(w)
				return outcomeResize
			}
			if errors.Is(err, ErrSourceGone) {
				c.ring.AbortEmpty(w)
				return outcomeSourceGone
			}
			if ctx.Err() != nil {
				c.ring.AbortEmpty(w)
				return outcomeClosed
			}
			// Transient I/O error: count as a broken frame.
			used = 0
		}
		if used == 0 {
			c.ring.AbortEmpty(w)
			broken++
			if broken >= c.cfg.BrokenLimit {
				return outcomeSourceGone
			}
			continue
		}
		broken = 0

		c.ring.Publish(w, frame.Frame{
			Width:       c.geometrySnapshot().Width,
			Height:      c.geometrySnapshot().Height,
			PixelFormat: c.geometrySnapshot().PixelFormat,
			Used:        used,
			GrabTS:      grabTS,
		})
	}
}

func (c *Capturer) geometrySnapshot() Geometry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.geometry
}

func (c *Capturer) openWithTimeout(ctx context.Context, desired Geometry) (Geometry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()
	return c.src.Open(ctx, desired)
}

// newBackoff builds the retry_backoff policy: capped exponential, default
// 1s initial, capped at 5s, retried indefinitely while the context is
// alive (backoff.WithContext stops it on cancellation).
func (c *Capturer) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryInitial
	eb.MaxInterval = c.cfg.RetryMax
	eb.MaxElapsedTime = 0 // never give up on its own; Close cancels ctx instead
	return backoff.WithContext(eb, ctx)
}

func (c *Capturer) waitBackoff(ctx context.Context, bo backoff.BackOff) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
