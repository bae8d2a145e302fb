// Package stream wires the capture-ring-encode-coordinate-broadcast
// pipeline into a single lifecycle, generalizing the teacher's
// SessionManager.Join composition root to the full pipeline.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/broadcast"
	"github.com/quartzcam/mjpegd/internal/capture"
	"github.com/quartzcam/mjpegd/internal/coordinator"
	"github.com/quartzcam/mjpegd/internal/encoder"
	"github.com/quartzcam/mjpegd/internal/frame"
	"github.com/quartzcam/mjpegd/internal/ring"
	"github.com/quartzcam/mjpegd/internal/worker"
)

// ErrEncoderFatal is surfaced through worker.Config.OnFatal's error (and wrapped
// into Service.Err) when the CPU fallback itself fails repeatedly: the
// pipeline cannot make progress and the process should exit non-zero.
var ErrEncoderFatal = errors.New("stream: encoder fatal, cpu fallback failing repeatedly")

// Config collects every tunable needed to build one pipeline instance; it
// mirrors spec.md's flag surface one level up from the CLI.
type Config struct {
	Capture    capture.Config
	RingSlots  int
	Workers    int
	Encoder    encoder.Kind
	EncoderOpt encoder.Options

	DropSameFrames int
	OnlineWindow   time.Duration
	OfflineRefresh time.Duration
}

// Service owns one full pipeline: a Capturer feeding a Ring, a worker Pool
// draining it into a Coordinator, and a Broadcaster fanning the
// Coordinator's publishes out to HTTP sessions.
type Service struct {
	logger *zap.Logger

	ring        *ring.Ring
	capturer    *capture.Capturer
	pool        *worker.Pool
	coordinator *coordinator.Coordinator
	broadcaster *broadcast.Broadcaster

	mu      sync.Mutex
	err     error
	fatalCh chan struct{}
}

// New constructs a Service from a Source and Config but does not start it.
func New(src capture.Source, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.RingSlots < 2 {
		cfg.RingSlots = 4
	}
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}

	bufSize := cfg.Capture.DesiredWidth * cfg.Capture.DesiredHeight * 3
	if bufSize <= 0 {
		bufSize = 1920 * 1080 * 3
	}
	r := ring.New(cfg.RingSlots, bufSize)

	placeholderEnc, err := encoder.New(encoder.Cpu, cfg.EncoderOpt)
	if err != nil {
		return nil, fmt.Errorf("stream: failed to build placeholder encoder: %w", err)
	}

	b := broadcast.New()
	co := coordinator.New(coordinator.Config{
		DropSameFrames:     cfg.DropSameFrames,
		OnlineWindow:       cfg.OnlineWindow,
		OfflineRefresh:     cfg.OfflineRefresh,
		PlaceholderEncoder: placeholderEnc,
	}, b, logger)

	capturer := capture.New(src, r, cfg.Capture, logger)

	s := &Service{
		logger:      logger,
		ring:        r,
		capturer:    capturer,
		coordinator: co,
		broadcaster: b,
		fatalCh:     make(chan struct{}),
	}

	s.pool = worker.Start(r, co, logger, worker.Config{
		Count:   cfg.Workers,
		Kind:    cfg.Encoder,
		Options: cfg.EncoderOpt,
		OnFatal: s.onFatal,
	})

	return s, nil
}

// Start launches the capturer and the liveness monitor. Call Close (or
// cancel ctx and then Close) to tear the pipeline down.
func (s *Service) Start(ctx context.Context) {
	s.capturer.Start(ctx)
	s.coordinator.StartLivenessMonitor(ctx)
}

// Close releases every stage of the pipeline in dependency order: stop
// admitting new raw frames, drain and stop the workers, then stop the
// coordinator and disconnect subscribers.
func (s *Service) Close() {
	s.capturer.Close()
	s.ring.Close()
	s.pool.Wait()
	s.coordinator.Stop()
	s.broadcaster.CloseAll()
}

// Current returns the most recently published encoded frame, or nil before
// the first publish.
func (s *Service) Current() *frame.EncodedFrame {
	return s.coordinator.Current()
}

// Liveness reports the coordinator's liveness overlay.
func (s *Service) Liveness() frame.Liveness {
	return s.coordinator.Liveness()
}

// State reports the capturer's state machine position.
func (s *Service) State() capture.State {
	return s.capturer.State()
}

// Geometry reports the last negotiated capture geometry.
func (s *Service) Geometry() capture.Geometry {
	return s.capturer.Geometry()
}

// Broadcaster exposes the subscriber registry for the HTTP layer.
func (s *Service) Broadcaster() *broadcast.Broadcaster {
	return s.broadcaster
}

// Err returns the fatal error that halted the pipeline, if any. Callers
// should select on Fatal() rather than poll this.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fatal returns a channel closed once an unrecoverable encoder failure has
// halted compression; the caller (cmd/mjpegd) should treat this as a
// request to shut down with a non-zero exit code.
func (s *Service) Fatal() <-chan struct{} {
	return s.fatalCh
}

func (s *Service) onFatal(err error) {
	s.mu.Lock()
	s.err = fmt.Errorf("%w: %v", ErrEncoderFatal, err)
	s.mu.Unlock()
	close(s.fatalCh)
}
