// Package coordinator reconciles worker outputs into a monotonic published
// sequence: it admits encoded frames in grab-timestamp order, deduplicates
// consecutive identical frames, overlays online/offline liveness, and holds
// the single current frame that the broadcaster fans out.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/encoder"
	"github.com/quartzcam/mjpegd/internal/frame"
	"github.com/quartzcam/mjpegd/internal/worker"
)

// Notifier is notified every time a new frame is published. The
// broadcaster implements it.
type Notifier interface {
	Notify(publishedSeq uint64)
}

// Config controls dedup, liveness timing and the placeholder encoder.
type Config struct {
	// DropSameFrames is N in the spec's drop_same_frames policy: 0
	// disables dedup, otherwise a ring of the last N published hashes
	// is checked before a candidate is admitted.
	DropSameFrames int
	// OnlineWindow is how long without a raw-frame admission before the
	// stream is considered offline.
	OnlineWindow time.Duration
	// OfflineRefresh is how often an offline placeholder is republished
	// while the source stays offline.
	OfflineRefresh time.Duration
	// PlaceholderEncoder builds the offline placeholder JPEG. Required
	// only if the caller wants offline placeholders generated; nil
	// disables the feature (stream simply stalls while offline).
	PlaceholderEncoder encoder.Encoder
}

// Coordinator is the Stream Coordinator described in the component design:
// it owns the published sequence and the single current frame.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger

	notifier Notifier

	mu             sync.Mutex
	lastGrabTS     time.Time
	havePublished  bool
	lastSeq        uint64
	dedupRing      []uint64
	dedupIdx       int
	dedupFilled    int
	repeatCount    int
	lastFrameAt    time.Time
	lastGeometry   [2]int
	liveness       frame.Liveness

	current atomic.Pointer[frame.EncodedFrame]

	offlineStop chan struct{}
	offlineDone chan struct{}

	placeholderCache map[[2]int]frame.Frame
}

// New constructs a Coordinator. notifier is told about every publish
// (including synthesized offline placeholders).
func New(cfg Config, notifier Notifier, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		cfg:              cfg,
		logger:           logger,
		notifier:         notifier,
		liveness:         frame.Liveness{State: frame.Reconnecting, Since: time.Now()},
		placeholderCache: make(map[[2]int]frame.Frame),
	}
	if cfg.DropSameFrames > 0 {
		c.dedupRing = make([]uint64, cfg.DropSameFrames)
	}
	return c
}

// Current returns the most recently published frame, or nil if nothing
// has ever been published.
func (c *Coordinator) Current() *frame.EncodedFrame {
	return c.current.Load()
}

// Liveness reports the coordinator's current liveness overlay.
func (c *Coordinator) Liveness() frame.Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveness
}

// Admit implements worker.Sink: it is called by worker goroutines with
// each successfully compressed frame, in arbitrary completion order.
func (c *Coordinator) Admit(r worker.Result) {
	c.mu.Lock()

	if c.havePublished && r.GrabTS.Before(c.lastGrabTS) {
		// Out-of-order completion: a newer frame is already visible.
		c.mu.Unlock()
		return
	}

	c.lastFrameAt = time.Now()
	c.lastGeometry = [2]int{r.Encoded.Width, r.Encoded.Height}
	c.setLivenessLocked(frame.Online)

	hash := xxhash.Sum64(r.Encoded.Buffer)
	if c.cfg.DropSameFrames > 0 {
		if c.hashSeenLocked(hash) {
			c.repeatCount++
			if c.repeatCount < c.cfg.DropSameFrames {
				c.lastGrabTS = r.GrabTS
				c.mu.Unlock()
				return
			}
			// repeatCount reached N: force-publish as a keepalive.
			c.repeatCount = 0
		} else {
			c.repeatCount = 0
		}
		c.pushHashLocked(hash)
	}

	seq := c.publishLocked(r.Encoded, r.SlotIndex, r.Generation, r.GrabTS, hash, true)
	c.mu.Unlock()
	if c.notifier != nil {
		c.notifier.Notify(seq)
	}
}

func (c *Coordinator) hashSeenLocked(hash uint64) bool {
	for i := 0; i < c.dedupFilled; i++ {
		if c.dedupRing[i] == hash {
			return true
		}
	}
	return false
}

func (c *Coordinator) pushHashLocked(hash uint64) {
	c.dedupRing[c.dedupIdx] = hash
	c.dedupIdx = (c.dedupIdx + 1) % len(c.dedupRing)
	if c.dedupFilled < len(c.dedupRing) {
		c.dedupFilled++
	}
}

// publishLocked assigns the next published_seq and swaps current. Caller
// holds c.mu and is responsible for passing the returned seq to
// Notifier.Notify after releasing the lock.
func (c *Coordinator) publishLocked(encoded frame.Frame, slotIndex int, generation uint64, grabTS time.Time, hash uint64, online bool) uint64 {
	encoded.Online = online
	c.lastSeq++
	c.lastGrabTS = grabTS
	c.havePublished = true

	ef := &frame.EncodedFrame{
		Frame:        encoded,
		SlotIndex:    slotIndex,
		Generation:   generation,
		SourceGrabTS: grabTS,
		PublishedSeq: c.lastSeq,
		Hash:         hash,
	}
	c.current.Store(ef)
	return c.lastSeq
}

func (c *Coordinator) setLivenessLocked(state frame.LivenessState) {
	if c.liveness.State == state {
		return
	}
	c.liveness = frame.Liveness{State: state, Since: time.Now()}
}

// StartLivenessMonitor launches the background loop that watches for the
// online_window timing out and synthesizes offline placeholders every
// offline_refresh while the source stays silent. Call Stop to halt it.
func (c *Coordinator) StartLivenessMonitor(ctx context.Context) {
	if c.cfg.OnlineWindow <= 0 {
		c.cfg.OnlineWindow = time.Second
	}
	if c.cfg.OfflineRefresh <= 0 {
		c.cfg.OfflineRefresh = time.Second
	}
	c.offlineStop = make(chan struct{})
	c.offlineDone = make(chan struct{})
	go c.livenessLoop(ctx)
}

// Stop halts the liveness monitor goroutine and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.offlineStop == nil {
		return
	}
	close(c.offlineStop)
	<-c.offlineDone
}

func (c *Coordinator) livenessLoop(ctx context.Context) {
	defer close(c.offlineDone)
	tick := time.NewTicker(c.cfg.OfflineRefresh)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.offlineStop:
			return
		case <-tick.C:
			c.maybePublishOffline()
		}
	}
}

func (c *Coordinator) maybePublishOffline() {
	c.mu.Lock()
	silent := !c.lastFrameAt.IsZero() && time.Since(c.lastFrameAt) >= c.cfg.OnlineWindow
	noFrameYet := c.lastFrameAt.IsZero()
	geometry := c.lastGeometry
	c.mu.Unlock()

	if !silent && !noFrameYet {
		return
	}
	if c.cfg.PlaceholderEncoder == nil {
		return
	}
	if geometry == ([2]int{}) {
		geometry = [2]int{640, 480}
	}

	c.mu.Lock()
	ph, ok := c.placeholderCache[geometry]
	c.mu.Unlock()
	if !ok {
		var err error
		ph, err = buildPlaceholder(c.cfg.PlaceholderEncoder, geometry[0], geometry[1])
		if err != nil {
			c.logger.Error("coordinator: failed to build offline placeholder", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.placeholderCache[geometry] = ph
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.setLivenessLocked(frame.Offline)
	phCopy := ph
	phCopy.GrabTS = time.Now()
	seq := c.publishLocked(phCopy, -1, 0, phCopy.GrabTS, 0, false)
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.Notify(seq)
	}
}
