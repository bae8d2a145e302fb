package coordinator

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/frame"
	"github.com/quartzcam/mjpegd/internal/worker"
)

type recordingNotifier struct {
	mu   sync.Mutex
	seqs []uint64
}

func (n *recordingNotifier) Notify(seq uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seqs = append(n.seqs, seq)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seqs)
}

func result(grabTS time.Time, payload byte) worker.Result {
	return worker.Result{
		Encoded: frame.Frame{
			Buffer:      []byte{payload, payload, payload},
			PixelFormat: frame.PixelFormatJPEG,
			Width:       4,
			Height:      4,
		},
		GrabTS: grabTS,
	}
}

func TestAdmitOrdersByGrabTimestampAndDropsOutOfOrder(t *testing.T) {
	n := &recordingNotifier{}
	c := New(Config{}, n, zap.NewNop())

	base := time.Now()
	c.Admit(result(base, 1))
	c.Admit(result(base.Add(2*time.Second), 2))
	// Out of order: older grab_ts than the last published, must be dropped.
	c.Admit(result(base.Add(time.Second), 3))

	cur := c.Current()
	if cur == nil {
		t.Fatal("no current frame")
	}
	if cur.PublishedSeq != 2 {
		t.Fatalf("published_seq = %d, want 2 (out-of-order frame should be dropped)", cur.PublishedSeq)
	}
	if n.count() != 2 {
		t.Fatalf("notified %d times, want 2", n.count())
	}
}

func TestAdmitDeduplicatesIdenticalFrames(t *testing.T) {
	n := &recordingNotifier{}
	c := New(Config{DropSameFrames: 3}, n, zap.NewNop())

	base := time.Now()
	for i := 0; i < 5; i++ {
		c.Admit(result(base.Add(time.Duration(i)*time.Millisecond), 7))
	}

	// First publish admits, then repeats 1 and 2 are dropped, repeat 3
	// forces a publish (keepalive), then the cycle restarts.
	cur := c.Current()
	if cur == nil {
		t.Fatal("no current frame")
	}
	if got := n.count(); got != 2 {
		t.Fatalf("notified %d times, want 2 (1 initial publish + 1 forced keepalive)", got)
	}
}

func TestAdmitPublishesDistinctFramesImmediately(t *testing.T) {
	n := &recordingNotifier{}
	c := New(Config{DropSameFrames: 10}, n, zap.NewNop())

	base := time.Now()
	c.Admit(result(base, 1))
	c.Admit(result(base.Add(time.Millisecond), 2))
	c.Admit(result(base.Add(2*time.Millisecond), 3))

	if got := n.count(); got != 3 {
		t.Fatalf("notified %d times, want 3 (all distinct)", got)
	}
	if c.Current().PublishedSeq != 3 {
		t.Fatalf("published_seq = %d, want 3", c.Current().PublishedSeq)
	}
}
