package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/quartzcam/mjpegd/internal/frame"
)

func TestPublishClaimRelease(t *testing.T) {
	r := New(2, 16)

	w, err := r.AcquireEmpty()
	if err != nil {
		t.Fatalf("AcquireEmpty: %v", err)
	}
	copy(w.Buffer(), []byte("hello"))
	r.Publish(w, frame.Frame{Width: 4, Height: 4})

	if got := r.StateAt(w.Index()); got != Filled {
		t.Fatalf("state after publish = %v, want Filled", got)
	}

	rd, err := r.ClaimFilled()
	if err != nil {
		t.Fatalf("ClaimFilled: %v", err)
	}
	if rd.Index() != w.Index() {
		t.Fatalf("claimed index = %d, want %d", rd.Index(), w.Index())
	}
	if got := r.StateAt(rd.Index()); got != Claimed {
		t.Fatalf("state after claim = %v, want Claimed", got)
	}

	r.BeginEncoding(rd)
	if got := r.StateAt(rd.Index()); got != Encoding {
		t.Fatalf("state after BeginEncoding = %v, want Encoding", got)
	}

	r.Release(rd, nil)
	if got := r.StateAt(rd.Index()); got != Empty {
		t.Fatalf("state after release = %v, want Empty", got)
	}
}

func TestGenerationMonotonic(t *testing.T) {
	r := New(2, 8)
	var last uint64
	for i := 0; i < 5; i++ {
		w, err := r.AcquireEmpty()
		if err != nil {
			t.Fatalf("AcquireEmpty: %v", err)
		}
		r.Publish(w, frame.Frame{})
		rd, err := r.ClaimFilled()
		if err != nil {
			t.Fatalf("ClaimFilled: %v", err)
		}
		if rd.Generation() <= last {
			t.Fatalf("generation %d did not increase past %d", rd.Generation(), last)
		}
		last = rd.Generation()
		r.Release(rd, nil)
	}
}

func TestClaimFilledFIFO(t *testing.T) {
	r := New(3, 8)
	var published []int
	for i := 0; i < 3; i++ {
		w, err := r.AcquireEmpty()
		if err != nil {
			t.Fatalf("AcquireEmpty: %v", err)
		}
		published = append(published, w.Index())
		r.Publish(w, frame.Frame{})
	}
	for _, want := range published {
		rd, err := r.ClaimFilled()
		if err != nil {
			t.Fatalf("ClaimFilled: %v", err)
		}
		if rd.Index() != want {
			t.Fatalf("claim order = %d, want %d", rd.Index(), want)
		}
		r.Release(rd, nil)
	}
}

func TestAcquireEmptyBlocksUntilRelease(t *testing.T) {
	r := New(2, 8)

	w1, _ := r.AcquireEmpty()
	r.Publish(w1, frame.Frame{})
	w2, _ := r.AcquireEmpty()
	r.Publish(w2, frame.Frame{})

	rd1, _ := r.ClaimFilled()
	rd2, _ := r.ClaimFilled()

	done := make(chan struct{})
	go func() {
		if _, err := r.AcquireEmpty(); err != nil {
			t.Errorf("AcquireEmpty: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AcquireEmpty returned before any slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	r.Release(rd1, nil)
	r.Release(rd2, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AcquireEmpty did not unblock after release")
	}
}

func TestAbortEmptyReturnsSlotWithoutPublishing(t *testing.T) {
	r := New(2, 8)

	w, err := r.AcquireEmpty()
	if err != nil {
		t.Fatalf("AcquireEmpty: %v", err)
	}
	r.AbortEmpty(w)

	if got := r.StateAt(w.Index()); got != Empty {
		t.Fatalf("state after AbortEmpty = %v, want Empty", got)
	}

	// The aborted slot must be acquirable again, and nothing should have
	// been queued for ClaimFilled.
	if n := len(r.fifo); n != 0 {
		t.Fatalf("%d slot(s) queued for ClaimFilled after AbortEmpty, want 0", n)
	}
	w2, err := r.AcquireEmpty()
	if err != nil {
		t.Fatalf("AcquireEmpty after abort: %v", err)
	}
	if w2.Index() != w.Index() {
		t.Fatalf("reacquired index = %d, want %d", w2.Index(), w.Index())
	}
}

func TestCloseUnblocksWaiters(t *testing.T) {
	r := New(2, 8)
	rd1, _ := r.AcquireEmpty()
	r.Publish(rd1, frame.Frame{})
	_, _ = r.ClaimFilled()
	_, _ = r.AcquireEmpty() // takes the second slot, ring now full

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = r.AcquireEmpty()
	}()

	time.Sleep(20 * time.Millisecond)
	r.Close()
	wg.Wait()
	if err != ErrClosed {
		t.Fatalf("AcquireEmpty after Close = %v, want ErrClosed", err)
	}
}
