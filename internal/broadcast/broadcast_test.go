package broadcast

import (
	"testing"
	"time"
)

func TestLatestWinsOverwritesPending(t *testing.T) {
	b := New()
	m := b.Register()

	b.Notify(1)
	b.Notify(2)
	b.Notify(3)

	seq, ok := m.Wait(0)
	if !ok {
		t.Fatal("Wait returned !ok before any Close")
	}
	if seq != 3 {
		t.Fatalf("seq = %d, want 3 (latest wins)", seq)
	}
}

func TestWaitBlocksUntilNewerThanLastSeen(t *testing.T) {
	b := New()
	m := b.Register()

	done := make(chan uint64, 1)
	go func() {
		seq, _ := m.Wait(5)
		done <- seq
	}()

	b.Notify(5) // not newer than lastSeen, must not unblock
	select {
	case <-done:
		t.Fatal("Wait returned for a non-newer sequence")
	case <-time.After(30 * time.Millisecond):
	}

	b.Notify(6)
	select {
	case seq := <-done:
		if seq != 6 {
			t.Fatalf("seq = %d, want 6", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock for a newer sequence")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := New()
	m := b.Register()
	b.Unregister(m)

	if _, ok := m.Wait(0); ok {
		t.Fatal("Wait on an unregistered mailbox should report closed")
	}
	if b.Count() != 0 {
		t.Fatalf("Count = %d, want 0", b.Count())
	}
}

func TestCloseAllUnblocksSubscribers(t *testing.T) {
	b := New()
	m1 := b.Register()
	m2 := b.Register()

	results := make(chan bool, 2)
	go func() { _, ok := m1.Wait(0); results <- ok }()
	go func() { _, ok := m2.Wait(0); results <- ok }()

	time.Sleep(20 * time.Millisecond)
	b.CloseAll()

	for i := 0; i < 2; i++ {
		select {
		case ok := <-results:
			if ok {
				t.Fatal("Wait should report closed after CloseAll")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not unblock after CloseAll")
		}
	}
}
