// Package broadcast fans the coordinator's published sequence number out to
// every subscribed HTTP session (and any auxiliary sink) without copying
// frame data: subscribers re-read the coordinator's CurrentFrame themselves
// once notified.
package broadcast

import "sync"

// Mailbox is a subscriber's single-slot "latest wins" notification channel.
// A newer published_seq overwrites any value the subscriber has not yet
// consumed; the subscriber never blocks the coordinator and never sees a
// smaller published_seq than one it already consumed.
type Mailbox struct {
	mu      sync.Mutex
	cond    sync.Cond
	pending bool
	seq     uint64
	closed  bool
}

func newMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond.L = &m.mu
	return m
}

// deposit overwrites the pending value (latest wins) and wakes the waiter.
func (m *Mailbox) deposit(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending = true
	m.seq = seq
	m.cond.Signal()
}

// Wait blocks until a notification newer than lastSeen is pending (or the
// mailbox is closed), then returns it. ok is false only when the mailbox
// has been closed and has nothing left to deliver.
func (m *Mailbox) Wait(lastSeen uint64) (seq uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.pending && m.seq > lastSeen {
			m.pending = false
			return m.seq, true
		}
		m.pending = false
		if m.closed {
			return 0, false
		}
		m.cond.Wait()
	}
}

// Close wakes any goroutine blocked in Wait so it can observe the session
// ending (coordinator shutdown, or explicit unregister).
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

// Broadcaster is the subscriber registry. Register/Unregister are O(1)
// under a short lock; Notify is O(|subscribers|) and is meant to run on the
// coordinator's goroutine (it performs no I/O, only mailbox deposits).
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[*Mailbox]struct{}
}

// New constructs an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subscribers: make(map[*Mailbox]struct{})}
}

// Register creates and returns a new subscriber Mailbox.
func (b *Broadcaster) Register() *Mailbox {
	m := newMailbox()
	b.mu.Lock()
	b.subscribers[m] = struct{}{}
	b.mu.Unlock()
	return m
}

// Unregister removes a subscriber. Safe to call more than once.
func (b *Broadcaster) Unregister(m *Mailbox) {
	b.mu.Lock()
	delete(b.subscribers, m)
	b.mu.Unlock()
	m.Close()
}

// Notify implements coordinator.Notifier: it deposits seq into every
// subscriber's mailbox.
func (b *Broadcaster) Notify(seq uint64) {
	b.mu.Lock()
	subs := make([]*Mailbox, 0, len(b.subscribers))
	for m := range b.subscribers {
		subs = append(subs, m)
	}
	b.mu.Unlock()
	for _, m := range subs {
		m.deposit(seq)
	}
}

// Count returns the number of currently registered subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// CloseAll closes every subscriber mailbox, e.g. on pipeline shutdown, so
// HTTP sessions blocked in Wait observe the end of the stream.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	subs := make([]*Mailbox, 0, len(b.subscribers))
	for m := range b.subscribers {
		subs = append(subs, m)
	}
	b.subscribers = make(map[*Mailbox]struct{})
	b.mu.Unlock()
	for _, m := range subs {
		m.Close()
	}
}
