// Package ring implements the bounded, slot-addressed raw frame buffer
// shared by the Capturer (single producer) and the encode Workers (many
// consumers). The fast path never allocates; producers and consumers park
// on a condition variable instead of busy-waiting.
package ring

import (
	"errors"
	"sync"

	"github.com/quartzcam/mjpegd/internal/frame"
)

// State is a raw slot's position in the Empty -> Filled -> Claimed ->
// Encoding -> Released -> Empty cycle.
type State int

const (
	Empty State = iota
	Filled
	Claimed
	Encoding
	Released
)

func (s State) String() string {
	switch s {
	case Empty:
		return "Empty"
	case Filled:
		return "Filled"
	case Claimed:
		return "Claimed"
	case Encoding:
		return "Encoding"
	case Released:
		return "Released"
	default:
		return "Invalid"
	}
}

// ErrClosed is returned by blocking calls once the ring has been closed.
var ErrClosed = errors.New("ring: closed")

type slot struct {
	frame      frame.Frame
	generation uint64
	state      State
	writing    bool // checked out to the producer between AcquireEmpty and Publish
}

// Ring is a bounded, fixed-size pool of raw slots. The zero value is not
// usable; construct with New.
type Ring struct {
	mu   sync.Mutex
	cond sync.Cond

	slots []slot
	// fifo holds the indices of Filled slots in publish order, so
	// claim_filled is fair across waiting workers.
	fifo []int

	closed bool
}

// New allocates a Ring of n slots, each with a buffer of bufSize bytes.
// n must be >= 2.
func New(n, bufSize int) *Ring {
	if n < 2 {
		panic("ring: need at least 2 slots")
	}
	r := &Ring{
		slots: make([]slot, n),
		fifo:  make([]int, 0, n),
	}
	r.cond.L = &r.mu
	for i := range r.slots {
		r.slots[i].frame.Buffer = make([]byte, bufSize)
	}
	return r
}

// Len returns the number of slots in the ring.
func (r *Ring) Len() int {
	return len(r.slots)
}

// SlotWriter is the producer's exclusive handle on an Empty slot, acquired
// by AcquireEmpty and surrendered by Publish.
type SlotWriter struct {
	r   *Ring
	idx int
}

// Index is the slot's stable position in the ring.
func (w SlotWriter) Index() int { return w.idx }

// Buffer is the slot's raw byte buffer, sized to hold one frame. The
// producer may write up to len(Buffer) bytes before calling Publish.
func (w SlotWriter) Buffer() []byte { return w.r.slots[w.idx].frame.Buffer }

// AcquireEmpty returns the producer-side handle to the next Empty slot,
// blocking while no slot is Empty (every slot is Filled, Claimed, Encoding
// or still checked out to the producer). A Filled slot that no worker has
// claimed yet is never reused, so unclaimed frames also hold the producer
// back. It never blocks on a slot a consumer has already Released back to
// Empty.
func (r *Ring) AcquireEmpty() (SlotWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.closed {
			return SlotWriter{}, ErrClosed
		}
		for i := range r.slots {
			if r.slots[i].state == Empty && !r.slots[i].writing {
				r.slots[i].writing = true
				return SlotWriter{r: r, idx: i}, nil
			}
		}
		r.cond.Wait()
	}
}

// Publish transitions the slot Empty->Filled, increments its generation,
// fills in the frame header, and wakes one waiting worker.
func (r *Ring) Publish(w SlotWriter, hdr frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.slots[w.idx]
	hdr.Buffer = s.frame.Buffer
	s.frame = hdr
	s.generation++
	s.state = Filled
	s.writing = false
	r.fifo = append(r.fifo, w.idx)
	r.cond.Broadcast()
}

// AbortEmpty returns a slot acquired via AcquireEmpty to Empty without
// publishing a frame, for a producer that decides not to use it (e.g. a
// broken/zero-byte read). Wakes any other producer blocked in AcquireEmpty.
func (r *Ring) AbortEmpty(w SlotWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[w.idx].writing = false
	r.cond.Broadcast()
}

// SlotReader is a worker's exclusive handle on a Claimed/Encoding slot,
// acquired by ClaimFilled and surrendered by Release.
type SlotReader struct {
	r          *Ring
	idx        int
	generation uint64
}

// Index is the slot's stable position in the ring.
func (rd SlotReader) Index() int { return rd.idx }

// Generation is the slot's fill count at the time it was claimed.
func (rd SlotReader) Generation() uint64 { return rd.generation }

// Frame is the raw frame header and buffer as published by the producer.
// Valid until Release; the worker may read it but must not retain the
// buffer slice past Release.
func (rd SlotReader) Frame() frame.Frame { return rd.r.slots[rd.idx].frame }

// BeginEncoding marks the slot Claimed->Encoding. Informational only: it
// lets a waiting AcquireEmpty or other observers distinguish "about to
// start compressing" from "waiting to be picked up".
func (r *Ring) BeginEncoding(rd SlotReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[rd.idx].state = Encoding
}

// ClaimFilled returns the oldest Filled slot, transitioning it to Claimed.
// Slots are handed out in publish order; which of several simultaneously
// waiting workers receives the next one is decided by which wakes first
// from the shared condition variable, not by the order in which they began
// waiting.
func (r *Ring) ClaimFilled() (SlotReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.closed && len(r.fifo) == 0 {
			return SlotReader{}, ErrClosed
		}
		if len(r.fifo) > 0 {
			idx := r.fifo[0]
			r.fifo = r.fifo[1:]
			s := &r.slots[idx]
			s.state = Claimed
			return SlotReader{r: r, idx: idx, generation: s.generation}, nil
		}
		r.cond.Wait()
	}
}

// Release transitions a Claimed/Encoding slot back to Empty and wakes a
// producer blocked in AcquireEmpty. outcome is accepted for symmetry with
// the spec's contract but carries no additional bookkeeping: slot reuse is
// unconditional once the worker is done with it, whether or not it managed
// to publish an EncodedFrame.
func (r *Ring) Release(rd SlotReader, outcome error) {
	_ = outcome
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.slots[rd.idx]
	if s.generation != rd.generation {
		// Slot was recycled from under us; nothing to release.
		return
	}
	s.state = Released
	s.state = Empty
	r.cond.Broadcast()
}

// Close marks the ring closed: AcquireEmpty and ClaimFilled return
// ErrClosed once there is no more pending work to hand out. Safe to call
// from any goroutine; idempotent.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}

// StateAt returns the current state of the slot at idx, for tests and
// diagnostics.
func (r *Ring) StateAt(idx int) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[idx].state
}
