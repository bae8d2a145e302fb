// Package frame defines the data model shared by every stage of the
// capture-ring-encode-serve pipeline: raw pixel buffers, compressed JPEG
// frames, and the liveness state that drives the online/offline overlay.
package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// PixelFormat identifies the layout of a raw Frame's pixel data.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatYUYV
	PixelFormatUYVY
	PixelFormatRGB24
	PixelFormatBGR24
	PixelFormatJPEG
	PixelFormatMJPEG
	PixelFormatH264
	PixelFormatGREY
)

var pixelFormatNames = []string{
	"Unknown",
	"YUYV",
	"UYVY",
	"RGB24",
	"BGR24",
	"JPEG",
	"MJPEG",
	"H264",
	"GREY",
}

func (p PixelFormat) String() string {
	if p < 0 || int(p) >= len(pixelFormatNames) {
		return fmt.Sprintf("PixelFormat(%d)", int(p))
	}
	return pixelFormatNames[p]
}

func (p PixelFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// BytesPerPixel reports the packed bytes-per-pixel for raw formats. JPEG,
// MJPEG and H264 are variable-length and return 0.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatYUYV, PixelFormatUYVY:
		return 2
	case PixelFormatRGB24, PixelFormatBGR24:
		return 3
	case PixelFormatGREY:
		return 1
	default:
		return 0
	}
}

// Frame is an owned byte buffer plus the header fields every stage of the
// pipeline needs to interpret or re-encode it.
type Frame struct {
	Buffer []byte

	Width       int
	Height      int
	PixelFormat PixelFormat
	Stride      int // bytes per row
	Used        int // valid bytes in Buffer

	GrabTS        time.Time // monotonic capture time
	EncodeBeginTS time.Time
	EncodeEndTS   time.Time

	Online bool
	Key    bool
	GOP    int
}

// Validate checks the invariants Used <= capacity and Stride*Height <=
// capacity for packed/planar raw formats (not enforced for JPEG payloads,
// whose length has no fixed relation to geometry).
func (f *Frame) Validate() error {
	if f.Used > cap(f.Buffer) {
		return fmt.Errorf("frame: used %d exceeds capacity %d", f.Used, cap(f.Buffer))
	}
	if f.PixelFormat != PixelFormatJPEG && f.PixelFormat != PixelFormatMJPEG {
		if need := f.Stride * f.Height; need > cap(f.Buffer) {
			return fmt.Errorf("frame: stride*height %d exceeds capacity %d", need, cap(f.Buffer))
		}
	}
	return nil
}

// EncodedFrame is a Frame in JPEG format together with the bookkeeping the
// Stream Coordinator needs to order, dedup and publish it.
type EncodedFrame struct {
	Frame

	SlotIndex    int
	Generation   uint64
	SourceGrabTS time.Time

	PublishedSeq uint64
	Hash         uint64
}

// LivenessState is the three-value liveness lattice the Capturer publishes
// and the Stream Coordinator overlays onto outgoing frames.
type LivenessState int

const (
	Online LivenessState = iota
	Offline
	Reconnecting
)

func (s LivenessState) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Liveness is a LivenessState with the time it was entered.
type Liveness struct {
	State LivenessState
	Since time.Time
}
