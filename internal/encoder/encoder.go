// Package encoder is the capability abstraction over JPEG compression
// backends. Encoder is a small closed set of variants selected at startup;
// the CPU variant is always available, the hardware variants fall back to
// it transparently when unavailable or when they reject a geometry.
package encoder

import (
	"errors"
	"image"

	"github.com/quartzcam/mjpegd/internal/frame"
)

// Kind names an Encoder variant. The set is closed: Cpu, HwM2mImage,
// HwM2mVideo, HwPlatform.
type Kind int

const (
	Cpu Kind = iota
	HwM2mImage
	HwM2mVideo
	HwPlatform
)

func (k Kind) String() string {
	switch k {
	case Cpu:
		return "cpu"
	case HwM2mImage:
		return "m2m-image"
	case HwM2mVideo:
		return "m2m-video"
	case HwPlatform:
		return "hw"
	default:
		return "unknown"
	}
}

// ParseKind maps a CLI --encoder value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "cpu", "":
		return Cpu, nil
	case "m2m-image":
		return HwM2mImage, nil
	case "m2m-video":
		return HwM2mVideo, nil
	case "hw":
		return HwPlatform, nil
	default:
		return 0, errors.New("encoder: unknown kind " + s)
	}
}

// ErrUnavailable is returned by a hardware Encoder that cannot accept the
// requested geometry or pixel format at runtime. The worker pool treats
// this as "fall back to Cpu for this frame", not as an EncoderFatal.
var ErrUnavailable = errors.New("encoder: hardware path unavailable for this frame")

// Options configures an Encoder at construction time. All frames produced
// by one Encoder instance use the same quality and subsampling, because
// that instance is meant to live for the lifetime of a single worker.
type Options struct {
	Quality     int // 1..100, default 80
	Subsampling image.YCbCrSubsampleRatio
}

// DefaultOptions returns the spec's default quality (80) at 4:2:0
// subsampling.
func DefaultOptions() Options {
	return Options{Quality: 80, Subsampling: image.YCbCrSubsampleRatio420}
}

// Encoder compresses a raw Frame into a JPEG Frame. Implementations are not
// required to be safe for concurrent use; the worker pool gives each
// worker goroutine exclusive ownership of one Encoder instance.
type Encoder interface {
	Kind() Kind
	// Encode compresses src into a freshly allocated JPEG frame.Frame.
	// It returns ErrUnavailable if this encoder cannot handle src's
	// geometry or pixel format; the caller should fall back to Cpu.
	Encode(src frame.Frame) (frame.Frame, error)
	// Close releases any resources (hardware contexts, mmapped
	// buffers) the encoder holds.
	Close() error
}

// New constructs an Encoder of the requested kind. Hardware kinds other
// than Cpu are not implemented by a platform driver in this repository
// (per the out-of-core-scope CaptureSource/Encoder boundary); New returns a
// stub that always reports ErrUnavailable, causing the worker pool's
// transparent CPU fallback to take over from the first frame onward.
func New(kind Kind, opts Options) (Encoder, error) {
	switch kind {
	case Cpu:
		return newCPUEncoder(opts), nil
	case HwM2mImage, HwM2mVideo, HwPlatform:
		return &unavailableEncoder{kind: kind}, nil
	default:
		return nil, errors.New("encoder: unknown kind")
	}
}

// unavailableEncoder stands in for a hardware encoder variant this
// repository does not vendor a platform driver for. It always declines,
// so callers fall back to Cpu.
type unavailableEncoder struct {
	kind Kind
}

func (u *unavailableEncoder) Kind() Kind { return u.kind }

func (u *unavailableEncoder) Encode(frame.Frame) (frame.Frame, error) {
	return frame.Frame{}, ErrUnavailable
}

func (u *unavailableEncoder) Close() error { return nil }
