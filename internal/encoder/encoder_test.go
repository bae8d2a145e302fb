package encoder

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/quartzcam/mjpegd/internal/frame"
)

func randomGrey(w, h int, seed int64) frame.Frame {
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, w*h)
	r.Read(buf)
	return frame.Frame{
		Buffer:      buf,
		Width:       w,
		Height:      h,
		Stride:      w,
		Used:        len(buf),
		PixelFormat: frame.PixelFormatGREY,
	}
}

// TestEncodeDeterministic feeds the same raw pixel buffer through the CPU
// encoder twice at the same quality and expects byte-identical JPEGs, which
// is what the coordinator's dedup-by-hash relies on.
func TestEncodeDeterministic(t *testing.T) {
	enc := newCPUEncoder(DefaultOptions())
	raw := randomGrey(64, 48, 42)

	first, err := enc.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := enc.Encode(raw)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(first.Buffer, second.Buffer) {
		t.Fatal("encoding the same raw frame twice produced different JPEGs")
	}
}

func TestEncodeRejectsCompressedInput(t *testing.T) {
	enc := newCPUEncoder(DefaultOptions())
	_, err := enc.Encode(frame.Frame{PixelFormat: frame.PixelFormatJPEG, Width: 1, Height: 1})
	if err == nil {
		t.Fatal("expected error encoding an already-compressed frame")
	}
}

func TestUnavailableEncoderFallsBack(t *testing.T) {
	e, err := New(HwPlatform, DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = e.Encode(randomGrey(8, 8, 1))
	if err != ErrUnavailable {
		t.Fatalf("Encode = %v, want ErrUnavailable", err)
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{
		"cpu":       Cpu,
		"":          Cpu,
		"m2m-image": HwM2mImage,
		"m2m-video": HwM2mVideo,
		"hw":        HwPlatform,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseKind(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseKind("bogus"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
