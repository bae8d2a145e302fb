package config

import (
	"testing"

	"github.com/spf13/pflag"

	"github.com/quartzcam/mjpegd/internal/encoder"
	"github.com/quartzcam/mjpegd/internal/frame"
)

func parseArgs(t *testing.T, args ...string) *Config {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c := Flags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return c
}

func TestDefaultsAreValid(t *testing.T) {
	c := parseArgs(t)
	if err := c.Check(); err != nil {
		t.Fatalf("Check() on defaults: %v", err)
	}
	if c.EncoderKind != encoder.Cpu {
		t.Fatalf("default encoder = %v, want Cpu", c.EncoderKind)
	}
	if c.Width != 640 || c.Height != 480 {
		t.Fatalf("default resolution = %dx%d, want 640x480", c.Width, c.Height)
	}
}

func TestResolutionAndFormatParsing(t *testing.T) {
	c := parseArgs(t, "--resolution=1280x720", "--format=RGB24", "--encoder=m2m-image")
	if err := c.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if c.Width != 1280 || c.Height != 720 {
		t.Fatalf("resolution = %dx%d, want 1280x720", c.Width, c.Height)
	}
	if c.Format != frame.PixelFormatRGB24 {
		t.Fatalf("format = %v, want RGB24", c.Format)
	}
	if c.EncoderKind != encoder.HwM2mImage {
		t.Fatalf("encoder = %v, want HwM2mImage", c.EncoderKind)
	}
}

func TestRejectsOutOfRangeQuality(t *testing.T) {
	c := parseArgs(t, "--quality=255")
	if err := c.Check(); err == nil {
		t.Fatal("Check() should reject quality=255")
	}
}

func TestRejectsTooFewBuffers(t *testing.T) {
	c := parseArgs(t, "--buffers=1")
	if err := c.Check(); err == nil {
		t.Fatal("Check() should reject buffers=1")
	}
}

func TestRejectsBadResolution(t *testing.T) {
	c := parseArgs(t, "--resolution=notanumber")
	if err := c.Check(); err == nil {
		t.Fatal("Check() should reject a malformed resolution")
	}
}
