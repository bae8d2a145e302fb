// Package config defines the server's validated configuration and wires it
// onto cobra/pflag flags. Grounded on the teacher's cmd/driver/config.go
// Config+Check() pattern, generalized to spec.md §6's flag surface and
// built with the CLI library (spf13/cobra, spf13/pflag) the rest of the
// example pack uses for command wiring.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/quartzcam/mjpegd/internal/encoder"
	"github.com/quartzcam/mjpegd/internal/frame"
)

// Config is the fully validated, defaulted configuration for one server
// instance.
type Config struct {
	// Capture
	Device       string
	Input        string
	Format       frame.PixelFormat
	Width        int
	Height       int
	DesiredFPS   int
	DVTimings    bool
	Persistent   bool
	Buffers      int
	Workers      int

	// Encoding
	EncoderKind encoder.Kind
	Quality     int

	// Stream
	DropSameFrames   int
	StreamIntervalMS int
	OnlineWindowMS   int
	OfflineRefreshMS int

	// HTTP
	Host               string
	Port               int
	Unix               string
	User               string
	Passwd             string
	Static             string
	AllowOrigin        string
	StreamClientBuffer int

	// Misc
	LogLevel string

	// deferredFormat, deferredResolution and deferredEncoder hold raw flag
	// strings until Check parses them into their typed fields above.
	deferredFormat     *string
	deferredResolution *string
	deferredEncoder    *string
}

// ErrInvalidConfig is wrapped by every validation failure Check reports;
// callers use it to decide on exit code 2 (Config error kind, spec §7).
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Flags registers every flag from spec.md §6 onto fs and returns a Config
// whose fields are bound to those flags. Call Parse on fs, then Check on
// the returned Config.
func Flags(fs *pflag.FlagSet) *Config {
	c := &Config{}

	fs.StringVar(&c.Device, "device", "", "capture device path")
	fs.StringVar(&c.Input, "input", "", "directory whose newest JPEG file is served as the capture source")
	formatStr := fs.String("format", "YUYV", "raw pixel format (YUYV|UYVY|RGB24|BGR24|GREY)")
	resolution := fs.String("resolution", "640x480", "desired resolution WxH")
	fs.IntVar(&c.DesiredFPS, "desired-fps", 30, "desired capture frame rate")
	fs.BoolVar(&c.DVTimings, "dv-timings", false, "query DV timings instead of a fixed resolution (accepted; no built-in source reads it)")
	fs.BoolVar(&c.Persistent, "persistent", false, "keep reopening the source after it disappears instead of stopping capture")
	fs.IntVar(&c.Buffers, "buffers", 4, "number of raw ring slots")
	fs.IntVar(&c.Workers, "workers", 2, "number of encode worker goroutines")

	encoderStr := fs.String("encoder", "cpu", "encoder kind (cpu|m2m-image|m2m-video|hw)")
	fs.IntVar(&c.Quality, "quality", 80, "JPEG quality 1..100")

	fs.IntVar(&c.DropSameFrames, "drop-same-frames", 0, "dedup ring length, 0 disables, max 30")
	fs.IntVar(&c.StreamIntervalMS, "stream-interval-ms", 0, "minimum interval between parts sent to a client")
	fs.IntVar(&c.OnlineWindowMS, "online-window-ms", 1000, "time without a raw frame before the stream is considered offline")
	fs.IntVar(&c.OfflineRefreshMS, "offline-refresh-ms", 1000, "how often the offline placeholder is republished")

	fs.StringVar(&c.Host, "host", "0.0.0.0", "HTTP listen host")
	fs.IntVar(&c.Port, "port", 8080, "HTTP listen port")
	fs.StringVar(&c.Unix, "unix", "", "UNIX socket path (overrides host/port when set)")
	fs.StringVar(&c.User, "user", "", "HTTP basic auth user (accepted; the server does not enforce authentication)")
	fs.StringVar(&c.Passwd, "passwd", "", "HTTP basic auth password (accepted; the server does not enforce authentication)")
	fs.StringVar(&c.Static, "static", "", "directory serving a custom index page")
	fs.StringVar(&c.AllowOrigin, "allow-origin", "", "CORS Access-Control-Allow-Origin value")
	fs.IntVar(&c.StreamClientBuffer, "stream-client-buffer", 1<<20, "per-client send buffer limit in bytes")

	fs.StringVar(&c.LogLevel, "log-level", "info", "log level (error|info|verbose|debug)")

	c.deferredFormat = formatStr
	c.deferredResolution = resolution
	c.deferredEncoder = encoderStr
	return c
}

// Check validates and finishes parsing the Config built by Flags,
// converting the raw string flags (format, resolution, encoder) into their
// typed fields. Must be called after fs.Parse.
func (c *Config) Check() error {
	if c.deferredFormat != nil {
		pf, err := parsePixelFormat(*c.deferredFormat)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		c.Format = pf
	}
	if c.deferredResolution != nil {
		w, h, err := parseResolution(*c.deferredResolution)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		c.Width, c.Height = w, h
	}
	if c.deferredEncoder != nil {
		kind, err := encoder.ParseKind(*c.deferredEncoder)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		c.EncoderKind = kind
	}

	if c.Buffers < 2 {
		return fmt.Errorf("%w: --buffers must be >= 2, got %d", ErrInvalidConfig, c.Buffers)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: --workers must be >= 1, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("%w: --quality must be in [1,100], got %d", ErrInvalidConfig, c.Quality)
	}
	if c.DropSameFrames < 0 || c.DropSameFrames > 30 {
		return fmt.Errorf("%w: --drop-same-frames must be in [0,30], got %d", ErrInvalidConfig, c.DropSameFrames)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: --port out of range, got %d", ErrInvalidConfig, c.Port)
	}
	if c.StreamClientBuffer < 0 {
		return fmt.Errorf("%w: --stream-client-buffer must be >= 0, got %d", ErrInvalidConfig, c.StreamClientBuffer)
	}
	switch c.LogLevel {
	case "error", "info", "verbose", "debug":
	default:
		return fmt.Errorf("%w: unsupported --log-level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}

func parsePixelFormat(s string) (frame.PixelFormat, error) {
	switch strings.ToUpper(s) {
	case "YUYV":
		return frame.PixelFormatYUYV, nil
	case "UYVY":
		return frame.PixelFormatUYVY, nil
	case "RGB24":
		return frame.PixelFormatRGB24, nil
	case "BGR24":
		return frame.PixelFormatBGR24, nil
	case "GREY", "GRAY":
		return frame.PixelFormatGREY, nil
	default:
		return frame.PixelFormatUnknown, fmt.Errorf("unsupported pixel format %q", s)
	}
}

func parseResolution(s string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution must be WxH, got %q", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid width in %q", s)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid height in %q", s)
	}
	return w, h, nil
}
