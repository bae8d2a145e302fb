// Package dirsource implements a directory-backed CaptureSource: it serves
// the newest JPEG file in a watched folder as a decompressed raw frame.
// Grounded on the teacher's internal/driver/dirsource (source.go +
// watcher.go), rewired onto the capture.Source interface and a capture
// directory instead of an upload-history folder.
package dirsource

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/capture"
	"github.com/quartzcam/mjpegd/internal/frame"
)

// Source watches a directory for the newest .jpg/.jpeg file and decodes it
// into RGB24 raw pixels on every Next call whenever a newer file arrived.
type Source struct {
	Root string
	FPS  int

	logger *zap.Logger

	mu          sync.Mutex
	currentPath string
	currentMod  time.Time
	newestPath  string
	newestMod   time.Time

	decoded image.Image
	width   int
	height  int

	watcher *fsnotify.Watcher
	updates chan string
	stop    chan struct{}
	rate    *time.Ticker
}

// New constructs a directory-backed Source watching root for .jpg/.jpeg
// files. logger is used for watcher diagnostics.
func New(logger *zap.Logger, root string, fps int) *Source {
	return &Source{Root: root, FPS: fps, logger: logger}
}

func (s *Source) Open(ctx context.Context, desired capture.Geometry) (capture.Geometry, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return capture.Geometry{}, fmt.Errorf("dirsource: %w", err)
	}
	if err := w.Add(s.Root); err != nil {
		w.Close()
		return capture.Geometry{}, fmt.Errorf("dirsource: watch %s: %w", s.Root, err)
	}
	s.watcher = w
	s.updates = make(chan string, 8)
	s.stop = make(chan struct{})

	fps := s.FPS
	if fps <= 0 {
		fps = 5
	}
	s.rate = time.NewTicker(time.Second / time.Duration(fps))

	go s.watch()

	if newest, mod, err := newestJPEG(s.Root); err == nil && newest != "" {
		s.mu.Lock()
		s.newestPath, s.newestMod = newest, mod
		s.mu.Unlock()
	}

	// Decode the seed file synchronously so Open reports real geometry,
	// matching the spec's "the applied format is reported" contract.
	s.mu.Lock()
	path := s.newestPath
	s.mu.Unlock()
	if path != "" {
		if err := s.decode(path); err != nil {
			s.logger.Warn("dirsource: failed to decode seed file", zap.String("path", path), zap.Error(err))
		}
	}

	width, height := s.width, s.height
	if width == 0 {
		width, height = 640, 480
	}
	return capture.Geometry{Width: width, Height: height, PixelFormat: frame.PixelFormatRGB24, FPS: fps}, nil
}

func (s *Source) watch() {
	defer close(s.updates)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isJPEG(ev.Name) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			s.mu.Lock()
			if info.ModTime().After(s.newestMod) {
				s.newestPath, s.newestMod = ev.Name, info.ModTime()
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("dirsource: watcher error", zap.Error(err))
		}
	}
}

func (s *Source) Next(ctx context.Context, buf []byte) (int, time.Time, error) {
	select {
	case <-ctx.Done():
		return 0, time.Time{}, ctx.Err()
	case <-s.rate.C:
	}

	s.mu.Lock()
	current, newest := s.currentPath, s.newestPath
	newestMod := s.newestMod
	s.mu.Unlock()

	if newest != "" && (newest != current || newestMod.After(s.currentMod)) {
		if err := s.decode(newest); err != nil {
			return 0, time.Time{}, fmt.Errorf("dirsource: decode %s: %w", newest, err)
		}
		s.mu.Lock()
		s.currentPath, s.currentMod = newest, newestMod
		s.mu.Unlock()
	}

	if s.decoded == nil {
		return 0, time.Time{}, nil // no file yet: counts as a broken frame upstream
	}

	grabTS := time.Now()
	n := packRGB24(s.decoded, buf)
	return n, grabTS, nil
}

func (s *Source) Close() error {
	if s.stop != nil {
		close(s.stop)
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.rate != nil {
		s.rate.Stop()
	}
	return nil
}

func (s *Source) decode(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		return err
	}
	s.decoded = img
	b := img.Bounds()
	s.width, s.height = b.Dx(), b.Dy()
	return nil
}

func packRGB24(img image.Image, buf []byte) int {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	need := w * h * 3
	if need > len(buf) {
		return 0
	}
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			buf[i] = byte(r >> 8)
			buf[i+1] = byte(g >> 8)
			buf[i+2] = byte(bl >> 8)
			i += 3
		}
	}
	return need
}

func isJPEG(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg")
}

func newestJPEG(root string) (string, time.Time, error) {
	var newestPath string
	var newestMod time.Time
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isJPEG(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newestMod) {
			newestPath, newestMod = path, info.ModTime()
		}
		return nil
	})
	return newestPath, newestMod, err
}
