// Command mjpegd runs the MJPEG streaming server: it wires CLI flags onto
// a capture.Source, builds the capture-ring-encode-coordinate-broadcast
// pipeline, and serves it over HTTP. Grounded on the teacher's
// cmd/driver (cobra-less flag.Parse) reworked onto spf13/cobra the way
// helixml-helix's api/cmd/helix/run.go wires its serve command.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/capture"
	"github.com/quartzcam/mjpegd/internal/capture/dirsource"
	"github.com/quartzcam/mjpegd/internal/capture/synthetic"
	"github.com/quartzcam/mjpegd/internal/config"
	"github.com/quartzcam/mjpegd/internal/encoder"
	"github.com/quartzcam/mjpegd/internal/httpapi"
	"github.com/quartzcam/mjpegd/internal/servicelog"
	"github.com/quartzcam/mjpegd/internal/stream"
)

// Exit codes per spec §4.6/§7.
const (
	exitClean        = 0
	exitGenericFatal = 1
	exitBadConfig    = 2
	exitBindFailure  = 3
)

// exitError carries the process exit code a RunE failure should produce,
// since cobra's Execute only reports success/failure, not a code.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("mjpegd: exiting with code %d", e.code) }

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitBadConfig
	}
	return exitClean
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mjpegd",
		Short: "low-latency MJPEG-over-HTTP streaming server",
	}
	fs := cmd.Flags()
	cfg := config.Flags(fs)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if code := runServe(cfg); code != exitClean {
			return exitError{code: code}
		}
		return nil
	}
	return cmd
}

func runServe(cfg *config.Config) int {
	if err := cfg.Check(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}

	logger, err := servicelog.New(servicelog.Options{Debug: cfg.LogLevel == "debug"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "mjpegd: failed to build logger:", err)
		return exitBadConfig
	}
	defer logger.Sync()

	src, err := buildSource(cfg, logger)
	if err != nil {
		logger.Error("mjpegd: failed to build capture source", zap.Error(err))
		return exitBadConfig
	}

	svc, err := stream.New(src, stream.Config{
		Capture: capture.Config{
			DesiredWidth:  cfg.Width,
			DesiredHeight: cfg.Height,
			DesiredFormat: cfg.Format,
			DesiredFPS:    cfg.DesiredFPS,
			Persistent:    cfg.Persistent,
		},
		RingSlots:      cfg.Buffers,
		Workers:        cfg.Workers,
		Encoder:        cfg.EncoderKind,
		EncoderOpt:     encoder.Options{Quality: cfg.Quality},
		DropSameFrames: cfg.DropSameFrames,
		OnlineWindow:   time.Duration(cfg.OnlineWindowMS) * time.Millisecond,
		OfflineRefresh: time.Duration(cfg.OfflineRefreshMS) * time.Millisecond,
	}, logger)
	if err != nil {
		logger.Error("mjpegd: failed to build pipeline", zap.Error(err))
		return exitBadConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	mux := http.NewServeMux()
	httpapi.New(svc, httpapi.Config{
		Encoder:            cfg.EncoderKind.String(),
		Quality:            cfg.Quality,
		AllowOrigin:        cfg.AllowOrigin,
		StreamIntervalMS:   cfg.StreamIntervalMS,
		StreamClientBuffer: cfg.StreamClientBuffer,
		StaticDir:          cfg.Static,
	}, logger).Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the /stream handler owns its own per-write deadlines
	}

	network, bindTarget := "tcp", addr
	if cfg.Unix != "" {
		network, bindTarget = "unix", cfg.Unix
	}
	listener, err := net.Listen(network, bindTarget)
	if err != nil {
		logger.Error("mjpegd: failed to bind listener", zap.String("network", network), zap.String("addr", bindTarget), zap.Error(err))
		cancel()
		svc.Close()
		return exitBindFailure
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(listener) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("mjpegd: shutdown signal received")
	case <-svc.Fatal():
		logger.Error("mjpegd: pipeline halted", zap.Error(svc.Err()))
		shutdown(httpServer, cancel, svc, logger)
		return exitGenericFatal
	case err := <-serveErr:
		logger.Error("mjpegd: http server exited", zap.Error(err))
		cancel()
		svc.Close()
		return exitGenericFatal
	}

	shutdown(httpServer, cancel, svc, logger)
	return exitClean
}

func shutdown(httpServer *http.Server, cancel context.CancelFunc, svc *stream.Service, logger *zap.Logger) {
	cancel()
	svc.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("mjpegd: http shutdown did not complete cleanly", zap.Error(err))
	}
}

func buildSource(cfg *config.Config, logger *zap.Logger) (capture.Source, error) {
	switch {
	case cfg.Device == "" && cfg.Input == "":
		// No platform driver wired in this repository (per the
		// CaptureSource boundary in the design notes): fall back to the
		// synthetic generator so the server is runnable out of the box.
		return synthetic.New(cfg.Width, cfg.Height, cfg.DesiredFPS, false), nil
	case cfg.Input != "":
		return dirsource.New(logger, cfg.Input, cfg.DesiredFPS), nil
	default:
		return nil, fmt.Errorf("mjpegd: --device %q has no platform driver built into this binary; use --input <dir> or omit both for the synthetic source", cfg.Device)
	}
}
