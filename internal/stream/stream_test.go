package stream

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/capture"
	"github.com/quartzcam/mjpegd/internal/capture/synthetic"
	"github.com/quartzcam/mjpegd/internal/encoder"
)

func TestServicePublishesFramesFromSyntheticSource(t *testing.T) {
	src := synthetic.New(8, 8, 60, false)
	svc, err := New(src, Config{
		Capture:        capCfg(8, 8),
		RingSlots:      4,
		Workers:        2,
		Encoder:        encoder.Cpu,
		EncoderOpt:     encoder.DefaultOptions(),
		OnlineWindow:   50 * time.Millisecond,
		OfflineRefresh: 20 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.Current() != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no frame published before deadline")
}

func capCfg(w, h int) capture.Config {
	return capture.Config{
		DesiredWidth:  w,
		DesiredHeight: h,
		RetryInitial:  5 * time.Millisecond,
		RetryMax:      10 * time.Millisecond,
	}
}
