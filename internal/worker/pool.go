// Package worker runs the fixed-size compression farm: each worker
// goroutine owns one Encoder instance exclusively, claims raw slots off the
// ring, compresses them, and hands the result to the Stream Coordinator.
package worker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/encoder"
	"github.com/quartzcam/mjpegd/internal/frame"
	"github.com/quartzcam/mjpegd/internal/ring"
)

var (
	compressionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "mjpegd_compression_latency_seconds",
			Help: "JPEG compression latency from grab to publish",
			Buckets: []float64{
				0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1,
			},
		},
		[]string{"worker"},
	)

	compressionStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mjpegd_compression_status_total",
			Help: "Compression outcomes by status",
		},
		[]string{"worker", "status"},
	)

	encoderDowngrades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mjpegd_encoder_downgrades_total",
			Help: "Times a worker downgraded from a hardware encoder to the CPU encoder",
		},
		[]string{"worker"},
	)
)

// Result is what a worker hands the Stream Coordinator after a successful
// compression.
type Result struct {
	Encoded     frame.Frame
	SlotIndex   int
	Generation  uint64
	GrabTS      time.Time
	EncodeBegin time.Time
	EncodeEnd   time.Time
}

// Sink receives compression results. The Stream Coordinator implements it.
type Sink interface {
	Admit(Result)
}

// Config controls how many workers are spawned and their encoder.
type Config struct {
	Count             int
	Kind              encoder.Kind
	Options           encoder.Options
	FatalEncoderLimit int // consecutive failures before downgrading/halting; 0 means use default
	// OnFatal is invoked at most once, from a worker goroutine, when the
	// CPU fallback itself fails FatalEncoderLimit times in a row after a
	// downgrade. The caller (internal/stream.Service) treats this as the
	// EncoderFatal error kind and halts the pipeline with exit code 1.
	OnFatal func(error)
}

// DefaultFatalEncoderLimit matches the spec's default for downgrading a
// misbehaving hardware encoder to the CPU path.
const DefaultFatalEncoderLimit = 8

// Pool is the fixed set of worker goroutines draining a Ring into a Sink.
type Pool struct {
	r      *ring.Ring
	sink   Sink
	logger *zap.Logger
	cfg    Config
	wg     sync.WaitGroup

	fatalOnce sync.Once
}

// Start spawns cfg.Count worker goroutines. Count is clamped to leave the
// producer room: at most r.Len()-1 workers run against a given ring.
func Start(r *ring.Ring, sink Sink, logger *zap.Logger, cfg Config) *Pool {
	if cfg.FatalEncoderLimit <= 0 {
		cfg.FatalEncoderLimit = DefaultFatalEncoderLimit
	}
	n := cfg.Count
	if max := r.Len() - 1; n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	p := &Pool{r: r, sink: sink, logger: logger, cfg: cfg}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer p.wg.Done()
			p.run(id)
		}(i)
	}
	return p
}

// Wait blocks until every worker goroutine has exited (the ring was
// closed and drained, or a fatal encoder error halted the pool).
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(id int) {
	label := workerLabel(id)
	enc, err := encoder.New(p.cfg.Kind, p.cfg.Options)
	if err != nil {
		p.logger.Error("worker: failed to construct encoder", zap.Int("worker", id), zap.Error(err))
		return
	}
	cpu, err := encoder.New(encoder.Cpu, p.cfg.Options)
	if err != nil {
		p.logger.Error("worker: failed to construct cpu fallback encoder", zap.Int("worker", id), zap.Error(err))
		return
	}
	defer enc.Close()
	defer cpu.Close()

	consecutiveFailures := 0
	downgraded := enc.Kind() == encoder.Cpu

	for {
		rd, err := p.r.ClaimFilled()
		if err != nil {
			return
		}
		halt := p.compress(id, label, rd, enc, cpu, &consecutiveFailures, &downgraded)
		if halt {
			return
		}
	}
}

// compress runs one encode task and reports whether this worker should
// halt (true only once the CPU fallback itself has failed
// FatalEncoderLimit times in a row).
func (p *Pool) compress(id int, label string, rd ring.SlotReader, enc, cpu encoder.Encoder, consecutiveFailures *int, downgraded *bool) bool {
	p.r.BeginEncoding(rd)
	raw := rd.Frame()
	begin := time.Now()

	active := enc
	if *downgraded {
		active = cpu
	}

	encoded, err := active.Encode(raw)
	if err == encoder.ErrUnavailable && !*downgraded {
		encoded, err = cpu.Encode(raw)
	}
	end := time.Now()

	if err != nil {
		*consecutiveFailures++
		compressionStatus.WithLabelValues(label, "failed").Inc()
		p.logger.Error("worker: encode failed", zap.Int("worker", id), zap.Error(err))
		p.r.Release(rd, err)

		if *consecutiveFailures < p.cfg.FatalEncoderLimit {
			return false
		}
		if !*downgraded {
			p.logger.Warn("worker: downgrading to cpu encoder after repeated failures", zap.Int("worker", id))
			*downgraded = true
			encoderDowngrades.WithLabelValues(label).Inc()
			*consecutiveFailures = 0
			return false
		}
		// The CPU fallback itself is failing repeatedly: this is
		// EncoderFatal, not a per-frame drop. Halt this worker and
		// surface the failure to the supervisor.
		p.logger.Error("worker: cpu fallback failing repeatedly, halting", zap.Int("worker", id))
		if p.cfg.OnFatal != nil {
			p.fatalOnce.Do(func() { p.cfg.OnFatal(err) })
		}
		return true
	}
	*consecutiveFailures = 0
	compressionStatus.WithLabelValues(label, "ready").Inc()
	compressionLatency.WithLabelValues(label).Observe(end.Sub(raw.GrabTS).Seconds())

	p.sink.Admit(Result{
		Encoded:     encoded,
		SlotIndex:   rd.Index(),
		Generation:  rd.Generation(),
		GrabTS:      raw.GrabTS,
		EncodeBegin: begin,
		EncodeEnd:   end,
	})
	p.r.Release(rd, nil)
	return false
}

func workerLabel(id int) string {
	const letters = "0123456789"
	if id < len(letters) {
		return "w" + string(letters[id])
	}
	return "w*"
}
