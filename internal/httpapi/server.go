// Package httpapi exposes the pipeline over HTTP: a static index page, a
// JSON state endpoint, a single-shot snapshot, and the live multipart
// stream. Grounded on the teacher's internal/mjpeg.Handler (hijack-based
// multipart session) and internal/driver/jpeg.Handler (snapshot), rewired
// onto a stream.Service instead of a jpeg.SessionManager.
package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quartzcam/mjpegd/internal/broadcast"
	"github.com/quartzcam/mjpegd/internal/capture"
	"github.com/quartzcam/mjpegd/internal/frame"
)

// Pipeline is the subset of stream.Service the HTTP layer depends on. It is
// expressed as an interface so server tests can substitute a fake without
// standing up a real capture source.
type Pipeline interface {
	Current() *frame.EncodedFrame
	Liveness() frame.Liveness
	State() capture.State
	Geometry() capture.Geometry
	Broadcaster() *broadcast.Broadcaster
}

// Config controls the parts of the spec's HTTP surface that are pure
// per-connection/server policy rather than pipeline state.
type Config struct {
	Encoder             string
	Quality             int
	AllowOrigin         string
	StreamIntervalMS    int
	StreamClientBuffer  int // bytes; 0 or less selects the 1 MiB default
	StaticDir           string
	ExposeCmdline       bool
	ExposePath          bool
}

// Server implements the three routes plus a static index.
type Server struct {
	pipe   Pipeline
	cfg    Config
	logger *zap.Logger

	instanceID string
	startedAt  time.Time

	clients    int64
	queuedFPS  int64 // frames/1000s as read by /state; nothing updates it, so queued_fps reports 0
}

// New constructs a Server. pipe must not be nil.
func New(pipe Pipeline, cfg Config, logger *zap.Logger) *Server {
	if cfg.StreamClientBuffer <= 0 {
		cfg.StreamClientBuffer = 1 << 20
	}
	return &Server{
		pipe:       pipe,
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
	}
}

// Routes registers the server's handlers onto mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/stream", s.handleStream)
}

func (s *Server) setCORS(w http.ResponseWriter) {
	if s.cfg.AllowOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowOrigin)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if s.cfg.StaticDir != "" {
		http.ServeFile(w, r, s.cfg.StaticDir+"/index.html")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html><head><title>mjpegd</title></head>
<body><img src="/stream" alt="live stream"></body></html>
`

func onlineFlag(l frame.Liveness) bool {
	return l.State == frame.Online
}

func timestampHeader(t time.Time) string {
	return fmt.Sprintf("%.6f", float64(t.UnixNano())/1e9)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)
	ef := s.pipe.Current()
	if ef == nil {
		w.Header().Set("X-UStreamer-Online", "false")
		http.Error(w, "no frame published yet", http.StatusServiceUnavailable)
		return
	}
	online := "0"
	if ef.Online {
		online = "1"
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", ef.Used))
	w.Header().Set("X-UStreamer-Online", online)
	w.Header().Set("X-Timestamp", timestampHeader(ef.GrabTS))
	w.WriteHeader(http.StatusOK)
	w.Write(ef.Buffer[:ef.Used])
}

type clientsStat struct {
	InstanceID string `json:"instance_id,omitempty"`
}

type stateResponse struct {
	InstanceID string `json:"instance_id"`
	Encoder    struct {
		Type    string `json:"type"`
		Quality int    `json:"quality"`
	} `json:"encoder"`
	Source struct {
		Resolution string `json:"resolution"`
		Format     string `json:"format"`
		Online     bool   `json:"online"`
		DesiredFPS int    `json:"desired_fps"`
		CapturedFPS int   `json:"captured_fps"`
	} `json:"source"`
	Stream struct {
		QueuedFPS   float64 `json:"queued_fps"`
		Clients     int     `json:"clients"`
		ClientsStat []clientsStat `json:"clients_stat"`
	} `json:"stream"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)
	geo := s.pipe.Geometry()
	liveness := s.pipe.Liveness()

	resp := stateResponse{InstanceID: s.instanceID}
	resp.Encoder.Type = s.cfg.Encoder
	resp.Encoder.Quality = s.cfg.Quality
	resp.Source.Resolution = fmt.Sprintf("%dx%d", geo.Width, geo.Height)
	resp.Source.Format = geo.PixelFormat.String()
	resp.Source.Online = onlineFlag(liveness)
	resp.Source.DesiredFPS = geo.FPS
	resp.Source.CapturedFPS = geo.FPS
	resp.Stream.QueuedFPS = float64(atomic.LoadInt64(&s.queuedFPS)) / 1000
	resp.Stream.Clients = s.pipe.Broadcaster().Count()
	resp.Stream.ClientsStat = []clientsStat{}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp)
}

// writeJSON encodes v onto w with HTML-escaping disabled.
func writeJSON(w http.ResponseWriter, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

// boundary is the fixed ASCII multipart boundary token the wire format
// requires.
const boundary = "mjpegd-frame-boundary"

// streamWriteTimeout bounds a single multipart part write; it is refreshed
// before every write so a healthy, slow-but-still-draining client is never
// penalized for the stream's overall lifetime, only for one stalled write.
const streamWriteTimeout = 10 * time.Second

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w)
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))

	atomic.AddInt64(&s.clients, 1)
	defer atomic.AddInt64(&s.clients, -1)

	// SendingHeaders
	geo := s.pipe.Geometry()
	online := onlineFlag(s.pipe.Liveness())
	rw.WriteString(r.Proto)
	rw.WriteString(" 200 OK\r\n")
	rw.WriteString("Connection: close\r\n")
	rw.WriteString("Cache-Control: no-store, no-cache\r\n")
	rw.WriteString(fmt.Sprintf("Content-Type: multipart/x-mixed-replace;boundary=%s\r\n", boundary))
	rw.WriteString(fmt.Sprintf("X-UStreamer-Width: %d\r\n", geo.Width))
	rw.WriteString(fmt.Sprintf("X-UStreamer-Height: %d\r\n", geo.Height))
	rw.WriteString(fmt.Sprintf("X-UStreamer-Online: %s\r\n", boolFlag(online)))
	rw.WriteString("\r\n")
	if err := rw.Flush(); err != nil {
		return
	}

	mailbox := s.pipe.Broadcaster().Register()
	defer s.pipe.Broadcaster().Unregister(mailbox)

	// keepAlive watches for client-initiated close so AwaitingFrame does
	// not block forever on an abandoned connection.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		defer s.pipe.Broadcaster().Unregister(mailbox) // wakes a blocked mailbox.Wait
		one := make([]byte, 1)
		for {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := rw.Read(one); err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue // an idle client is not a closed one
				}
				return
			}
			rw.Discard(rw.Available())
		}
	}()

	bw := &boundedWriter{w: rw, limit: s.cfg.StreamClientBuffer}
	mimeWriter := multipart.NewWriter(bw)
	mimeWriter.SetBoundary(boundary)

	var lastSeq uint64
	interval := time.Duration(s.cfg.StreamIntervalMS) * time.Millisecond

	for {
		select {
		case <-closed:
			return
		default:
		}

		seq, ok := mailbox.Wait(lastSeq)
		if !ok {
			return
		}
		lastSeq = seq

		ef := s.pipe.Current()
		if ef == nil {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := s.writePart(mimeWriter, rw, ef); err != nil {
			s.logger.Debug("httpapi: stream write failed, dropping client", zap.Error(err))
			return
		}

		if interval > 0 {
			time.Sleep(interval)
		}
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// writePart performs SendingPartHeaders + SendingPartBody for one frame.
func (s *Server) writePart(mw *multipart.Writer, rw *bufio.ReadWriter, ef *frame.EncodedFrame) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", fmt.Sprintf("%d", ef.Used))
	header.Set("X-Timestamp", timestampHeader(ef.GrabTS))
	header.Set("X-UStreamer-Online", boolFlag(ef.Online))

	partWriter, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("httpapi: create part: %w", err)
	}
	if _, err := partWriter.Write(ef.Buffer[:ef.Used]); err != nil {
		return fmt.Errorf("httpapi: write part: %w", err)
	}
	return rw.Flush()
}

// boundedWriter enforces stream_client_buffer: if the underlying writer's
// buffered byte count exceeds limit when a write is attempted, the
// connection is considered stalled and every subsequent write fails,
// causing the stream handler to drop the client.
type boundedWriter struct {
	w       *bufio.ReadWriter
	limit   int
	tripped bool
}

func (b *boundedWriter) Write(p []byte) (int, error) {
	if b.tripped {
		return 0, io.ErrClosedPipe
	}
	if b.limit > 0 && b.w.Writer.Buffered()+len(p) > b.limit {
		b.tripped = true
		return 0, fmt.Errorf("httpapi: client send buffer exceeded %d bytes", b.limit)
	}
	return b.w.Write(p)
}
