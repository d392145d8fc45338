// Package api exposes the webhook ingest endpoint and the small
// operational API over the summary archive and runtime config.
package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/streamgazer/detection.report/internal/config"
	"github.com/streamgazer/detection.report/internal/httputil"
	"github.com/streamgazer/detection.report/internal/notify"
	"github.com/streamgazer/detection.report/internal/version"
	"github.com/streamgazer/detection.report/internal/vi"
	"github.com/streamgazer/detection.report/internal/vi/aggregate"
	"github.com/streamgazer/detection.report/internal/vi/batch"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Ingester accumulates detections for later flushing.
type Ingester interface {
	Ingest(key vi.StreamKey, dets []vi.Detection)
}

// SummaryLister serves archived summaries for the query API.
type SummaryLister interface {
	ListSummaries(days int) ([]*aggregate.Summary, error)
}

type Server struct {
	batcher  Ingester
	notifier notify.Notifier
	store    SummaryLister
	cfg      *config.TuningConfig
}

// NewServer wires the HTTP surface. store may be nil when the summary
// archive is disabled; /api/summaries then returns 404.
func NewServer(batcher Ingester, notifier notify.Notifier, store SummaryLister, cfg *config.TuningConfig) *Server {
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}
	return &Server{
		batcher:  batcher,
		notifier: notifier,
		store:    store,
		cfg:      cfg,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/summaries", s.listSummaries)
	mux.HandleFunc("/api/config", s.showConfig)
	return mux
}

// handleWebhook receives JSON payloads from the video server.
// Detection events accumulate in the batcher; everything else gets
// translated and notified immediately.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var ev notify.Event
	if err := httputil.DecodeJSONBody(w, r, &ev); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	if ev.Empty() {
		httputil.BadRequest(w, "empty payload")
		return
	}

	if ev.IsDetectionEvent() {
		s.batcher.Ingest(ev.StreamKey(), ev.Detections())
		httputil.WriteJSONOK(w, map[string]string{"status": "success"})
		return
	}

	msg, ok := notify.Translate(&ev)
	if ok {
		// Delivery failures are logged, not surfaced: the webhook
		// sender cannot do anything useful with them.
		if err := s.notifier.Notify(*msg); err != nil {
			log.Printf("api: failed to deliver notification for %q: %v", ev.EventName(), err)
		}
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "healthy",
		"service": "detection-report",
		"version": version.Version,
	})
}

func (s *Server) listSummaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "summary archive disabled")
		return
	}

	days := 1 // default value
	if d := r.URL.Query().Get("days"); d != "" {
		parsedDays, err := strconv.Atoi(d)
		if err != nil || parsedDays < 1 {
			httputil.BadRequest(w, "Invalid 'days' parameter")
			return
		}
		days = parsedDays
	}

	summaries, err := s.store.ListSummaries(days)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve summaries: %v", err))
		return
	}

	httputil.WriteJSONOK(w, summaries)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	cfg := map[string]interface{}{
		"batch_window":        s.cfg.GetBatchWindow().String(),
		"max_batch_size":      s.cfg.GetMaxBatchSize(),
		"track_expiry_frames": s.cfg.GetTrackExpiryFrames(),
		"iou_threshold":       s.cfg.GetIoUThreshold(),
		"slack_configured":    s.cfg.GetSlackWebhookURL() != "",
	}
	// The real batcher carries cumulative flush counters; test doubles
	// may not.
	if sp, ok := s.batcher.(interface{ Stats() batch.Stats }); ok {
		cfg["pipeline"] = sp.Stats()
	}
	httputil.WriteJSONOK(w, cfg)
}
