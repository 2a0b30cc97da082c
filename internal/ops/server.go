// Package ops serves the operational HTTP surface: health and readiness
// probes, Prometheus metrics, the redacted effective config, and the S3
// event-notification push endpoint.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guardbridge/internal/config"
	"guardbridge/internal/metrics"
	"guardbridge/internal/model"
	"guardbridge/internal/pipeline"
	"guardbridge/internal/version"
)

const maxNotifyBytes = 1 << 20

// Pipeline is the slice of the controller the server needs.
type Pipeline interface {
	Enqueue(ref model.ObjectRef) bool
	Health() pipeline.Report
	Ready() bool
}

type Server struct {
	cfg  *config.Config
	pipe Pipeline
	log  *slog.Logger
	srv  *http.Server
}

func NewServer(cfg *config.Config, pipe Pipeline, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, pipe: pipe, log: logger}

	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/configz", s.handleConfigz).Methods(http.MethodGet)
	r.HandleFunc("/v1/notify", s.handleNotify).Methods(http.MethodPost)
	if reg := metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:              cfg.OpsAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.log.Info("ops server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops: serve: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := s.pipe.Health()
	code := http.StatusOK
	if report.Status == pipeline.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":  report.Status,
		"version": version.Version,
		"detail":  report,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.pipe.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":   version.Version,
		"commit":    version.Commit,
		"buildDate": version.BuildDate,
	})
}

func (s *Server) handleConfigz(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	out, err := s.cfg.MarshalEffective(format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.EqualFold(format, "json") {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/yaml")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// s3Notification is the subset of the S3 event notification payload the
// push endpoint consumes.
type s3Notification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
				ETag string `json:"eTag"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// handleNotify accepts an S3 event notification and enqueues the referenced
// objects. 429 signals the caller to redeliver later.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var note s3Notification
	body := http.MaxBytesReader(w, r.Body, maxNotifyBytes)
	if err := json.NewDecoder(body).Decode(&note); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed notification: " + err.Error()})
		return
	}
	if len(note.Records) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "notification carries no records"})
		return
	}

	accepted := 0
	for _, rec := range note.Records {
		if rec.S3.Bucket.Name == "" || rec.S3.Object.Key == "" {
			continue
		}
		// keys in event notifications arrive URL-encoded
		key := rec.S3.Object.Key
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		ref := model.ObjectRef{
			Bucket: rec.S3.Bucket.Name,
			Key:    key,
			Size:   rec.S3.Object.Size,
			ETag:   rec.S3.Object.ETag,
		}
		if !s.pipe.Enqueue(ref) {
			s.log.Warn("notify rejected, input queue full", "key", key)
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":    "input queue full",
				"accepted": accepted,
			})
			return
		}
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
