package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"reviewstream/internal/app"
	"reviewstream/internal/domain"
	"reviewstream/internal/media/analysis"
)

const progressBroadcastPeriod = 2 * time.Second

// TranscodeSettingsStore persists the review-session defaults.
type TranscodeSettingsStore interface {
	Get(ctx context.Context) (app.TranscodeSettings, bool, error)
	Set(ctx context.Context, settings app.TranscodeSettings) error
}

// ReviewHistoryStore persists per-asset resume positions.
type ReviewHistoryStore interface {
	Upsert(ctx context.Context, pos domain.ReviewPosition) error
	Get(ctx context.Context, key domain.AssetKey) (domain.ReviewPosition, error)
	ListRecent(ctx context.Context, limit int) ([]domain.ReviewPosition, error)
	Delete(ctx context.Context, key domain.AssetKey) error
}

type Server struct {
	manager  *SessionManager
	analyzer *analysis.Analyzer
	settings TranscodeSettingsStore
	history  ReviewHistoryStore
	logger   *slog.Logger
	handler  http.Handler
	hub      *wsHub

	broadcastStop chan struct{}
	broadcastOnce sync.Once
}

type ServerOption func(*Server)

func WithTranscodeSettings(store TranscodeSettingsStore) ServerOption {
	return func(s *Server) {
		s.settings = store
	}
}

func WithReviewHistory(store ReviewHistoryStore) ServerOption {
	return func(s *Server) {
		s.history = store
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(manager *SessionManager, analyzer *analysis.Analyzer, opts ...ServerOption) *Server {
	s := &Server{
		manager:       manager,
		analyzer:      analyzer,
		broadcastStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.hub = newWSHub(s.logger)
	go s.hub.run()
	go s.broadcastLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("/video/", s.handleVideo)
	mux.HandleFunc("/settings/transcode", s.handleTranscodeSettings)
	mux.HandleFunc("/review-history", s.handleReviewHistory)
	mux.HandleFunc("/review-history/", s.handleReviewHistoryByKey)
	mux.HandleFunc("/internal/health/pipeline", s.handlePipelineHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "review-stream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz" && p != "/internal/health/pipeline" && !isNoisyPath(p)
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

type progressEvent struct {
	Key      string                  `json:"key"`
	Progress domain.PipelineProgress `json:"progress"`
}

// broadcastLoop pushes the current asset's progress to WebSocket clients
// while any pipeline activity exists for it.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(progressBroadcastPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.broadcastStop:
			return
		case <-ticker.C:
		}
		key := s.manager.CurrentKey()
		if key == "" || s.hub.clientCount() == 0 {
			continue
		}
		s.hub.Broadcast("progress", progressEvent{
			Key:      string(key),
			Progress: s.manager.ProgressSnapshot(key),
		})
	}
}

// Close stops the progress broadcaster, tears down every pipeline, and
// disconnects all WebSocket clients.
func (s *Server) Close() {
	s.broadcastOnce.Do(func() { close(s.broadcastStop) })
	s.manager.Shutdown()
	if s.hub != nil {
		s.hub.Close()
	}
}
