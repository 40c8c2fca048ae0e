package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/breathwork/internal/metrics"
	"github.com/hitoshi/breathwork/internal/middleware"
)

// Engine はルーターが公開する全操作を提供するセッションエンジンのインターフェース。
type Engine interface {
	MeditationEngine
	StreamEngine
	SessionCounter
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Engine Engine
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	IdentityHeader    string
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder

	// ストリーム
	Stream StreamConfig

	// Gatherer が nil の場合は /metrics を公開しない。
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Identity → RateLimit(General)
//
// /health と /metrics はIdentityの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin, deps.IdentityHeader))

	meditationHandler := NewMeditationHandler(deps.Engine)
	streamHandler := NewStreamHandler(deps.Engine, deps.Stream, logger)

	// --- 認証不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.Engine))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 上流で認証済みのルート ---
	// ミドルウェアスタック: Identity → RateLimit(General)
	r.Route("/api/meditation", func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.IdentityHeader))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Post("/sessions/start", meditationHandler.StartSession)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/complete", meditationHandler.CompleteSession)
			r.Get("/stats", meditationHandler.GetStats)

			// POST /api/meditation/sessions/{id}/samples - サンプル投入（専用レート制限を追加）
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.SamplesMiddleware()).Post("/samples", meditationHandler.IngestSamples)
			} else {
				r.Post("/samples", meditationHandler.IngestSamples)
			}
		})

		r.Method(http.MethodGet, "/ws/breath", streamHandler)
	})

	return r
}
