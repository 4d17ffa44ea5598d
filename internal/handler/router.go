// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/digestcast/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Digest    *DigestHandler
	Schedule  *ScheduleHandler
	Interests *InterestHandler
	Runs      *RunHandler
	DueCheck  *DueCheckHandler
	Health    *HealthHandler
	Metrics   http.Handler // nilの場合は/metricsを公開しない

	RateLimiter   *middleware.RateLimiter
	DueCheckToken string
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → (/api) UserID → RateLimit(General)
//
// /health、/metrics、/internal/* はユーザーIDを要求しない。
func NewRouter(deps *RouterDeps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	r.Get("/health", deps.Health.ServeHTTP)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.NewTokenMiddleware(middleware.DueCheckTokenHeader, deps.DueCheckToken))
		r.Post("/due-check", deps.DueCheck.ServeHTTP)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewUserIDMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.With(deps.RateLimiter.DigestMiddleware()).Post("/digests", deps.Digest.Create)
		r.Post("/schedules", deps.Schedule.Create)
		r.Get("/schedules/{id}", deps.Schedule.Get)
		r.Get("/runs", deps.Runs.List)
		r.Put("/interests", deps.Interests.Update)
	})

	return r
}
