package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gerychhh/germify/internal/api/middleware"
	"github.com/gerychhh/germify/internal/handlers"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	RateLimit      middleware.RateLimiterConfig
	// RedisClient backs rate limiting; nil disables it.
	RedisClient *redis.Client
}

// NewRouter creates and configures the HTTP router.
func NewRouter(
	logger zerolog.Logger,
	h *handlers.Handler,
	auth *middleware.AuthMiddleware,
	notifications http.Handler,
	opts Options,
) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // 64KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	limiter := middleware.NewRateLimiter(opts.RedisClient, logger, opts.RateLimit)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// The socket authenticates itself so that failures close with 4401.
	r.With(limiter.Middleware).Get("/ws/notifications", notifications.ServeHTTP)

	// Authenticated routes (require bearer token)
	r.Route("/api/chats", func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Use(limiter.Middleware)

		r.Get("/", h.Inbox)
		r.Get("/unread", h.Unread)
		r.Post("/read", h.MarkReadMessages)
		r.Post("/dm/{userID}", h.OpenDM)
		r.Post("/dm/{userID}/messages", h.SendDM)
		r.Post("/groups", h.CreateGroup)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Chat)
			r.Delete("/", h.DeleteGroup)
			r.Get("/messages", h.Messages)
			r.Post("/messages", h.SendMessage)
			r.Post("/read", h.MarkRead)
			r.Post("/title", h.Rename)
			r.Post("/avatar", h.SetAvatar)
			r.Post("/members", h.AddMembers)
			r.Delete("/members/{userID}", h.RemoveMember)
			r.Post("/members/{userID}/role", h.SetRole)
			r.Post("/leave", h.Leave)
		})
	})

	return r
}
