package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fuomag9/comments-collator/internal/commentsync"
	"github.com/fuomag9/comments-collator/internal/config"
	"github.com/fuomag9/comments-collator/internal/logging"
	"github.com/fuomag9/comments-collator/internal/oauth"
	"github.com/fuomag9/comments-collator/internal/repository"
	"github.com/fuomag9/comments-collator/internal/session"
	"github.com/fuomag9/comments-collator/internal/webhook"
	"github.com/fuomag9/comments-collator/internal/websocket"
)

const serviceName = "Comments Collator API"

// Deps are the components the HTTP surface is built from
type Deps struct {
	Config    *config.Config
	Repos     *repository.Repositories
	Sessions  *session.Store
	Flow      *oauth.Flow
	Engine    *commentsync.Engine
	Files     FileInfoSource
	Webhooks  *webhook.Receiver
	Endpoints *webhook.EndpointGuard
	Hub       *websocket.Hub
	Retention RetentionRunner
	Now       func() time.Time
	Log       logging.Logger
}

// NewRouter creates a new HTTP router. Limiter cleanup stops when ctx is done.
func NewRouter(ctx context.Context, d Deps) http.Handler {
	cfg := d.Config
	now := d.Now
	if now == nil {
		now = time.Now
	}
	errs := errorWriter{detailed: cfg.IsDevelopment(), log: d.Log}

	apiLimiter := NewRateLimiter(cfg.RateLimit)
	apiLimiter.CleanupOldLimiters(ctx)
	authLimiter := NewRateLimiter(config.RateLimitConfig{
		Window:      cfg.RateLimit.Window,
		MaxRequests: max(cfg.RateLimit.MaxRequests/5, 5),
	})
	authLimiter.CleanupOldLimiters(ctx)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware(cfg))

	// The plugin iframe sends Origin: null
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   append([]string{"null"}, cfg.CORSOrigins...),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", webhook.SignatureHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	endpoints := d.Endpoints
	if endpoints == nil {
		endpoints = webhook.NewEndpointGuard(cfg.IsDevelopment(), nil)
	}

	withSession := SessionMiddleware(d.Sessions, errs)
	withOperator := OperatorMiddleware(cfg.JWTSecret, errs)

	var liveClients func() int
	if d.Hub != nil {
		liveClients = d.Hub.Clients
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(RateLimitMiddleware(authLimiter))

		r.Get("/figma", HandleAuthorize(d.Flow, errs))
		r.Get("/figma/callback", HandleCallback(d.Flow, d.Sessions, errs))
		r.Post("/verify", HandleVerify(d.Sessions, errs))
		r.Post("/refresh", HandleRefresh(d.Flow, errs))
		r.Get("/check-session", HandleCheckSession(d.Sessions, errs))
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/figma", HandleWebhook(d.Webhooks, errs))
		r.Get("/health", HandleWebhookHealth(now))
		r.With(withSession).Post("/register", HandleRegisterWebhook(d.Repos, endpoints, errs))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(RateLimitMiddleware(apiLimiter))

		r.Get("/health", HandleHealth(serviceName, now))

		r.Group(func(r chi.Router) {
			r.Use(withSession)

			r.Get("/user/profile", HandleUserProfile())
			r.Get("/user/files", HandleUserFiles(d.Repos, errs))
			r.Put("/session/node", HandleSessionNode(d.Sessions, errs))

			r.Get("/files/{fileKey}", HandleGetFile(d.Repos, d.Files, errs))
			r.Post("/files/{fileKey}/sync", HandleSyncFile(d.Repos, d.Engine, errs))
			r.Get("/files/{fileKey}/stats", HandleFileStats(d.Repos, errs))
			r.Post("/files/{fileKey}/permissions", HandleGrantPermission(d.Repos, errs))

			r.Route("/comments/{fileKey}", func(r chi.Router) {
				r.Get("/", HandleListComments(d.Repos, errs))
				r.Post("/", HandlePostComment(d.Repos, d.Engine, errs))
				r.Get("/canvas", HandleListCanvasComments(d.Repos, errs))
				r.Get("/summary", HandleCommentSummary(d.Repos, now, errs))
				r.Put("/{commentId}/resolve", HandleResolveComment(d.Repos, d.Engine, errs))
				r.Put("/{commentId}/unresolve", HandleUnresolveComment(d.Repos, d.Engine, now, errs))
				r.Get("/{commentId}/thread", HandleCommentThread(d.Repos, errs))
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(withOperator)

			r.Get("/stats", HandleAdminStats(d.Repos, liveClients, now, errs))
			if d.Retention != nil {
				r.Post("/retention", HandleAdminRetention(d.Retention))
			}
		})
	})

	if d.Hub != nil {
		r.Get("/ws", d.Hub.HandleWebSocket)
	}

	r.Get("/health", HandleHealth(serviceName, now))

	// Prometheus scrapes with an operator bearer token
	r.With(withOperator).Get("/metrics", HandlePrometheusMetrics(d.Repos, liveClients, now, errs))

	return r
}
