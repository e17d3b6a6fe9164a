package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crosslogic/quota-engine/internal/kv"
	"github.com/crosslogic/quota-engine/internal/plans"
	"github.com/crosslogic/quota-engine/internal/quota"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Config holds the gateway's settings
type Config struct {
	AdminToken   string
	MetricsPath  string
	StoreBackend string
}

// Gateway serves the quota, plan and admin HTTP endpoints
type Gateway struct {
	service  *quota.Service
	resolver *plans.Resolver
	store    kv.Store
	logger   *zap.Logger
	router   *chi.Mux
	cfg      Config
}

// NewGateway creates a new HTTP gateway
func NewGateway(service *quota.Service, resolver *plans.Resolver, store kv.Store, logger *zap.Logger, cfg Config) *Gateway {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = "store"
	}

	g := &Gateway{
		service:  service,
		resolver: resolver,
		store:    store,
		logger:   logger,
		router:   chi.NewRouter(),
		cfg:      cfg,
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	// Middleware
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))
	g.router.Use(SecurityMiddleware(DefaultSecurityConfig()))
	g.router.Use(g.requireJSON)

	// CORS
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://*.crosslogic.ai"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	g.registerMetrics()

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Quota decisions and plan lookups. Callers are authenticated upstream.
	g.router.Route("/billing", func(r chi.Router) {
		r.Post("/quota/check_and_consume", g.handleCheckAndConsume)
		r.Get("/plans/{plan_id}", g.handleGetPlan)
		r.Get("/tenants/{tenant_id}/plan", g.handleGetTenantPlan)

		r.With(g.adminAuthMiddleware).Get("/admin/quota/snapshot", g.handleSnapshot)
	})

	// Admin endpoints
	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Put("/admin/billing/plans/{plan_id}", g.handlePutPlan)
		r.Post("/admin/billing/tenants/{tenant_id}/plan", g.handleAssignPlan)
		r.Put("/admin/billing/tenants/{tenant_id}/limits", g.handleSetLimits)
		r.Delete("/admin/billing/tenants/{tenant_id}/limits", g.handleClearLimits)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics starts a background goroutine to update dependency health metrics
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		g.updateHealthMetrics(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	status := 0.0
	if err := g.store.Health(ctx); err == nil {
		status = 1.0
	}
	dependencyUp.WithLabelValues(g.cfg.StoreBackend).Set(status)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			adminAuthFailures.WithLabelValues("missing").Inc()
			g.writeError(w, http.StatusUnauthorized, "missing admin token")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.cfg.AdminToken)) != 1 {
			adminAuthFailures.WithLabelValues("invalid").Inc()
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		// Audit log for admin actions
		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Health(r.Context()); err != nil {
		g.logger.Warn("store not ready", zap.Error(err))
		g.writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
