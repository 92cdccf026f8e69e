// SPDX-FileCopyrightText: Copyright 2026 Keyfold, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the OAuth2/OIDC HTTP surface: authorization, token
// issuance, revocation, introspection, userinfo, discovery, JWKS, and the
// operational health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/keyfold/keyfold/pkg/cache"
	"github.com/keyfold/keyfold/pkg/config"
	"github.com/keyfold/keyfold/pkg/keys"
	"github.com/keyfold/keyfold/pkg/logger"
	"github.com/keyfold/keyfold/pkg/sessions"
	"github.com/keyfold/keyfold/pkg/storage"
	"github.com/keyfold/keyfold/pkg/tokens"
)

const (
	middlewareTimeout = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Params collects the server's dependencies.
type Params struct {
	Engine *tokens.Engine
	Keys   *keys.Manager
	Mirror *sessions.Mirror
	Store  storage.Store
	Cache  *cache.Cache
	Config config.ServerConfig

	// SigningAlgorithm is advertised in the discovery document.
	SigningAlgorithm string

	// LoginTTL bounds the browser login session established by /login.
	LoginTTL time.Duration
}

// Server is the HTTP front end.
type Server struct {
	engine *tokens.Engine
	keys   *keys.Manager
	mirror *sessions.Mirror
	store  storage.Store
	cache  *cache.Cache
	cfg    config.ServerConfig

	signingAlgorithm string
	loginTTL         time.Duration
	tokenLimiter     *rate.Limiter
}

// New creates the server.
func New(p Params) *Server {
	return &Server{
		engine:           p.Engine,
		keys:             p.Keys,
		mirror:           p.Mirror,
		store:            p.Store,
		cache:            p.Cache,
		cfg:              p.Config,
		signingAlgorithm: p.SigningAlgorithm,
		loginTTL:         p.LoginTTL,
		tokenLimiter:     rate.NewLimiter(rate.Limit(p.Config.TokenRatePerSecond), p.Config.TokenRateBurst),
	}
}

// Router builds the chi router with the full endpoint surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
	)

	r.Get("/.well-known/openid-configuration", s.DiscoveryHandler)
	r.Get("/.well-known/jwks.json", s.JWKSHandler)
	r.Get("/jwks", s.JWKSHandler)

	r.Get("/authorize", s.AuthorizeHandler)
	r.Group(func(r chi.Router) {
		r.Use(noStore)
		r.With(rateLimit(s.tokenLimiter)).Post("/token", s.TokenHandler)
		r.Post("/revoke", s.RevokeHandler)
		r.Post("/introspect", s.IntrospectHandler)
		r.Get("/userinfo", s.UserinfoHandler)
		r.Post("/login", s.LoginHandler)
		r.Post("/logout", s.LogoutHandler)
	})

	r.Get("/health", s.HealthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// HealthHandler reports liveness of the durable store and the cache.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if _, err := s.keys.Active(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "degraded", "reason": "signing key unavailable"}
	} else if err := s.cache.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "degraded", "reason": "cache unavailable"}
	}
	writeJSON(w, status, body)
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("Starting HTTP server", "addr", s.cfg.Addr, "issuer", s.cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}
