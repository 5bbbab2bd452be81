package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// requestTimeout bounds the handler work for a single request.
const requestTimeout = 30 * time.Second

// Routes constructs the HTTP router with all OIDC endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(SecurityHeadersMiddleware(a.hstsMaxAge()))
	r.Use(middleware.Timeout(requestTimeout))

	r.Get(PathDiscovery, a.handleDiscovery)
	r.Get(PathCerts, a.handleJWKS)

	r.Get(PathAuth, a.handleAuthorize)
	r.Post(PathAuth, a.handleAuthorizeDecision)
	r.Post(PathToken, a.handleToken)
	r.Get(PathUserInfo, a.handleUserInfo)
	r.Post(PathUserInfo, a.handleUserInfo)
	r.Get(PathLogout, a.handleLogout)
	r.Post(PathRevoke, a.handleRevoke)

	r.Get(PathHealth, a.handleHealth)
	if a.Metrics != nil {
		r.Method(http.MethodGet, a.Config.Metrics.Path, a.Metrics.Handler())
	}

	return r
}

func (a *App) hstsMaxAge() int {
	if a.Config.Server.DevMode {
		return 0
	}
	return a.Config.Server.TLS.HSTSMaxAge
}
