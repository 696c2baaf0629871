package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Identity headers set by the upstream identity provider.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorName  = "X-Actor-Name"
	HeaderBusinessID = "X-Business-ID"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	// MutationLimit caps write requests per client per minute. Zero uses the default.
	MutationLimit int
}

// MiddlewareStack installs the stockledger middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		ActorMiddleware,
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// ActorMiddleware reads the identity headers into the request context. Requests
// without a usable actor pass through anonymous; handlers that mutate reject them.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid "+HeaderActorID+" header")
			return
		}
		actor := shared.Actor{ID: id, Name: strings.TrimSpace(r.Header.Get(HeaderActorName))}
		if business := strings.TrimSpace(r.Header.Get(HeaderBusinessID)); business != "" {
			actor.BusinessID, err = strconv.ParseInt(business, 10, 64)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+HeaderBusinessID+" header")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// MutationRateLimit limits write requests per actor, falling back to client IP.
// Reads are not limited.
func MutationRateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = 600
	}
	limiter := httprate.Limit(perMinute, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if actor, ok := shared.ActorFromContext(r.Context()); ok {
			return "actor:" + strconv.FormatInt(actor.ID, 10), nil
		}
		return httprate.KeyByIP(r)
	}))
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
			default:
				limited.ServeHTTP(w, r)
			}
		})
	}
}
