package host

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/memtls/internal/auth"
	"github.com/danmuck/memtls/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Admin serves health, readiness, metrics and session listings for a host.
// Session listings require the bearer token when one is configured.
type Admin struct {
	Name     string
	Registry *Registry
	Started  time.Time

	router *gin.Engine
	token  string
}

func NewAdmin(name string, corsOrigins []string, token string, registry *Registry) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetrics(name))
	if origins := normalizeOrigins(corsOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		Name:     name,
		Registry: registry,
		Started:  time.Now(),
		router:   r,
		token:    strings.TrimSpace(token),
	}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler {
	return a.router
}

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Started).String(),
			"host":    a.Name,
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.Registry.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    ready,
			"sessions": a.Registry.Len(),
			"host":     a.Name,
			"version":  version,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sessions := a.router.Group("/sessions")
	if a.token != "" {
		sessions.Use(auth.Middleware(auth.StaticToken{Token: a.token}))
	}
	sessions.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": a.Registry.List()})
	})
	sessions.GET("/:id", func(c *gin.Context) {
		info, ok := a.Registry.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	})
}

// Serve runs the admin server on addr until ctx is done.
func (a *Admin) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("host", a.Name).Str("addr", addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		out = append(out, origin)
	}
	return out
}
