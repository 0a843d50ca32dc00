package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/tftbridge/internal/auth"
	"github.com/danmuck/tftbridge/internal/macros"
	"github.com/danmuck/tftbridge/internal/observability"
	"github.com/danmuck/tftbridge/internal/version"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const adminShutdownTimeout = 5 * time.Second

type linkView struct {
	Link        string    `json:"link"`
	State       string    `json:"state"`
	Retries     int       `json:"retries"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
	Since       time.Time `json:"since"`
	LastError   string    `json:"last_error,omitempty"`
	Connects    uint64    `json:"connects"`
}

type ruleView struct {
	Name   string `json:"name"`
	Verb   string `json:"verb"`
	Action string `json:"action"`
}

// AdminRouter builds the admin API. It is exported for tests and embedding.
func (b *Bridge) AdminRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("admin")))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(b.cfg.Admin.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", auth.TokenHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  b.uptime().String(),
			"version": version.Version,
		})
	})

	var validator auth.Validator
	if token := strings.TrimSpace(b.cfg.Admin.Token); token != "" {
		validator = auth.StaticToken{Token: token}
	}
	guarded := r.Group("/", auth.Middleware(validator))

	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		ready := b.Ready()
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":  ready,
			"uptime": b.uptime().String(),
			"links":  b.linkViews(),
		})
	})

	guarded.GET("/links", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"links": b.linkViews()})
	})

	guarded.GET("/macros", func(c *gin.Context) {
		snap := b.Macros()
		if snap == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": macros.ErrNeverRefreshed.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"checked_at": snap.CheckedAt(),
			"macros":     snap.Names(),
			"categories": macros.Categorize(snap),
		})
	})

	guarded.GET("/rules", func(c *gin.Context) {
		rules := b.Rules()
		out := make([]ruleView, 0, len(rules))
		for _, rule := range rules {
			out = append(out, ruleView{Name: rule.Name, Verb: rule.Verb, Action: rule.Action.Kind.String()})
		}
		c.JSON(http.StatusOK, gin.H{"rules": out})
	})

	guarded.GET("/calls", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": b.PendingCalls()})
	})

	guarded.GET("/stats", func(c *gin.Context) {
		s := b.Summary()
		c.JSON(http.StatusOK, gin.H{
			"simulate":         s.Simulate,
			"runtime":          s.Runtime.String(),
			"commands":         s.Commands,
			"rejected":         s.Rejected,
			"backend_calls":    s.BackendCalls,
			"backend_failures": s.BackendFailures,
			"simulated":        s.Simulated,
			"telemetry_lines":  s.TelemetryLines,
			"per_minute":       s.PerMinute(),
			"print_state":      b.synth.PrintState(),
		})
	})
	return r
}

func (b *Bridge) serveAdmin(ctx context.Context) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(b.cfg.Admin.Listen))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           b.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Msgf("bridge.admin listening addr=%q", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Msgf("bridge.admin shutdown err=%v", err)
	}
	return nil
}

func (b *Bridge) uptime() time.Duration {
	if b.started.IsZero() {
		return 0
	}
	return time.Since(b.started).Round(time.Second)
}

func (b *Bridge) linkViews() []linkView {
	snaps := b.Links()
	out := make([]linkView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, linkView{
			Link:        s.Link,
			State:       s.State.String(),
			Retries:     s.Retries,
			NextRetryAt: s.NextRetryAt,
			Since:       s.Since,
			LastError:   s.LastError,
			Connects:    s.Connects,
		})
	}
	return out
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
