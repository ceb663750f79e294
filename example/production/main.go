// example/production/main.go
// Production-style setup: environment configuration, YAML policy overrides,
// health checks and graceful shutdown

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hellofresh/health-go/v4"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"

	"github.com/terojleinonen/cms-ratelimit/middleware"
)

type input struct {
	Server struct {
		Address         string        `default:":8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"5s"`
		WriteTimeout    time.Duration `split_words:"true" default:"10s"`
		IdleTimeout     time.Duration `split_words:"true" default:"15s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
	RateLimit struct {
		PolicyFile         string        `split_words:"true"`
		GlobalRate         float64       `split_words:"true" default:"1000"`
		GlobalBurst        int           `split_words:"true" default:"100"`
		ViolationThreshold int           `split_words:"true" default:"5"`
		BlockDuration      time.Duration `split_words:"true" default:"30m"`
	}
}

func init() {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)
}

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	var i input
	if err := envconfig.Process("app", &i); err != nil {
		log.WithError(err).Fatal("failed to load input")
	}

	policies, err := loadPolicies(i.RateLimit.PolicyFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load rate limit policies")
	}

	blockList := middleware.NewBlockList()
	registry := middleware.NewMiddlewareRegistry()
	defer registry.Stop()

	factory := middleware.NewRateLimiterFactory(blockList)

	global := factory.CreateBasicRateLimiter(i.RateLimit.GlobalRate, i.RateLimit.GlobalBurst)
	registry.Register("global", global)

	config := middleware.DefaultFixedWindowConfig()
	config.Policies = policies
	config.BlockList = blockList
	config.ViolationThreshold = i.RateLimit.ViolationThreshold
	config.BlockDuration = i.RateLimit.BlockDuration
	config.EnableLogging = true

	engine, err := middleware.NewFixedWindowRateLimiter(config)
	if err != nil {
		log.WithError(err).Fatal("failed to create rate limiter")
	}
	registry.Register("engine", engine)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// The global guard runs before per-key admission: a flood from many
	// sources trips it even when no single client exceeds its policy.
	r.Use(global.Middleware())
	r.Use(engine.Middleware())

	r.POST("/api/auth/login", okHandler)
	r.GET("/api/admin/users", okHandler)
	r.POST("/api/upload", okHandler)
	r.GET("/api/search", okHandler)
	r.GET("/api/products", okHandler)

	manager := middleware.NewRateLimitManager(engine, blockList)
	manager.RegisterRoutes(r.Group("/api/internal"))

	r.GET("/api/internal/rate-limit/registry", func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.GetAllStats())
	})

	h, err := newHealthChecker(engine)
	if err != nil {
		log.WithError(err).Fatal("failed to create health checker")
	}
	r.GET("/health", gin.WrapH(h.Handler()))

	server := &http.Server{
		Addr:         i.Server.Address,
		ReadTimeout:  i.Server.ReadTimeout,
		WriteTimeout: i.Server.WriteTimeout,
		IdleTimeout:  i.Server.IdleTimeout,
		Handler:      r,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.WithField("address", i.Server.Address).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("failed to start server")
		}
	}()

	<-quit
	log.Info("server is shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), i.Server.ShutdownTimeout)
	defer cancel()

	server.SetKeepAlivesEnabled(false)
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("failed to gracefully shutdown the server")
	}
	log.Info("server stopped")
}

// loadPolicies reads YAML overrides when a file is configured, otherwise the
// built-in table applies.
func loadPolicies(path string) (*middleware.PolicyTable, error) {
	if path == "" {
		return middleware.DefaultPolicyTable(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return middleware.ParsePolicyTable(f)
}

func newHealthChecker(engine *middleware.FixedWindowRateLimiter) (*health.Health, error) {
	h, err := health.New(health.WithComponent(health.Component{
		Name:    "cms-ratelimit",
		Version: "v1.0.0",
	}))
	if err != nil {
		return nil, err
	}

	err = h.Register(health.Config{
		Name:    "admission-store",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			// A snapshot read proves the store is responsive.
			engine.RateLimitStats()
			return nil
		},
	})
	return h, err
}

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
