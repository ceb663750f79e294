// example/basic/main.go
// Basic usage of the admission engine with the default policy table

package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/terojleinonen/cms-ratelimit/middleware"
)

func main() {
	gin.SetMode(gin.ReleaseMode)

	r := gin.Default()

	blockList := middleware.NewBlockList()

	config := middleware.DefaultFixedWindowConfig()
	config.BlockList = blockList
	config.EnableLogging = true

	limiter, err := middleware.NewFixedWindowRateLimiter(config)
	if err != nil {
		log.WithError(err).Fatal("failed to create rate limiter")
	}
	defer limiter.Stop()

	r.Use(limiter.Middleware())

	// Routes fall into policies by prefix: auth endpoints get 5 per 15
	// minutes, admin endpoints 30 per minute, everything else public.
	r.POST("/api/auth/login", loginHandler)
	r.GET("/api/admin/users", usersHandler)
	r.POST("/api/upload", uploadHandler)
	r.GET("/api/search", searchHandler)
	r.GET("/api/products", productsHandler)

	// Management endpoints for the dashboard: stats, block list, manual
	// block and unblock.
	manager := middleware.NewRateLimitManager(limiter, blockList)
	manager.RegisterRoutes(r.Group("/api/internal"))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	log.Info("basic example server starting on :8080")
	if err := r.Run(":8080"); err != nil {
		log.WithError(err).Fatal("failed to start server")
	}
}

func loginHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "logged in"})
}

func usersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": []string{"alice", "bob"}})
}

func uploadHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "uploaded"})
}

func searchHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"results": []string{}})
}

func productsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"products": []string{"widget", "gadget"}})
}
