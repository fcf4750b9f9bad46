package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianhq/meridian/internal/completion"
	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/logger"
	"github.com/meridianhq/meridian/internal/maintenance"
	"github.com/meridianhq/meridian/internal/planner"
	"github.com/meridianhq/meridian/internal/research"
	"github.com/meridianhq/meridian/internal/scrape"
	"github.com/meridianhq/meridian/internal/search"
	"github.com/meridianhq/meridian/internal/store"
	"github.com/meridianhq/meridian/internal/streaming"
	"github.com/meridianhq/meridian/internal/tools"
	"github.com/meridianhq/meridian/internal/workflow"
)

func main() {
	cfg := config.Load()

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	gin.SetMode(cfg.GinMode)

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        cfg.HTTPMaxIdleConns,
			MaxIdleConnsPerHost: cfg.HTTPMaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.HTTPIdleConnTimeout,
		},
	}

	// Shared process state: plan/search caches plus the planning rate window.
	st := store.New()

	searchService := search.NewService(
		search.NewDefaultProviders(cfg.SerperAPIKey, cfg.SerperSearchURL, cfg.ExaAPIKey, httpClient),
		st, log)
	scrapeService := scrape.NewService(cfg.ScrapeTimeout, log, scrape.WithContentLimit(cfg.ScrapeContentLimit))
	completionClient := completion.NewClient(cfg.CompletionAPIKey, cfg.CompletionBaseURL, cfg.CompletionModel, log)

	planService := planner.NewService(st, completionClient, nil, log)
	executor := research.NewExecutor(
		research.NewCascadeSearcher(searchService),
		scrapeService,
		log,
		research.Options{
			MaxResultsPerQuery: cfg.SearchMaxResults,
			ScrapeCap:          cfg.MaxScrapePages,
			MinContentLength:   cfg.ScrapeMinContent,
		})

	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewWebSearchTool(searchService, cfg.SearchMaxResults, log),
		tools.NewWebScrapeTool(scrapeService, log),
	} {
		if err := registry.Register(tool); err != nil {
			log.Error("Failed to register tool", "tool", tool.Name(), "error", err)
			os.Exit(1)
		}
	}

	runStore, err := workflow.NewRunStore(cfg.RunStoreDir, log)
	if err != nil {
		log.Error("Failed to initialize run store", "error", err)
		os.Exit(1)
	}

	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL)
		if err != nil {
			log.Warn("Failed to connect to NATS, event mirroring disabled", "error", err)
		}
	}
	publisher := streaming.NewPublisher(nc, cfg.NatsSubjectPrefix, log)

	workflowService := workflow.NewService(
		planService,
		executor,
		completionClient,
		registry,
		runStore,
		streaming.NewSigner(cfg.StreamSigningKey),
		cfg.PersistMinInterval,
		log)

	sweeper := maintenance.NewSweeper(st, runStore, cfg.SweepInterval, cfg.RunRetention, log)
	sweeper.Start()

	router := gin.Default()
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", cfg.CORSAllowedOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		plans, searches := st.Sizes()
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"cache":  gin.H{"plans": plans, "search": searches},
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	searchHandler := search.NewHandler(searchService, log)
	workflowHandler := workflow.NewHandler(workflowService, publisher, log)

	api := router.Group("/v1")
	{
		api.GET("/search", searchHandler.SearchHandler)
		api.POST("/plan", workflowHandler.PlanHandler)
		runs := api.Group("/research")
		{
			runs.POST("/stream", workflowHandler.StreamHandler)
			runs.GET("/runs/:id", workflowHandler.RunHandler)
		}
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("research engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	if err := sweeper.Shutdown(); err != nil {
		log.Warn("Sweeper shutdown incomplete", "error", err)
	}
	publisher.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server exited")
}
