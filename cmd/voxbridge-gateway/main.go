package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	gatewayRouters "github.com/voxbridge-ai/voxbridge/api/routers"
	"github.com/voxbridge-ai/voxbridge/config"
	"github.com/voxbridge-ai/voxbridge/pkg/commons"
)

const shutdownGracePeriod = 10 * time.Second

func main() {
	v, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to read config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	opts := []commons.Option{commons.WithLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		opts = append(opts, commons.WithRotatingFile(cfg.LogFile))
	}
	logger := commons.NewApplicationLogger(opts...)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, logger commons.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	gatewayRouters.HealthCheckRoutes(cfg, engine, logger)
	gatewayRouters.RealtimeApiRoute(cfg, engine, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infow("gateway listening", "service", cfg.Name, "version", cfg.Version, "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
