package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mars-pi/camera"
	"mars-pi/config"
	"mars-pi/sensors"
	"mars-pi/server"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfigPath), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctrl := camera.NewController(newDriver(cfg, logger), cfg.CameraSettings(), logger.Named("camera"))
	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.Camera.StartTimeout+5*time.Second)
	err = ctrl.Start(startCtx)
	cancelStart()
	if err != nil {
		var initErr *camera.InitError
		if errors.As(err, &initErr) {
			logger.Fatal("camera initialization failed", zap.String("op", initErr.Op), zap.Error(initErr.Err))
		}
		logger.Fatal("camera initialization failed", zap.Error(err))
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	go ctrl.Watch(watchCtx, cfg.Stream.WatchInterval(), cfg.Stream.StallTimeout)

	var reader sensors.Reader
	if cfg.Sensors.Enabled {
		bme := sensors.NewBME280(cfg.Sensors.Bus, cfg.Sensors.Address)
		defer bme.Close()
		reader = bme
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: server.New(server.Options{
			Camera:          ctrl,
			Sensors:         reader,
			Logger:          logger.Named("http"),
			CORSOrigins:     cfg.Server.CORSOrigins,
			FrameTimeout:    cfg.Stream.FrameTimeout,
			SnapshotTimeout: cfg.Snapshot.Timeout,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("mars-pi camera server starting",
			zap.String("addr", srv.Addr),
			zap.String("driver", cfg.Camera.Driver),
			zap.Bool("sensors", cfg.Sensors.Enabled))
		logger.Info("endpoints",
			zap.Strings("routes", []string{
				"GET /stream - live MJPEG",
				"GET /snapshot - full resolution JPEG",
				"GET /health - camera and sensor status",
				"GET /api/sensors - sensor readings",
				"WS /ws/stream - frames as binary messages",
			}))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down server", zap.Stringer("signal", sig))

	// Stopping the camera first releases every open stream response.
	stopWatch()
	if err := ctrl.Stop(); err != nil {
		logger.Warn("camera stop failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

func newDriver(cfg *config.Config, logger *zap.Logger) camera.Driver {
	if cfg.Camera.Driver == "fake" {
		logger.Warn("using the fake camera driver")
		return &camera.FakeDriver{Interval: time.Second / time.Duration(cfg.Stream.FPS)}
	}
	return camera.NewRpicamDriver(cfg.RpicamConfig(), logger.Named("rpicam"))
}
