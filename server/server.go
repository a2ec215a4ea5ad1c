// Package server exposes the camera over HTTP: a live MJPEG stream,
// high resolution snapshots, a websocket frame feed and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mars-pi/camera"
	"mars-pi/sensors"
)

// Camera is what the handlers need from the camera controller.
type Camera interface {
	IsRunning() bool
	State() camera.State
	Snapshot(ctx context.Context) ([]byte, error)
	Frames() *camera.FrameBuffer
	Settings() camera.Settings
}

// Options configures a Server. Camera is required.
type Options struct {
	Camera          Camera
	Sensors         sensors.Reader
	Logger          *zap.Logger
	CORSOrigins     []string
	FrameTimeout    time.Duration
	SnapshotTimeout time.Duration
}

// Server routes HTTP requests to the camera.
type Server struct {
	camera          Camera
	sensors         sensors.Reader
	logger          *zap.Logger
	frameTimeout    time.Duration
	snapshotTimeout time.Duration
	upgrader        websocket.Upgrader
	engine          *gin.Engine
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{
		camera:          opts.Camera,
		sensors:         opts.Sensors,
		logger:          opts.Logger,
		frameTimeout:    opts.FrameTimeout,
		snapshotTimeout: opts.SnapshotTimeout,
		upgrader:        newUpgrader(opts.CORSOrigins),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.frameTimeout <= 0 {
		s.frameTimeout = DefaultFrameTimeout
	}
	if s.snapshotTimeout <= 0 {
		s.snapshotTimeout = DefaultSnapshotTimeout
	}

	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))
	r.Use(cors.New(corsConfig(opts.CORSOrigins)))

	r.GET("/stream", s.handleStream)
	r.GET("/snapshot", s.handleSnapshot)
	r.GET("/health", s.handleHealth)
	r.GET("/ws/stream", s.handleWebSocket)

	api := r.Group("/api")
	{
		api.GET("/sensors", s.handleSensors)
	}

	s.engine = r
	return s
}

// Handler returns the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
