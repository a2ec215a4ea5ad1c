package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mars-pi/camera"
	"mars-pi/sensors"
)

// handleStream serves the live feed as multipart/x-mixed-replace. The
// session ends when the client goes away, the camera stops, or no frame
// arrives within the frame timeout.
func (s *Server) handleStream(c *gin.Context) {
	if !s.camera.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "camera not running"})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	sub := s.camera.Frames().Subscribe()
	sent := 0
	for {
		frame, err := sub.Read(ctx, s.frameTimeout)
		if err != nil {
			s.logStreamEnd(c, err, sent)
			return
		}
		if err := writePart(c.Writer, frame.Data); err != nil {
			s.logger.Debug("stream client write failed", zap.String("client", c.ClientIP()), zap.Error(err))
			return
		}
		c.Writer.Flush()
		sent++
	}
}

func writePart(w gin.ResponseWriter, jpeg []byte) error {
	header := "--" + Boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(jpeg)) + "\r\n\r\n"
	if _, err := w.WriteString(header); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

func (s *Server) logStreamEnd(c *gin.Context, err error, sent int) {
	fields := []zap.Field{zap.String("client", c.ClientIP()), zap.Int("frames", sent)}
	switch {
	case errors.Is(err, camera.ErrFrameTimeout):
		s.logger.Warn("stream ended: no frame from camera", append(fields, zap.Duration("timeout", s.frameTimeout))...)
	case errors.Is(err, camera.ErrCameraStopped):
		s.logger.Info("stream ended: camera stopped", fields...)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Debug("stream client disconnected", fields...)
	default:
		s.logger.Error("stream ended", append(fields, zap.Error(err))...)
	}
}

// handleSnapshot captures one full resolution still.
func (s *Server) handleSnapshot(c *gin.Context) {
	if !s.camera.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "camera not running"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.snapshotTimeout)
	defer cancel()

	jpeg, err := s.camera.Snapshot(ctx)
	if err != nil {
		var snapErr *camera.SnapshotError
		if errors.As(err, &snapErr) {
			s.logger.Error("snapshot failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("snapshot failed unexpectedly", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot failed"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", jpeg)
}

// handleHealth reports camera and sensor status. It never touches the
// camera device, so it stays fast while a snapshot is in progress.
func (s *Server) handleHealth(c *gin.Context) {
	settings := s.camera.Settings()
	stats := s.camera.Frames().Stats()

	var lastFrameAge any
	if !stats.LastFrameAt.IsZero() {
		lastFrameAge = time.Since(stats.LastFrameAt).Seconds()
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"camera": gin.H{
			"running":                s.camera.IsRunning(),
			"state":                  s.camera.State().String(),
			"resolution":             fmt.Sprintf("%dx%d", settings.Stream.Width, settings.Stream.Height),
			"fps":                    settings.Stream.FPS,
			"frames":                 stats.Frames,
			"last_frame_age_seconds": lastFrameAge,
		},
		"sensors": sensors.Read(c.Request.Context(), s.sensors, s.logger),
	})
}

func (s *Server) handleSensors(c *gin.Context) {
	c.JSON(http.StatusOK, sensors.Read(c.Request.Context(), s.sensors, s.logger))
}
