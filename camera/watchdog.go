package camera

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Watch restarts the stream whenever no frame has arrived for maxStall,
// checking every interval until ctx ends. A restart that fails is retried
// on later ticks until Stop is called. A non-positive interval or maxStall
// disables the watchdog.
func (c *Controller) Watch(ctx context.Context, interval, maxStall time.Duration) {
	if interval <= 0 || maxStall <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkStall(ctx, maxStall)
		}
	}
}

func (c *Controller) checkStall(ctx context.Context, maxStall time.Duration) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.running.Load() {
		// Only a stop the watchdog caused itself is undone.
		if c.restartOwed {
			c.restartLocked(ctx)
		}
		return
	}

	last := c.StartedAt()
	if t := c.frames.Stats().LastFrameAt; t.After(last) {
		last = t
	}
	quiet := time.Since(last)
	if quiet <= maxStall {
		return
	}

	c.logger.Warn("camera stalled, restarting", zap.Duration("since_last_frame", quiet))
	_ = c.stopLocked()
	c.restartLocked(ctx)
}

func (c *Controller) restartLocked(ctx context.Context) {
	if err := c.startLocked(ctx); err != nil {
		c.restartOwed = true
		c.logger.Warn("camera restart failed", zap.Error(err))
		return
	}
	c.restartOwed = false
}
