package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mars-pi/camera"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mars-pi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  cors_origins: ["http://pi.local"]
stream:
  width: 640
  height: 480
  frame_timeout: 2s
snapshot:
  warmup: 750ms
autofocus_mode: manual
camera:
  driver: fake
sensors:
  enabled: true
  address: 0x77
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep defaults")
	assert.Equal(t, []string{"http://pi.local"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 640, cfg.Stream.Width)
	assert.Equal(t, camera.DefaultStreamFPS, cfg.Stream.FPS)
	assert.Equal(t, 2*time.Second, cfg.Stream.FrameTimeout)
	assert.Equal(t, 5*time.Second, cfg.Stream.WatchInterval())
	assert.Equal(t, 750*time.Millisecond, cfg.Snapshot.Warmup)
	assert.Equal(t, "manual", cfg.AutofocusMode)
	assert.Equal(t, "fake", cfg.Camera.Driver)
	assert.True(t, cfg.Sensors.Enabled)
	assert.Equal(t, uint16(0x77), cfg.Sensors.Address)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.ErrorContains(t, err, "error parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "zero stream width",
			mutate:  func(c *Config) { c.Stream.Width = 0 },
			wantErr: "stream resolution",
		},
		{
			name:    "quality above 100",
			mutate:  func(c *Config) { c.Stream.Quality = 101 },
			wantErr: "stream.quality",
		},
		{
			name:    "origin without scheme",
			mutate:  func(c *Config) { c.Server.CORSOrigins = []string{"pi.local"} },
			wantErr: "server.cors_origins",
		},
		{
			name:    "negative stall timeout",
			mutate:  func(c *Config) { c.Stream.StallTimeout = -time.Second },
			wantErr: "stream.stall_timeout",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Camera.Driver = "v4l2" },
			wantErr: "camera.driver",
		},
		{
			name:    "missing still binary",
			mutate:  func(c *Config) { c.Camera.StillBinary = "" },
			wantErr: "camera binaries",
		},
		{
			name:    "zero snapshot concurrency",
			mutate:  func(c *Config) { c.Snapshot.MaxConcurrent = 0 },
			wantErr: "snapshot.max_concurrent",
		},
		{
			name:    "unknown autofocus name is not a validation error",
			mutate:  func(c *Config) { c.AutofocusMode = "whatever" },
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestCameraSettings(t *testing.T) {
	cfg := Default()
	s := cfg.CameraSettings()

	assert.Equal(t, camera.Mode{Width: 1280, Height: 720, FPS: 30}, s.Stream)
	assert.Equal(t, camera.Mode{Width: 2304, Height: 1296, Still: true}, s.Snapshot)
	assert.Equal(t, 85, s.Quality)
	assert.Equal(t, "ContinuousAfMode", s.Autofocus)
	assert.Equal(t, int64(1), s.MaxSnapshots)

	mode, ok := camera.ParseAutofocusMode(s.Autofocus)
	assert.True(t, ok)
	assert.Equal(t, camera.AutofocusContinuous, mode)
}
