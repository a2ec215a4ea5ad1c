// Package config loads the mars-pi server configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mars-pi/camera"
)

// EnvConfigPath names the config file when no -config flag is given.
const EnvConfigPath = "MARSPI_CONFIG"

// Server holds the HTTP listener settings.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr is the listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Stream is the live MJPEG configuration.
type Stream struct {
	Width   int `yaml:"width"`
	Height  int `yaml:"height"`
	FPS     int `yaml:"fps"`
	Quality int `yaml:"quality"`
	// FrameTimeout ends a client session when the camera goes quiet.
	FrameTimeout time.Duration `yaml:"frame_timeout"`
	// StallTimeout restarts the camera after this long without a frame.
	// Zero disables the watchdog.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// WatchInterval is how often the stall watchdog checks the stream.
func (s Stream) WatchInterval() time.Duration {
	return s.StallTimeout / 2
}

// Snapshot is the high resolution still configuration.
type Snapshot struct {
	Width         int           `yaml:"width"`
	Height        int           `yaml:"height"`
	Warmup        time.Duration `yaml:"warmup"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
}

// Camera selects the device backend.
type Camera struct {
	// Driver is "rpicam" for real hardware or "fake" for a generated test pattern.
	Driver       string        `yaml:"driver"`
	Index        int           `yaml:"index"`
	VidBinary    string        `yaml:"vid_binary"`
	StillBinary  string        `yaml:"still_binary"`
	ListBinary   string        `yaml:"list_binary"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	MaxFrameSize int           `yaml:"max_frame_size"`
}

// Sensors configures the optional BME280.
type Sensors struct {
	Enabled bool   `yaml:"enabled"`
	Bus     string `yaml:"i2c_bus"`
	Address uint16 `yaml:"address"`
}

// Log configures zap.
type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the whole file.
type Config struct {
	Server        Server   `yaml:"server"`
	Stream        Stream   `yaml:"stream"`
	Snapshot      Snapshot `yaml:"snapshot"`
	AutofocusMode string   `yaml:"autofocus_mode"`
	Camera        Camera   `yaml:"camera"`
	Sensors       Sensors  `yaml:"sensors"`
	Log           Log      `yaml:"log"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: Server{
			Host: "0.0.0.0",
			Port: 8000,
			CORSOrigins: []string{
				"https://travisjohnjones.com",
				"https://cosmonautjones.github.io",
				"http://localhost:3000",
				"http://localhost:8000",
			},
			ShutdownTimeout: 3 * time.Second,
		},
		Stream: Stream{
			Width:        camera.DefaultStreamWidth,
			Height:       camera.DefaultStreamHeight,
			FPS:          camera.DefaultStreamFPS,
			Quality:      camera.DefaultQuality,
			FrameTimeout: 5 * time.Second,
			StallTimeout: 10 * time.Second,
		},
		Snapshot: Snapshot{
			Width:         camera.DefaultSnapshotWidth,
			Height:        camera.DefaultSnapshotHeight,
			Warmup:        camera.DefaultWarmup,
			Timeout:       15 * time.Second,
			MaxConcurrent: camera.DefaultMaxSnapshots,
		},
		AutofocusMode: "ContinuousAfMode",
		Camera: Camera{
			Driver:       "rpicam",
			VidBinary:    camera.DefaultVidBinary,
			StillBinary:  camera.DefaultStillBinary,
			ListBinary:   camera.DefaultListBinary,
			StartTimeout: camera.DefaultStartTimeout,
			MaxFrameSize: camera.DefaultMaxFrameSize,
		},
		Sensors: Sensors{
			Bus:     "",
			Address: 0x76,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")
	for _, origin := range c.Server.CORSOrigins {
		check(origin == "*" || strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://"),
			"server.cors_origins: %q must be * or start with http:// or https://", origin)
	}

	check(c.Stream.Width > 0 && c.Stream.Height > 0, "stream resolution %dx%d invalid", c.Stream.Width, c.Stream.Height)
	check(c.Stream.FPS > 0, "stream.fps must be positive")
	check(c.Stream.Quality >= 1 && c.Stream.Quality <= 100, "stream.quality %d not in 1..100", c.Stream.Quality)
	check(c.Stream.FrameTimeout > 0, "stream.frame_timeout must be positive")
	check(c.Stream.StallTimeout >= 0, "stream.stall_timeout must not be negative")

	check(c.Snapshot.Width > 0 && c.Snapshot.Height > 0, "snapshot resolution %dx%d invalid", c.Snapshot.Width, c.Snapshot.Height)
	check(c.Snapshot.Warmup >= 0, "snapshot.warmup must not be negative")
	check(c.Snapshot.Timeout > 0, "snapshot.timeout must be positive")
	check(c.Snapshot.MaxConcurrent > 0, "snapshot.max_concurrent must be positive")

	switch c.Camera.Driver {
	case "rpicam":
		check(c.Camera.VidBinary != "" && c.Camera.StillBinary != "" && c.Camera.ListBinary != "",
			"camera binaries must be set")
	case "fake":
	default:
		errs = append(errs, fmt.Errorf("camera.driver %q unknown (want rpicam or fake)", c.Camera.Driver))
	}
	check(c.Camera.Index >= 0, "camera.index must not be negative")

	return errors.Join(errs...)
}

// CameraSettings converts the file layout to the controller's settings.
func (c *Config) CameraSettings() camera.Settings {
	return camera.Settings{
		Stream: camera.Mode{
			Width:  c.Stream.Width,
			Height: c.Stream.Height,
			FPS:    c.Stream.FPS,
		},
		Quality:   c.Stream.Quality,
		Autofocus: c.AutofocusMode,
		Snapshot: camera.Mode{
			Width:  c.Snapshot.Width,
			Height: c.Snapshot.Height,
			Still:  true,
		},
		Warmup:       c.Snapshot.Warmup,
		MaxSnapshots: c.Snapshot.MaxConcurrent,
	}
}

// RpicamConfig returns the driver settings for real hardware.
func (c *Config) RpicamConfig() camera.RpicamConfig {
	return camera.RpicamConfig{
		Index:        c.Camera.Index,
		VidBinary:    c.Camera.VidBinary,
		StillBinary:  c.Camera.StillBinary,
		ListBinary:   c.Camera.ListBinary,
		StartTimeout: c.Camera.StartTimeout,
		MaxFrameSize: c.Camera.MaxFrameSize,
	}
}
