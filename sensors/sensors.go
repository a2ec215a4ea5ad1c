// Package sensors reads the grow tent's environmental sensors.
//
// Readings are best-effort: a missing or failing sensor yields an empty
// map, never an error, so health reporting keeps working without hardware.
package sensors

import (
	"context"
	"math"

	"go.uber.org/zap"
)

// Reading keys.
const (
	TemperatureC = "temperature_c"
	HumidityPct  = "humidity_pct"
	PressureHPa  = "pressure_hpa"
)

// Reader returns one set of readings.
type Reader interface {
	Read(ctx context.Context) (map[string]float64, error)
}

// Read calls r and swallows any failure. A nil reader reads as empty.
func Read(ctx context.Context, r Reader, logger *zap.Logger) map[string]float64 {
	if r == nil {
		return map[string]float64{}
	}
	values, err := r.Read(ctx)
	if err != nil {
		if logger != nil {
			logger.Debug("sensor read failed", zap.Error(err))
		}
		return map[string]float64{}
	}
	if values == nil {
		return map[string]float64{}
	}
	return values
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
