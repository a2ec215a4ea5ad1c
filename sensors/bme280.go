package sensors

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"
)

// DefaultBME280Address is the breakout board's address with SDO tied low.
const DefaultBME280Address = 0x76

// environment is the part of *bmxx80.Dev the reader needs.
type environment interface {
	Sense(env *physic.Env) error
	Halt() error
}

// BME280 reads temperature, humidity and pressure over I2C. The bus is
// opened on first use and kept open; a failed open is retried next read.
type BME280 struct {
	busName string
	addr    uint16

	mu  sync.Mutex
	bus i2c.BusCloser
	dev environment
}

// NewBME280 targets the sensor at addr on the named bus ("" for the default).
func NewBME280(busName string, addr uint16) *BME280 {
	if addr == 0 {
		addr = DefaultBME280Address
	}
	return &BME280{busName: busName, addr: addr}
}

func (b *BME280) open() error {
	if b.dev != nil {
		return nil
	}
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("periph host init: %w", err)
	}
	bus, err := i2creg.Open(b.busName)
	if err != nil {
		return fmt.Errorf("open i2c bus %q: %w", b.busName, err)
	}
	dev, err := bmxx80.NewI2C(bus, b.addr, &bmxx80.DefaultOpts)
	if err != nil {
		bus.Close()
		return fmt.Errorf("bme280 at 0x%02x: %w", b.addr, err)
	}
	b.bus, b.dev = bus, dev
	return nil
}

// Read implements Reader.
func (b *BME280) Read(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.open(); err != nil {
		return nil, err
	}

	var env physic.Env
	if err := b.dev.Sense(&env); err != nil {
		return nil, fmt.Errorf("bme280 sense: %w", err)
	}
	return envToMap(env), nil
}

// Close halts the sensor and releases the bus.
func (b *BME280) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return nil
	}
	_ = b.dev.Halt()
	err := b.bus.Close()
	b.dev, b.bus = nil, nil
	return err
}

func envToMap(env physic.Env) map[string]float64 {
	return map[string]float64{
		TemperatureC: round1(float64(env.Temperature-physic.ZeroCelsius) / float64(physic.Celsius)),
		HumidityPct:  round1(float64(env.Humidity) / float64(physic.PercentRH)),
		PressureHPa:  round1(float64(env.Pressure) / float64(100*physic.Pascal)),
	}
}
