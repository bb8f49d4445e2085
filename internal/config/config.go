package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-lite/internal/cpu"
	"github.com/23skdu/longbow-lite/internal/device"
	"github.com/23skdu/longbow-lite/internal/optimizer"
	"github.com/23skdu/longbow-lite/internal/place"
	"github.com/23skdu/longbow-lite/internal/validate"
)

type Config struct {
	// Execution
	Threads   int
	PowerMode string
	Hblock    int // 0 keeps the detected value

	// Optimizer. Empty Passes runs the default pipeline; empty Places uses
	// the places the device supports.
	Passes    []string
	Places    []string
	FloatOnly bool

	Tolerance validate.Tolerance

	Warmup  int
	Repeats int

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	Snapshot    string
}

func Default() Config {
	return Config{
		Threads:   1,
		PowerMode: "no_bind",
		Tolerance: validate.DefaultTolerance(),
		Warmup:    1,
		Repeats:   10,
		LogLevel:  "info",
		LogFormat: "console",
	}
}

func (c *Config) Validate() error {
	if c.Threads <= 0 {
		return fmt.Errorf("invalid threads: %d (must be positive)", c.Threads)
	}
	if _, err := cpu.ParsePowerMode(c.PowerMode); err != nil {
		return fmt.Errorf("invalid power_mode: %w", err)
	}
	if c.Hblock != 0 && c.Hblock != 4 && c.Hblock != 8 {
		return fmt.Errorf("invalid hblock: %d (must be 4 or 8)", c.Hblock)
	}
	for _, name := range c.Passes {
		if _, err := optimizer.Lookup(name); err != nil {
			return fmt.Errorf("invalid passes: %w", err)
		}
	}
	if _, err := c.ValidPlaces(device.Info{Target: place.TargetHost}); err != nil {
		return err
	}
	if c.Tolerance.Abs < 0 || c.Tolerance.Rel < 0 {
		return fmt.Errorf("invalid tolerance: abs %g, rel %g (must be non-negative)", c.Tolerance.Abs, c.Tolerance.Rel)
	}
	if c.Tolerance.Int8Fraction < 0 || c.Tolerance.Int8Fraction > 1 {
		return fmt.Errorf("invalid int8 mismatch fraction: %g (must be in [0, 1])", c.Tolerance.Int8Fraction)
	}
	if c.Warmup < 0 {
		return fmt.Errorf("invalid warmup: %d (must be non-negative)", c.Warmup)
	}
	if c.Repeats <= 0 {
		return fmt.Errorf("invalid repeats: %d (must be positive)", c.Repeats)
	}
	switch c.GetLogFormat() {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return nil
}

func (c *Config) GetLogFormat() string {
	return strings.ToLower(c.LogFormat)
}

// Mode parses PowerMode; call Validate first.
func (c *Config) Mode() cpu.PowerMode {
	m, _ := cpu.ParsePowerMode(c.PowerMode)
	return m
}

// ValidPlaces returns the configured places in order, or the ones info
// supports. FloatOnly drops int8 places from either list.
func (c *Config) ValidPlaces(info device.Info) ([]place.Place, error) {
	places := info.ValidPlaces()
	if len(c.Places) > 0 {
		var err error
		places, err = place.ParseList(strings.Join(c.Places, ","))
		if err != nil {
			return nil, fmt.Errorf("invalid places: %w", err)
		}
		if len(places) == 0 {
			return nil, fmt.Errorf("invalid places: %q names no place", c.Places)
		}
	}
	if !c.FloatOnly {
		return places, nil
	}
	var out []place.Place
	for _, p := range places {
		if p.Precision != place.PrecisionInt8 {
			out = append(out, p)
		}
	}
	return out, nil
}
