// Package config loads builder and device settings from TOML files.
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/achilleasa/gpubvh/log"
	"github.com/pelletier/go-toml/v2"
)

// Supported device backends.
const (
	BackendCPU    = "cpu"
	BackendWebGPU = "webgpu"
)

type Log struct {
	Level string `toml:"level"`
}

type Device struct {
	// Either "cpu" or "webgpu".
	Backend string `toml:"backend"`

	// Number of workgroups the cpu backend executes concurrently.
	Workers int `toml:"workers"`

	// Randomize workgroup and invocation order on the cpu backend.
	Shuffle bool  `toml:"shuffle"`
	Seed    int64 `toml:"seed"`
}

type Builder struct {
	// Triangles per BVH leaf cluster.
	ClusterSize uint32 `toml:"cluster_size"`

	// Read back and validate the hierarchy after every build.
	Validate bool `toml:"validate"`
}

type Atlas struct {
	MaxSize int `toml:"max_size"`
	Border  int `toml:"border"`
}

type Config struct {
	Log     Log     `toml:"log"`
	Device  Device  `toml:"device"`
	Builder Builder `toml:"builder"`
	Atlas   Atlas   `toml:"atlas"`
}

// Get the default configuration.
func Default() Config {
	return Config{
		Log: Log{Level: "notice"},
		Device: Device{
			Backend: BackendCPU,
			Workers: runtime.NumCPU(),
		},
		Builder: Builder{
			ClusterSize: 1,
		},
		Atlas: Atlas{
			MaxSize: 16384,
			Border:  1,
		},
	}
}

// Load a TOML config file. Settings missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	if err = toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: could not parse %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Check config values for consistency.
func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch c.Device.Backend {
	case BackendCPU, BackendWebGPU:
	default:
		return fmt.Errorf("config: unsupported device backend %q", c.Device.Backend)
	}

	if c.Device.Workers < 0 {
		return fmt.Errorf("config: device workers must be >= 0; got %d", c.Device.Workers)
	}

	if c.Builder.ClusterSize == 0 {
		return fmt.Errorf("config: builder cluster_size must be > 0")
	}

	if c.Atlas.MaxSize <= 0 {
		return fmt.Errorf("config: atlas max_size must be > 0; got %d", c.Atlas.MaxSize)
	}

	// Samplers wrap across the border, so every texture needs at least one
	// texel of it.
	if c.Atlas.Border < 1 || 2*c.Atlas.Border >= c.Atlas.MaxSize {
		return fmt.Errorf("config: atlas border must be in [1, max_size/2); got %d", c.Atlas.Border)
	}

	return nil
}

// Serialize config to TOML.
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}
