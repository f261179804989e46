package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/achilleasa/gpubvh/bvh"
	"github.com/achilleasa/gpubvh/config"
	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/device/cpu"
	"github.com/achilleasa/gpubvh/device/webgpu"
	"github.com/achilleasa/gpubvh/types"
	"github.com/urfave/cli"
)

// Load the config file passed with --config (or the defaults) and apply
// command line overrides.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if backend := ctx.String("backend"); backend != "" {
		cfg.Device.Backend = backend
	}
	if ctx.Bool("validate") {
		cfg.Builder.Validate = true
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	setupLogging(ctx, cfg)
	return cfg, nil
}

// Open the configured device.
func openDevice(cfg config.Config) (device.Device, error) {
	switch cfg.Device.Backend {
	case config.BackendWebGPU:
		dev, err := webgpu.New("gpu", webgpu.Options{})
		if err != nil {
			return nil, err
		}
		return dev, nil
	default:
		return cpu.New("cpu", cpu.Options{
			Workers: cfg.Device.Workers,
			Shuffle: cfg.Device.Shuffle,
			Seed:    cfg.Device.Seed,
		}), nil
	}
}

func builderConfig(cfg config.Config) bvh.Config {
	return bvh.Config{
		ClusterSize:  cfg.Builder.ClusterSize,
		Validate:     cfg.Builder.Validate,
		AtlasMaxSize: cfg.Atlas.MaxSize,
		AtlasBorder:  cfg.Atlas.Border,
	}
}

// Parse a "x,y,z" flag value.
func parseVec3Flag(name, value string) (types.Vec3, error) {
	var v types.Vec3
	tokens := strings.Split(value, ",")
	if len(tokens) != 3 {
		return v, fmt.Errorf("flag --%s: expected x,y,z; got %q", name, value)
	}
	for i, token := range tokens {
		f, err := strconv.ParseFloat(strings.TrimSpace(token), 32)
		if err != nil {
			return v, fmt.Errorf("flag --%s: %w", name, err)
		}
		v[i] = float32(f)
	}
	return v, nil
}
