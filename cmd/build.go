package cmd

import (
	"errors"

	"github.com/achilleasa/gpubvh/bvh"
	"github.com/achilleasa/gpubvh/scene/reader"
	"github.com/urfave/cli"
)

// Build the hierarchy for a scene one or more times and display timings.
func BuildScene(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	if ctx.NArg() != 1 {
		return errors.New("missing scene file argument")
	}

	logger.Noticef("loading scene: %s", ctx.Args().First())
	sc, err := reader.ReadScene(ctx.Args().First())
	if err != nil {
		return err
	}
	logger.Noticef("scene information:\n%s", sc.Stats())

	dev, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	builder, err := bvh.NewBuilder(dev, builderConfig(cfg))
	if err != nil {
		return err
	}
	defer builder.Close()

	frames := ctx.Int("frames")
	if frames < 1 {
		frames = 1
	}

	var stats []*bvh.BuildStats
	for frame := 0; frame < frames; frame++ {
		frameStats, err := builder.Build(sc)
		if err != nil {
			return err
		}
		stats = append(stats, frameStats)
	}

	if cfg.Builder.Validate {
		logger.Notice("hierarchy validation passed")
	}

	displayBuildStats(stats)
	displayDeviceStats(dev.Name(), dev.Stats())
	return nil
}
