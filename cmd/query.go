package cmd

import (
	"errors"

	"github.com/achilleasa/gpubvh/bvh"
	"github.com/achilleasa/gpubvh/scene/reader"
	"github.com/chewxy/math32"
	"github.com/urfave/cli"
)

// Build the hierarchy for a scene and trace a single ray through it.
func QueryRay(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	if ctx.NArg() != 1 {
		return errors.New("missing scene file argument")
	}

	origin, err := parseVec3Flag("origin", ctx.String("origin"))
	if err != nil {
		return err
	}
	dir, err := parseVec3Flag("dir", ctx.String("dir"))
	if err != nil {
		return err
	}
	if dir.Len() == 0 {
		return errors.New("ray direction must be non-zero")
	}
	dir = dir.Normalize()

	sc, err := reader.ReadScene(ctx.Args().First())
	if err != nil {
		return err
	}

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

	if _, err = builder.Build(sc); err != nil {
		return err
	}

	snap, err := builder.Snapshot()
	if err != nil {
		return err
	}

	hit, found := snap.IntersectRay(origin, dir, math32.MaxFloat32)
	if !found {
		logger.Noticef("ray %v -> %v: no hit", origin, dir)
		return nil
	}

	tri := snap.Triangles[hit.Triangle]
	objectName := "?"
	if int(tri.Object) < len(sc.Objects) {
		objectName = sc.Objects[tri.Object].Name
	}
	displayHit(hit, origin.Add(dir.Mul(hit.T)), objectName, tri.Material)
	return nil
}
