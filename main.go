package main

import (
	"fmt"
	"os"

	"github.com/achilleasa/gpubvh/cmd"
	"github.com/urfave/cli"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	configFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load settings from a TOML config file",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "device backend (cpu or webgpu); overrides the config file",
		},
	}

	app := cli.NewApp()
	app.Name = "gpubvh"
	app.Usage = "build bounding volume hierarchies for triangle scenes on compute devices"
	app.Version = "0.0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "build",
			Usage: "build the BVH for a scene and display build statistics",
			Description: `
Load a YAML scene description, pack its textures and materials and build a
clustered LBVH on the selected device.

With --frames the build is repeated to measure steady state timings once all
device buffers have been allocated.`,
			ArgsUsage: "scene.yaml",
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "frames, f",
					Value: 1,
					Usage: "number of builds to run",
				},
				cli.BoolFlag{
					Name:  "validate",
					Usage: "read back and validate the hierarchy after every build",
				},
			}, configFlags...),
			Action: cmd.BuildScene,
		},
		{
			Name:      "query",
			Usage:     "build the BVH for a scene and trace a ray through it",
			ArgsUsage: "scene.yaml",
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:  "origin",
					Value: "0,0,0",
					Usage: "ray origin as x,y,z",
				},
				cli.StringFlag{
					Name:  "dir",
					Value: "0,0,-1",
					Usage: "ray direction as x,y,z",
				},
				cli.BoolFlag{
					Name:  "validate",
					Usage: "validate the hierarchy before tracing",
				},
			}, configFlags...),
			Action: cmd.QueryRay,
		},
		{
			Name:      "scene-info",
			Usage:     "display scene statistics",
			ArgsUsage: "scene.yaml",
			Flags:     configFlags,
			Action:    cmd.ShowSceneInfo,
		},
		{
			Name:   "list-devices",
			Usage:  "list available compute devices",
			Flags:  configFlags,
			Action: cmd.ListDevices,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
