package cmd

import (
	"github.com/achilleasa/gpubvh/config"
	"github.com/achilleasa/gpubvh/log"
	"github.com/urfave/cli"
)

var logger = log.New("gpubvh")

// Apply the configured log level; the global -v/-vv flags take precedence.
func setupLogging(ctx *cli.Context, cfg config.Config) {
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}
