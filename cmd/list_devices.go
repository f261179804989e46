package cmd

import (
	"bytes"
	"fmt"
	"runtime"

	"github.com/achilleasa/gpubvh/device/webgpu"
	"github.com/urfave/cli"
)

// List available compute devices.
func ListDevices(ctx *cli.Context) error {
	if _, err := loadConfig(ctx); err != nil {
		return err
	}

	var storage []byte
	buf := bytes.NewBuffer(storage)

	buf.WriteString(fmt.Sprintf("\n[Backend cpu]\n  Workers %d\n\n", runtime.NumCPU()))

	adapters := webgpu.ListAdapters()
	buf.WriteString(fmt.Sprintf("[Backend webgpu]\n  Adapters %d\n\n", len(adapters)))
	for aIdx, info := range adapters {
		buf.WriteString(fmt.Sprintf("  [Adapter %02d]\n    Name    %s\n    Type    %s\n    Backend %s\n    Driver  %s\n\n", aIdx, info.Name, info.Type, info.Backend, info.Driver))
	}

	logger.Notice(buf.String())
	return nil
}
