package webgpu

import (
	"fmt"
	"math"

	"github.com/achilleasa/gpubvh/device"
	"github.com/cogentcore/webgpu/wgpu"
)

// Uniform blocks are placed at offsets that satisfy the default
// minUniformBufferOffsetAlignment limit.
const uniformAlignment = 256

// A compiled WGSL kernel bound to a webgpu device.
type Kernel struct {
	device   *Device
	name     string
	pipeline *pipeline

	buffers []*Buffer
	scalars []uint32
}

func (k *Kernel) Name() string {
	return k.name
}

// Bind arguments to kernel. Buffers bind to @binding(0..n-1) in order and
// must precede all scalar arguments, which are packed into the uniform
// block at @binding(n).
func (k *Kernel) SetArgs(args ...interface{}) error {
	var (
		buffers []*Buffer
		scalars []uint32
	)
	for argIndex, arg := range args {
		switch v := arg.(type) {
		case *Buffer:
			if v.device != k.device {
				return fmt.Errorf("webgpu device (%s): could not set arg %d for kernel %s; buffer %s belongs to another device", k.device.name, argIndex, k.name, v.name)
			}
			if len(scalars) != 0 {
				return fmt.Errorf("webgpu device (%s): could not set arg %d for kernel %s; buffer arguments must precede scalars", k.device.name, argIndex, k.name)
			}
			buffers = append(buffers, v)
		case uint32:
			scalars = append(scalars, v)
		case int32:
			scalars = append(scalars, uint32(v))
		case float32:
			scalars = append(scalars, math.Float32bits(v))
		default:
			return fmt.Errorf(
				"webgpu device (%s): could not set arg %d for kernel %s; %w: %T",
				k.device.name,
				argIndex,
				k.name,
				device.ErrUnsupportedArg,
				arg,
			)
		}
	}

	k.buffers = buffers
	k.scalars = scalars
	return nil
}

func (k *Kernel) Release() {
	k.buffers = nil
	k.scalars = nil
}

// Size of the uniform binding for n scalar words. WGSL rounds uniform
// struct sizes up to 16 bytes.
func uniformBindingSize(words int) int {
	return (words*4 + 15) &^ 15
}

// Size of the uniform arena slot for n scalar words.
func uniformSlotSize(words int) int {
	return (uniformBindingSize(words) + uniformAlignment - 1) / uniformAlignment * uniformAlignment
}

// Create the bind group for a dispatch. The uniform arena is only used when
// the dispatch has scalar arguments.
func (k *Kernel) bindGroup(buffers []*Buffer, scalars int, uniforms *wgpu.Buffer, uniformOffset int) (*wgpu.BindGroup, error) {
	entries := make([]wgpu.BindGroupEntry, 0, len(buffers)+1)
	for binding, buf := range buffers {
		if buf.buffer == nil {
			return nil, fmt.Errorf("webgpu device (%s): kernel %s: arg %d (%s): %w", k.device.name, k.name, binding, buf.name, device.ErrNotAllocated)
		}
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: uint32(binding),
			Buffer:  buf.buffer,
			Offset:  0,
			Size:    wgpu.WholeSize,
		})
	}
	if scalars > 0 {
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: uint32(len(buffers)),
			Buffer:  uniforms,
			Offset:  uint64(uniformOffset),
			Size:    uint64(uniformBindingSize(scalars)),
		})
	}

	bg, err := k.device.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   k.name,
		Layout:  k.pipeline.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu device (%s): could not bind args for kernel %s: %w", k.device.name, k.name, err)
	}
	return bg, nil
}
