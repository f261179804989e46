// Package gpusort sorts an index buffer by 64-bit keys on a compute device.
// The number of live elements is read from a device buffer when the sort
// executes, so callers never have to read it back.
package gpusort

import (
	"fmt"

	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/log"
)

// Invocations per workgroup for all sort kernels.
const GroupSize = 64

// Kernel names.
const (
	KernelKickoff = "gpusort.kickoff"
	KernelInit    = "gpusort.init"
	KernelStep    = "gpusort.step"
)

// Word offsets into the indirect args buffer written by the kickoff kernel.
const (
	ArgsInitGroups  = 0
	ArgsStepGroups  = 3
	ArgsPaddedCount = 6
	ArgsCount       = 7
	argsWords       = 8
)

// The buffers that define the sort order. Element i is ordered by the 64-bit
// key stored as (lo, hi) words at Keys[2i], then by the word at
// Secondary[i*SecondaryStride + SecondaryOffset].
type Keys struct {
	Keys            device.Buffer
	Secondary       device.Buffer
	SecondaryStride uint32
	SecondaryOffset uint32
}

// A bitonic sorter bound to a device.
type Sorter struct {
	logger log.Logger

	kickoff device.Kernel
	init    device.Kernel
	step    device.Kernel

	// Indirect dispatch arguments produced by the kickoff kernel.
	args device.Buffer
}

// Create a sorter and load its kernels from prog. If prog is nil the
// default program is used.
func New(dev device.Device, prog *device.Program) (*Sorter, error) {
	if prog == nil {
		prog = Program()
	}
	if err := dev.Load(prog); err != nil {
		return nil, err
	}

	s := &Sorter{
		logger: log.New("gpu sort"),
		args:   dev.Buffer("gpuSortArgs"),
	}

	var err error
	for _, k := range []struct {
		name   string
		target *device.Kernel
	}{
		{KernelKickoff, &s.kickoff},
		{KernelInit, &s.init},
		{KernelStep, &s.step},
	} {
		if *k.target, err = dev.Kernel(k.name); err != nil {
			s.Close()
			return nil, fmt.Errorf("gpu sort: %w", err)
		}
	}

	if err = s.args.Allocate(argsWords*4, device.UsageStorage|device.UsageIndirect); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// The indirect args buffer.
func (s *Sorter) Args() device.Buffer {
	return s.args
}

// Record the commands that sort indices. The live element count is read
// from word counterWord of counter and is clamped to maxCount. Indices must
// hold at least NextPow2(maxCount) words; on completion its first count
// entries list element ids in ascending key order.
//
// Callers must place a barrier between the commands that produce counter or
// keys and this call.
func (s *Sorter) Sort(cl device.CommandList, maxCount uint32, counter device.Buffer, counterWord uint32, keys Keys, indices device.Buffer) error {
	if maxCount == 0 {
		return nil
	}

	padded := NextPow2(maxCount)
	if indices.Size() < int(padded)*4 {
		return fmt.Errorf("gpu sort: %w: index buffer %s holds %d bytes; need %d", device.ErrBufferTooSmall, indices.Name(), indices.Size(), padded*4)
	}
	if keys.SecondaryStride == 0 {
		return fmt.Errorf("gpu sort: secondary key stride must be > 0")
	}

	s.logger.Debugf("sorting up to %d keys in %d merge passes", maxCount, Passes(maxCount))

	cl.BeginEvent("gpusort")
	defer cl.EndEvent()

	if err := s.kickoff.SetArgs(counter, s.args, counterWord, maxCount); err != nil {
		return err
	}
	cl.Dispatch(s.kickoff, 1)
	cl.Barrier(s.args)

	if err := s.init.SetArgs(s.args, indices); err != nil {
		return err
	}
	cl.DispatchIndirect(s.init, s.args, ArgsInitGroups*4)
	cl.Barrier(indices)

	for k := uint32(2); k <= padded; k <<= 1 {
		for j := k >> 1; j > 0; j >>= 1 {
			if err := s.step.SetArgs(s.args, keys.Keys, keys.Secondary, indices, k, j, keys.SecondaryStride, keys.SecondaryOffset); err != nil {
				return err
			}
			cl.DispatchIndirect(s.step, s.args, ArgsStepGroups*4)
			cl.Barrier(indices)
		}
	}

	return nil
}

// Release device resources.
func (s *Sorter) Close() {
	for _, k := range []device.Kernel{s.kickoff, s.init, s.step} {
		if k != nil {
			k.Release()
		}
	}
	if s.args != nil {
		s.args.Release()
	}
}

// Get the number of bitonic merge passes needed for maxCount elements.
func Passes(maxCount uint32) int {
	passes := 0
	for k := uint32(2); k <= NextPow2(maxCount); k <<= 1 {
		for j := k >> 1; j > 0; j >>= 1 {
			passes++
		}
	}
	return passes
}

// Round v up to the next power of two. NextPow2(0) is 0.
func NextPow2(v uint32) uint32 {
	if v == 0 {
		return 0
	}
	p := uint32(1)
	for p < v {
		p <<= 1
	}
	return p
}
