package gpusort

import (
	"embed"

	"github.com/achilleasa/gpubvh/device"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

func mustShader(name string) string {
	src, err := shaderFS.ReadFile("shaders/" + name)
	if err != nil {
		panic(err)
	}
	return string(src)
}

// Get the sort program with host and WGSL implementations of every kernel.
func Program() *device.Program {
	return device.NewProgram("gpusort").
		Add(KernelKickoff, device.KernelSource{
			Host: &device.HostKernel{
				Func:      kickoff,
				GroupSize: 1,
				Access:    []device.Access{device.Read, device.Write},
			},
			WGSL: mustShader("sort_kickoff.wgsl"),
		}).
		Add(KernelInit, device.KernelSource{
			Host: &device.HostKernel{
				Func:      initIndices,
				GroupSize: GroupSize,
				Access:    []device.Access{device.Read, device.Write},
			},
			WGSL: mustShader("sort_init.wgsl"),
		}).
		Add(KernelStep, device.KernelSource{
			Host: &device.HostKernel{
				Func:      bitonicStep,
				GroupSize: GroupSize,
				Access:    []device.Access{device.Read, device.Read, device.Read, device.Write},
			},
			WGSL: mustShader("sort_step.wgsl"),
		})
}

// args: counter, sortArgs, counterWord, maxCount
func kickoff(inv *device.Invocation) {
	if inv.GlobalID != 0 {
		return
	}

	counter, args := inv.Mem(0), inv.Mem(1)
	count := counter.Load(int(inv.Uint(2)))
	if maxCount := inv.Uint(3); count > maxCount {
		count = maxCount
	}
	n := NextPow2(count)

	args.Store(ArgsInitGroups, device.GroupCount(n, GroupSize))
	args.Store(ArgsInitGroups+1, 1)
	args.Store(ArgsInitGroups+2, 1)
	args.Store(ArgsStepGroups, device.GroupCount(n/2, GroupSize))
	args.Store(ArgsStepGroups+1, 1)
	args.Store(ArgsStepGroups+2, 1)
	args.Store(ArgsPaddedCount, n)
	args.Store(ArgsCount, count)
}

// args: sortArgs, indices
func initIndices(inv *device.Invocation) {
	args, indices := inv.Mem(0), inv.Mem(1)
	if inv.GlobalID >= args.Load(ArgsPaddedCount) {
		return
	}
	indices.Store(int(inv.GlobalID), inv.GlobalID)
}

// args: sortArgs, keys, secondary, indices, k, j, secondaryStride, secondaryOffset
func bitonicStep(inv *device.Invocation) {
	args, keys, secondary, indices := inv.Mem(0), inv.Mem(1), inv.Mem(2), inv.Mem(3)
	k, j := inv.Uint(4), inv.Uint(5)
	stride, offset := inv.Uint(6), inv.Uint(7)

	n := args.Load(ArgsPaddedCount)
	count := args.Load(ArgsCount)

	i := inv.GlobalID
	if i >= n/2 {
		return
	}
	low := 2*j*(i/j) + i%j
	high := low + j
	if high >= n {
		return
	}

	less := func(a, b uint32) bool {
		// Padding compares as +inf.
		if a >= count {
			return false
		}
		if b >= count {
			return true
		}
		aHi, bHi := keys.Load(int(2*a+1)), keys.Load(int(2*b+1))
		if aHi != bHi {
			return aHi < bHi
		}
		aLo, bLo := keys.Load(int(2*a)), keys.Load(int(2*b))
		if aLo != bLo {
			return aLo < bLo
		}
		return secondary.Load(int(a*stride+offset)) < secondary.Load(int(b*stride+offset))
	}

	a, b := indices.Load(int(low)), indices.Load(int(high))
	ascending := low&k == 0
	if (ascending && less(b, a)) || (!ascending && less(a, b)) {
		indices.Store(int(low), b)
		indices.Store(int(high), a)
	}
}
