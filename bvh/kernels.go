package bvh

import (
	"embed"
	"fmt"

	"github.com/achilleasa/gpubvh/device"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

type kernelType uint8

// The list of kernels that the builder dispatches.
const (
	resetKernelType kernelType = iota
	classifyKernelType
	kickoffKernelType
	clusterProcessorKernelType
	hierarchyKernelType
	propagateKernelType
	// a sentinel value used for allocating kernel slices
	numKernels
)

// Kernel names as registered with a device.
const (
	KernelReset            = "bvh.reset"
	KernelClassify         = "bvh.classify"
	KernelKickoff          = "bvh.kickoff"
	KernelClusterProcessor = "bvh.clusterProcessor"
	KernelHierarchy        = "bvh.hierarchy"
	KernelPropagate        = "bvh.propagate"
)

// Implements Stringer.
func (kt kernelType) String() string {
	switch kt {
	case resetKernelType:
		return KernelReset
	case classifyKernelType:
		return KernelClassify
	case kickoffKernelType:
		return KernelKickoff
	case clusterProcessorKernelType:
		return KernelClusterProcessor
	case hierarchyKernelType:
		return KernelHierarchy
	case propagateKernelType:
		return KernelPropagate
	}
	panic(fmt.Sprintf("bvh: unsupported kernel type %d", kt))
}

func mustShader(name string) string {
	src, err := shaderFS.ReadFile("shaders/" + name)
	if err != nil {
		panic(err)
	}
	return string(src)
}

// Get the builder program with host and WGSL implementations of every
// kernel.
func Program() *device.Program {
	const (
		r = device.Read
		w = device.Write
		a = device.Append
	)

	return device.NewProgram("bvh").
		Add(KernelReset, device.KernelSource{
			Host: &device.HostKernel{
				Func:      resetKernel,
				GroupSize: GroupSize,
				Access:    []device.Access{w, w},
			},
			WGSL: mustShader("bvh_reset.wgsl"),
		}).
		Add(KernelClassify, device.KernelSource{
			Host: &device.HostKernel{
				Func:      classifyKernel,
				GroupSize: GroupSize,
				Access:    []device.Access{r, r, r, r, r, r, r, r, a, a, a, a, a},
			},
			WGSL: mustShader("bvh_classify.wgsl"),
		}).
		Add(KernelKickoff, device.KernelSource{
			Host: &device.HostKernel{
				Func:      kickoffKernel,
				GroupSize: 1,
				Access:    []device.Access{r, w},
			},
			WGSL: mustShader("bvh_kickoff.wgsl"),
		}).
		Add(KernelClusterProcessor, device.KernelSource{
			Host: &device.HostKernel{
				Func:      clusterProcessorKernel,
				GroupSize: GroupSize,
				Access:    []device.Access{r, r, r, r, r, r, w, w, w, w},
			},
			WGSL: mustShader("bvh_cluster_processor.wgsl"),
		}).
		Add(KernelHierarchy, device.KernelSource{
			Host: &device.HostKernel{
				Func:      hierarchyKernel,
				GroupSize: GroupSize,
				Access:    []device.Access{r, r, w, w},
			},
			WGSL: mustShader("bvh_hierarchy.wgsl"),
		}).
		Add(KernelPropagate, device.KernelSource{
			Host: &device.HostKernel{
				Func:      propagateKernel,
				GroupSize: GroupSize,
				Access:    []device.Access{r, r, r, r, r, w, w},
			},
			WGSL: mustShader("bvh_propagate.wgsl"),
		})
}
