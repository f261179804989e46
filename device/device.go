// Package device defines the compute device abstraction that the BVH builder
// records its pipeline against. Backends live in sub-packages.
package device

import (
	"errors"
	"fmt"
	"time"
)

type DeviceType uint8

// Supported device types.
const (
	CpuDevice   DeviceType = 1 << iota
	GpuDevice              = 1 << iota
	OtherDevice            = 1 << iota
	AllDevices             = 0xFF
)

func (dt DeviceType) String() string {
	switch dt {
	case CpuDevice:
		return "CPU"
	case GpuDevice:
		return "GPU"
	case OtherDevice:
		return "Other"
	}
	panic("device: unsupported device type")
}

// Errors reported by device backends.
var (
	ErrUnknownKernel  = errors.New("device: unknown kernel")
	ErrNoHostKernel   = errors.New("device: kernel has no host implementation")
	ErrNoShader       = errors.New("device: kernel has no shader source")
	ErrUnsupportedArg = errors.New("device: unsupported kernel argument")
	ErrNotAllocated   = errors.New("device: buffer not allocated")
	ErrBufferTooSmall = errors.New("device: insufficient buffer space")
	ErrMissingBarrier = errors.New("device: missing barrier between dependent dispatches")
	ErrKernelFault    = errors.New("device: kernel fault")
)

// Usage flags for buffer allocations. Every buffer can be bound as a storage
// buffer and copied to and from the host.
type Usage uint32

const (
	UsageStorage Usage = 1 << iota
	UsageIndirect
	UsageUniform
)

// A device-resident buffer.
type Buffer interface {
	Name() string

	// Allocated size in bytes.
	Size() int

	// Allocate a zero-filled buffer, releasing any previous allocation.
	Allocate(size int, usage Usage) error

	// Allocate a buffer large enough for data and copy data into it. Data
	// must be a non-empty slice of fixed-size elements.
	AllocateAndWriteData(data interface{}, usage Usage) error

	// Copy host data into the buffer starting at a byte offset.
	WriteData(data interface{}, offset int) error

	// Read size bytes starting at srcOffset into hostBuffer at dstOffset
	// bytes. If size is <= 0 the entire buffer is read.
	ReadData(srcOffset, dstOffset, size int, hostBuffer interface{}) error

	Release()
}

// A compute kernel. Arguments are captured by the command list when a
// dispatch is recorded, so a kernel can be re-bound between dispatches.
type Kernel interface {
	Name() string

	// Bind arguments. Supported types are Buffer, uint32, int32 and float32.
	SetArgs(args ...interface{}) error

	Release()
}

// Records commands for a single in-order submission.
type CommandList interface {
	// Open and close named profiling ranges.
	BeginEvent(name string)
	EndEvent()

	Dispatch(k Kernel, groupsX uint32)

	// Dispatch with group counts read from three consecutive words of args
	// at byteOffset when the command executes.
	DispatchIndirect(k Kernel, args Buffer, byteOffset int)

	// Make writes to the listed buffers visible to later commands. With no
	// arguments the barrier covers every buffer.
	Barrier(bufs ...Buffer)

	// Execute all recorded commands and wait for completion.
	Submit() (time.Duration, error)

	// Per-event timings from the last Submit.
	Timings() []Timing
}

// A profiling range and its measured duration.
type Timing struct {
	Name     string
	Duration time.Duration
}

// Counters exposed by devices.
type Stats struct {
	Dispatches         int
	IndirectDispatches int
	Barriers           int
	Submits            int
	Uploads            int
	Readbacks          int
}

type Device interface {
	Name() string
	Type() DeviceType

	// Register the kernels of a program with this device.
	Load(prog *Program) error

	// Lookup a loaded kernel by name.
	Kernel(name string) (Kernel, error)

	// Create a new unallocated buffer.
	Buffer(name string) Buffer

	CommandList(name string) CommandList

	Stats() Stats

	Close()
}

// Get the number of workgroups needed to cover count invocations.
func GroupCount(count, groupSize uint32) uint32 {
	if groupSize == 0 {
		panic(fmt.Sprintf("device: invalid group size %d", groupSize))
	}
	return (count + groupSize - 1) / groupSize
}
