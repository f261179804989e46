package device

import (
	"fmt"
	"math"
)

// How a kernel accesses one of its arguments.
type Access uint8

const (
	// Read only.
	Read Access = iota

	// Read and/or write anywhere in the buffer.
	Write

	// Writes to atomically reserved, disjoint slots (and atomics on counters).
	// Back-to-back dispatches that only append to a buffer need no barrier
	// between them.
	Append
)

// A kernel's host implementation, executed once per invocation.
type HostFunc func(inv *Invocation)

type HostKernel struct {
	Func HostFunc

	// Invocations per workgroup.
	GroupSize uint32

	// Access mode for each argument; scalars are ignored.
	Access []Access
}

// Source bundle for one kernel. Backends use whichever representation they
// can execute.
type KernelSource struct {
	Host *HostKernel

	// WGSL compute shader with a "main" entry point.
	WGSL string
}

// A named collection of kernels that can be loaded into a device.
type Program struct {
	Name    string
	Kernels map[string]KernelSource
}

// Create an empty program.
func NewProgram(name string) *Program {
	return &Program{
		Name:    name,
		Kernels: make(map[string]KernelSource),
	}
}

// Register a kernel.
func (p *Program) Add(name string, src KernelSource) *Program {
	p.Kernels[name] = src
	return p
}

// Word-addressed view of a buffer that host kernels operate on. All accesses
// are atomic so invocations running on different goroutines can exchange data
// through memory.
type HostMemory interface {
	// Size in 32-bit words.
	Len() int

	Load(index int) uint32
	Store(index int, value uint32)

	// Atomically add delta and return the previous value.
	AtomicAdd(index int, delta uint32) uint32
}

// The execution context of a single host kernel invocation.
type Invocation struct {
	GlobalID  uint32
	LocalID   uint32
	GroupID   uint32
	GroupSize uint32

	args []interface{}
}

// Create an invocation bound to a resolved argument list. Buffer arguments
// must already be resolved to HostMemory.
func NewInvocation(args []interface{}, groupSize uint32) *Invocation {
	return &Invocation{args: args, GroupSize: groupSize}
}

// Set invocation ids.
func (inv *Invocation) Reset(groupID, localID uint32) {
	inv.GroupID = groupID
	inv.LocalID = localID
	inv.GlobalID = groupID*inv.GroupSize + localID
}

// Get a buffer argument.
func (inv *Invocation) Mem(arg int) HostMemory {
	if m, ok := inv.args[arg].(HostMemory); ok {
		return m
	}
	inv.Fault("argument %d is not a buffer", arg)
	return nil
}

// Get a uint32 argument.
func (inv *Invocation) Uint(arg int) uint32 {
	switch v := inv.args[arg].(type) {
	case uint32:
		return v
	case int32:
		return uint32(v)
	}
	inv.Fault("argument %d is not an integer", arg)
	return 0
}

// Get a float32 argument.
func (inv *Invocation) Float(arg int) float32 {
	if v, ok := inv.args[arg].(float32); ok {
		return v
	}
	inv.Fault("argument %d is not a float", arg)
	return 0
}

// Abort the dispatch. The device reports the fault from Submit.
func (inv *Invocation) Fault(format string, args ...interface{}) {
	panic(KernelFault{Msg: fmt.Sprintf(format, args...), GlobalID: inv.GlobalID})
}

// The panic payload raised by Invocation.Fault.
type KernelFault struct {
	Msg      string
	GlobalID uint32
}

func (f KernelFault) Error() string {
	return fmt.Sprintf("invocation %d: %s", f.GlobalID, f.Msg)
}

// Load a float stored as IEEE-754 bits.
func LoadFloat(m HostMemory, index int) float32 {
	return math.Float32frombits(m.Load(index))
}

// Store a float as IEEE-754 bits.
func StoreFloat(m HostMemory, index int, v float32) {
	m.Store(index, math.Float32bits(v))
}
