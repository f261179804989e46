// Package cpu implements a reference compute device that executes host
// kernels with GPU-like SIMT semantics. Workgroups of a dispatch run
// concurrently while invocations inside a workgroup run in order.
package cpu

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/log"
)

const defaultGroupSize = 64

// Scheduling options.
type Options struct {
	// Max workgroups in flight. Defaults to the number of CPUs.
	Workers int

	// Randomize the order in which workgroups are launched and the order
	// of invocations inside each workgroup.
	Shuffle bool
	Seed    int64
}

type Device struct {
	name   string
	opts   Options
	logger log.Logger

	mu      sync.Mutex
	kernels map[string]device.KernelSource
	stats   device.Stats

	// Source for shuffled schedules; guarded by mu.
	rng *rand.Rand
}

// Create a new cpu device.
func New(name string, opts Options) *Device {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Device{
		name:    name,
		opts:    opts,
		logger:  log.New("cpu device"),
		kernels: make(map[string]device.KernelSource),
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Type() device.DeviceType {
	return device.CpuDevice
}

// Implements Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("Name: %s\nType: %s\nWorkers: %d\nShuffle: %t", d.name, d.Type(), d.opts.Workers, d.opts.Shuffle)
}

// Register program kernels. Kernels registered by an earlier program with
// the same name are replaced.
func (d *Device) Load(prog *device.Program) error {
	if prog == nil {
		return fmt.Errorf("cpu device (%s): nil program", d.name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for name, src := range prog.Kernels {
		d.kernels[name] = src
	}
	return nil
}

// Lookup a kernel by name.
func (d *Device) Kernel(name string) (device.Kernel, error) {
	d.mu.Lock()
	src, exists := d.kernels[name]
	d.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("cpu device (%s): %w: %s", d.name, device.ErrUnknownKernel, name)
	}
	if src.Host == nil || src.Host.Func == nil {
		return nil, fmt.Errorf("cpu device (%s): %w: %s", d.name, device.ErrNoHostKernel, name)
	}

	host := *src.Host
	if host.GroupSize == 0 {
		host.GroupSize = defaultGroupSize
	}
	return &Kernel{device: d, name: name, host: &host}, nil
}

// Create a new unallocated buffer.
func (d *Device) Buffer(name string) device.Buffer {
	return &Buffer{device: d, name: name}
}

// Create a new command list.
func (d *Device) CommandList(name string) device.CommandList {
	return &CommandList{device: d, name: name}
}

func (d *Device) Stats() device.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Device) Close() {
	d.mu.Lock()
	d.kernels = make(map[string]device.KernelSource)
	d.mu.Unlock()
}

func (d *Device) updateStats(fn func(s *device.Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// Produce the launch order for n items.
func (d *Device) schedule(n uint32) ([]uint32, int64) {
	order := make([]uint32, n)
	for i := range order {
		order[i] = uint32(i)
	}
	if !d.opts.Shuffle {
		return order, 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order, d.rng.Int63()
}

func (d *Device) logFault(kernel string, stack []byte) {
	d.logger.Debugf("kernel %s panicked:\n%s", kernel, stack)
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
