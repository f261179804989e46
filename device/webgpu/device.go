// Package webgpu implements a compute device on top of WebGPU. Kernels are
// compiled from the WGSL source of each program entry; buffer arguments bind
// to consecutive storage bindings of group 0 and scalar arguments are packed
// into a uniform block bound right after them.
package webgpu

import (
	"fmt"
	"sync"

	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/log"
	"github.com/cogentcore/webgpu/wgpu"
)

// Storage bindings needed by the widest builder kernel.
const minStorageBuffersPerStage = 16

// Adapter selection options.
type Options struct {
	LowPower             bool
	ForceFallbackAdapter bool
}

// Adapter details reported by ListAdapters.
type AdapterInfo struct {
	Name    string
	Driver  string
	Type    string
	Backend string
}

func newAdapterInfo(info wgpu.AdapterInfo) AdapterInfo {
	return AdapterInfo{
		Name:    info.Name,
		Driver:  info.DriverDescription,
		Type:    info.AdapterType.String(),
		Backend: info.BackendType.String(),
	}
}

// List the adapters exposed by the system WebGPU implementation.
func ListAdapters() []AdapterInfo {
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	var list []AdapterInfo
	for _, adapter := range instance.EnumerateAdapters(nil) {
		list = append(list, newAdapterInfo(adapter.GetInfo()))
		adapter.Release()
	}
	return list
}

type Device struct {
	name   string
	logger log.Logger

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     AdapterInfo

	mu      sync.Mutex
	sources map[string]device.KernelSource
	kernels map[string]*pipeline
	stats   device.Stats
}

// A compiled kernel.
type pipeline struct {
	module   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
}

func (p *pipeline) release() {
	p.layout.Release()
	p.pipeline.Release()
	p.module.Release()
}

// Request an adapter and open a device on it.
func New(name string, opts Options) (*Device, error) {
	instance := wgpu.CreateInstance(nil)

	power := wgpu.PowerPreferenceHighPerformance
	if opts.LowPower {
		power = wgpu.PowerPreferenceLowPower
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference:      power,
		ForceFallbackAdapter: opts.ForceFallbackAdapter,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu device (%s): could not request adapter: %w", name, err)
	}

	limits := wgpu.DefaultLimits()
	limits.MaxStorageBuffersPerShaderStage = minStorageBuffersPerStage
	dev, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:          name,
		RequiredLimits: &wgpu.RequiredLimits{Limits: limits},
	})
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu device (%s): could not request device: %w", name, err)
	}

	d := &Device{
		name:     name,
		logger:   log.New("webgpu device"),
		instance: instance,
		adapter:  adapter,
		device:   dev,
		queue:    dev.GetQueue(),
		info:     newAdapterInfo(adapter.GetInfo()),
		sources:  make(map[string]device.KernelSource),
		kernels:  make(map[string]*pipeline),
	}
	d.logger.Infof("using adapter %q (%s, %s)", d.info.Name, d.info.Type, d.info.Backend)
	return d, nil
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Type() device.DeviceType {
	if d.info.Type == "CPU" {
		return device.CpuDevice
	}
	return device.GpuDevice
}

// Implements Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("Name: %s\nType: %s\nAdapter: %s\nDriver: %s\nBackend: %s", d.name, d.Type(), d.info.Name, d.info.Driver, d.info.Backend)
}

// Register program kernels. Shaders are compiled the first time a kernel is
// requested.
func (d *Device) Load(prog *device.Program) error {
	if prog == nil {
		return fmt.Errorf("webgpu device (%s): nil program", d.name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for name, src := range prog.Kernels {
		if existing, exists := d.kernels[name]; exists {
			existing.release()
			delete(d.kernels, name)
		}
		d.sources[name] = src
	}
	return nil
}

// Lookup a kernel by name, compiling its pipeline if needed.
func (d *Device) Kernel(name string) (device.Kernel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	src, exists := d.sources[name]
	if !exists {
		return nil, fmt.Errorf("webgpu device (%s): %w: %s", d.name, device.ErrUnknownKernel, name)
	}
	if src.WGSL == "" {
		return nil, fmt.Errorf("webgpu device (%s): %w: %s", d.name, device.ErrNoShader, name)
	}

	pl, exists := d.kernels[name]
	if !exists {
		var err error
		if pl, err = d.compile(name, src.WGSL); err != nil {
			return nil, err
		}
		d.kernels[name] = pl
	}
	return &Kernel{device: d, name: name, pipeline: pl}, nil
}

func (d *Device) compile(name, code string) (*pipeline, error) {
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu device (%s): could not compile kernel %s: %w", d.name, name, err)
	}

	// A nil layout lets the implementation derive it from the shader.
	cp, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: name,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		module.Release()
		return nil, fmt.Errorf("webgpu device (%s): could not create pipeline for kernel %s: %w", d.name, name, err)
	}

	d.logger.Debugf("compiled kernel %s", name)
	return &pipeline{module: module, pipeline: cp, layout: cp.GetBindGroupLayout(0)}, nil
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
	defer d.mu.Unlock()

	for _, pl := range d.kernels {
		pl.release()
	}
	d.kernels = make(map[string]*pipeline)
	d.sources = make(map[string]device.KernelSource)

	if d.device == nil {
		return
	}
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	d.device = nil
}

func (d *Device) updateStats(fn func(s *device.Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

// Block until all submitted work completes.
func (d *Device) wait() {
	d.device.Poll(true, nil)
}

// Encode and submit a standalone command buffer and wait for it.
func (d *Device) submitAndWait(encode func(enc *wgpu.CommandEncoder) error) error {
	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	defer enc.Release()

	if err = encode(enc); err != nil {
		return err
	}

	cmdBuf, err := enc.Finish(nil)
	if err != nil {
		return err
	}
	defer cmdBuf.Release()

	d.queue.Submit(cmdBuf)
	d.wait()
	return nil
}
