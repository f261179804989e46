// Package bvh builds a linear bounding volume hierarchy over scene triangles
// on a compute device. Every stage runs on the device and the cluster count
// never travels back to the host while a build is recorded.
package bvh

import (
	"fmt"
	"time"

	"github.com/achilleasa/gpubvh/atlas"
	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/gpusort"
	"github.com/achilleasa/gpubvh/log"
	"github.com/achilleasa/gpubvh/scene"
)

type Config struct {
	// Triangles per leaf cluster. Defaults to 1.
	ClusterSize uint32

	// Read back and validate the hierarchy after every build.
	Validate bool

	// Atlas settings; zero values select the defaults. The border is at
	// least one texel.
	AtlasMaxSize int
	AtlasBorder  int
}

// Option customizes a builder.
type Option func(*Builder)

// Load the builder kernels from prog instead of the default program.
func WithProgram(prog *device.Program) Option {
	return func(b *Builder) {
		b.program = prog
	}
}

// Use an existing sorter instead of creating one. The builder does not
// close injected sorters.
func WithSorter(sorter *gpusort.Sorter) Option {
	return func(b *Builder) {
		b.sorter = sorter
		b.ownsSorter = false
	}
}

// Replace the stage pipeline.
func WithPipeline(pipeline *Pipeline) Option {
	return func(b *Builder) {
		b.pipeline = pipeline
	}
}

type Builder struct {
	logger log.Logger

	dev      device.Device
	cfg      Config
	program  *device.Program
	pipeline *Pipeline

	sorter     *gpusort.Sorter
	ownsSorter bool

	kernels []device.Kernel
	buffers *bufferSet
	atlas   *atlas.Atlas

	// Mesh stream cache.
	meshes map[*scene.Mesh]*meshBuffers

	// Capacity in triangles.
	capacity uint32

	// Descriptors written by the last material update.
	materialCount uint32
}

// Create a builder that records its pipeline on dev.
func NewBuilder(dev device.Device, cfg Config, opts ...Option) (*Builder, error) {
	if cfg.ClusterSize == 0 {
		cfg.ClusterSize = 1
	}
	if cfg.AtlasBorder <= 0 {
		cfg.AtlasBorder = 1
	}

	b := &Builder{
		logger:     log.New("bvh builder"),
		dev:        dev,
		cfg:        cfg,
		program:    Program(),
		pipeline:   DefaultPipeline(),
		ownsSorter: true,
		buffers:    newBufferSet(dev),
		atlas:      atlas.New(cfg.AtlasMaxSize, cfg.AtlasBorder),
		meshes:     make(map[*scene.Mesh]*meshBuffers),
	}
	for _, opt := range opts {
		opt(b)
	}

	var err error
	if err = dev.Load(b.program); err != nil {
		return nil, fmt.Errorf("bvh builder: %w", err)
	}

	b.kernels = make([]device.Kernel, numKernels)
	for kt := kernelType(0); kt < numKernels; kt++ {
		if b.kernels[kt], err = dev.Kernel(kt.String()); err != nil {
			b.Close()
			return nil, fmt.Errorf("bvh builder: %w", err)
		}
	}

	if b.sorter == nil {
		if b.sorter, err = gpusort.New(dev, nil); err != nil {
			b.Close()
			return nil, fmt.Errorf("bvh builder: %w", err)
		}
		b.ownsSorter = true
	}

	if err = b.buffers.allocateFixed(); err != nil {
		b.Close()
		return nil, fmt.Errorf("bvh builder: %w", err)
	}

	return b, nil
}

// Record, submit and optionally validate a full rebuild of the hierarchy for
// the given scene.
func (b *Builder) Build(scn *scene.Scene) (*BuildStats, error) {
	start := time.Now()
	stats := &BuildStats{}

	var err error
	frame := &Frame{Scene: scn}
	if stats.AtlasRepacked, frame.materialOffsets, err = b.UpdateGlobalMaterialResources(scn); err != nil {
		return nil, fmt.Errorf("bvh builder: material update failed: %w", err)
	}

	frame.Triangles = sceneTriangleCount(scn)
	if stats.Grew, err = b.ensureCapacity(frame.Triangles); err != nil {
		return nil, fmt.Errorf("bvh builder: could not grow capacity to %d triangles: %w", frame.Triangles, err)
	}

	if err = b.prepareInstances(frame); err != nil {
		return nil, fmt.Errorf("bvh builder: %w", err)
	}

	cl := b.dev.CommandList("bvh")
	if err = b.pipeline.record(b, cl, frame); err != nil {
		return nil, fmt.Errorf("bvh builder: %w", err)
	}

	if _, err = cl.Submit(); err != nil {
		return nil, fmt.Errorf("bvh builder: build failed: %w", err)
	}

	stats.Triangles = frame.Triangles
	stats.Clusters = frame.Clusters
	stats.Capacity = b.capacity
	stats.Timings = cl.Timings()
	stats.Duration = time.Since(start)
	b.logger.Debugf("built hierarchy for %d triangles in %d clusters in %s", stats.Triangles, stats.Clusters, stats.Duration)

	if b.cfg.Validate && frame.Clusters > 0 {
		if err = b.Validate(); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// Get the output resources in binding order.
func (b *Builder) Bind() ResourceSet {
	return ResourceSet{
		Materials:      b.buffers.Materials,
		Atlas:          b.buffers.Atlas,
		Triangles:      b.buffers.Triangles,
		ClusterCounter: b.buffers.Counters,
		ClusterIndex:   b.buffers.ClusterIndex,
		ClusterOffsets: b.buffers.ClusterOffsets,
		ClusterCones:   b.buffers.ClusterCones,
		Nodes:          b.buffers.Nodes,
		AABBs:          b.buffers.AABBs,
	}
}

// Release the capacity-sized buffers and the mesh cache. The next build
// reallocates them.
func (b *Builder) Clear() {
	b.buffers.ReleaseCapacity()
	b.capacity = 0
	for mesh, mb := range b.meshes {
		mb.Release()
		delete(b.meshes, mesh)
	}
}

// Release all resources.
func (b *Builder) Close() {
	if b.meshes != nil {
		b.Clear()
		b.meshes = nil
	}
	if b.buffers != nil {
		b.buffers.Release()
		b.buffers = nil
	}
	for _, k := range b.kernels {
		if k != nil {
			k.Release()
		}
	}
	b.kernels = nil
	if b.sorter != nil && b.ownsSorter {
		b.sorter.Close()
	}
	b.sorter = nil
}

// The resources consumed by ray queries. Field order matches the binding
// slots.
type ResourceSet struct {
	Materials      device.Buffer
	Atlas          device.Buffer
	Triangles      device.Buffer
	ClusterCounter device.Buffer
	ClusterIndex   device.Buffer
	ClusterOffsets device.Buffer
	ClusterCones   device.Buffer
	Nodes          device.Buffer
	AABBs          device.Buffer
}

// Get the resources as a slice indexed by the Slot* constants.
func (rs ResourceSet) Buffers() []device.Buffer {
	bufs := make([]device.Buffer, NumSlots)
	bufs[SlotMaterials] = rs.Materials
	bufs[SlotAtlas] = rs.Atlas
	bufs[SlotTriangles] = rs.Triangles
	bufs[SlotClusterCounter] = rs.ClusterCounter
	bufs[SlotClusterIndex] = rs.ClusterIndex
	bufs[SlotClusterOffsets] = rs.ClusterOffsets
	bufs[SlotClusterCones] = rs.ClusterCones
	bufs[SlotNodes] = rs.Nodes
	bufs[SlotAABBs] = rs.AABBs
	return bufs
}
