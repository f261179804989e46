package bvh

import (
	"fmt"
	"math"

	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/gpusort"
	"github.com/achilleasa/gpubvh/scene"
	"github.com/achilleasa/gpubvh/types"
	"github.com/go-gl/mathgl/mgl32"
)

// An object instance that takes part in a build.
type Instance struct {
	Object *scene.Object

	// Position in the instance table.
	Index uint32

	Triangles uint32
	Clusters  uint32

	mesh *meshBuffers
}

// The host-side state of a single build.
type Frame struct {
	Scene *scene.Scene

	// Instances with at least one triangle.
	Instances []Instance

	// Totals computed on the host from the scene description.
	Triangles uint32
	Clusters  uint32

	// Quantization frame for morton codes.
	SceneBounds    types.AABB
	SceneInvExtent types.Vec3

	materialOffsets map[*scene.Object]uint32
}

// An alias for functions that record a stage of the build pipeline.
type PipelineStage func(b *Builder, cl device.CommandList, frame *Frame) error

// The list of stages that build the hierarchy, in execution order.
type Pipeline struct {
	// Clear counters and propagation flags. This stage always runs.
	Reset PipelineStage

	// Emit triangles and clusters for every instance.
	Classify PipelineStage

	// Sort cluster indices by morton code.
	Sort PipelineStage

	// Convert the cluster counter into indirect dispatch sizes.
	Kickoff PipelineStage

	// Initialize leaves and compute cluster cones.
	ClusterProcessor PipelineStage

	// Build internal nodes.
	Hierarchy PipelineStage

	// Refit bounds bottom-up.
	Propagate PipelineStage
}

func DefaultPipeline() *Pipeline {
	return &Pipeline{
		Reset:            ResetStage(),
		Classify:         ClassifyStage(),
		Sort:             SortStage(),
		Kickoff:          KickoffStage(),
		ClusterProcessor: ClusterProcessorStage(),
		Hierarchy:        HierarchyStage(),
		Propagate:        PropagateStage(),
	}
}

// Record the pipeline stages. An empty frame only records the reset stage.
func (p *Pipeline) record(b *Builder, cl device.CommandList, frame *Frame) error {
	stages := []struct {
		name  string
		stage PipelineStage
	}{
		{"Reset", p.Reset},
		{"Classify", p.Classify},
		{"Sort", p.Sort},
		{"Kickoff", p.Kickoff},
		{"Cluster Processor", p.ClusterProcessor},
		{"Hierarchy", p.Hierarchy},
		{"Propagate", p.Propagate},
	}
	if frame.Triangles == 0 {
		stages = stages[:1]
	}

	for _, s := range stages {
		if s.stage == nil {
			continue
		}
		cl.BeginEvent("BVH - " + s.name)
		err := s.stage(b, cl, frame)
		cl.EndEvent()
		if err != nil {
			return fmt.Errorf("%s stage: %w", s.name, err)
		}
	}
	return nil
}

// Zero the counters and the flags of every internal node.
func ResetStage() PipelineStage {
	return func(b *Builder, cl device.CommandList, frame *Frame) error {
		flags := b.buffers.Flags
		if b.capacity == 0 {
			flags = b.buffers.Empty
		}

		kernel := b.kernels[resetKernelType]
		if err := kernel.SetArgs(b.buffers.Counters, flags, b.capacity); err != nil {
			return err
		}

		threads := b.capacity
		if threads < counterWords {
			threads = counterWords
		}
		cl.Dispatch(kernel, device.GroupCount(threads, GroupSize))
		cl.Barrier(b.buffers.Counters, flags)
		return nil
	}
}

// Dispatch the classification kernel once per instance. Instances append to
// the same buffers so no barriers are needed between them.
func ClassifyStage() PipelineStage {
	return func(b *Builder, cl device.CommandList, frame *Frame) error {
		kernel := b.kernels[classifyKernelType]
		sceneMin := frame.SceneBounds.Min
		invExtent := frame.SceneInvExtent

		for _, inst := range frame.Instances {
			mb := inst.mesh
			err := kernel.SetArgs(
				b.buffers.Instances,
				mb.Indices,
				mb.Positions,
				mb.Normals,
				mb.UV0,
				mb.UV1,
				mb.Colors,
				mb.Subsets,
				b.buffers.Triangles,
				b.buffers.ClusterMorton,
				b.buffers.ClusterAABB,
				b.buffers.ClusterOffsets,
				b.buffers.Counters,
				inst.Index,
				mb.subsets,
				sceneMin[0], sceneMin[1], sceneMin[2],
				invExtent[0], invExtent[1], invExtent[2],
				b.cfg.ClusterSize,
			)
			if err != nil {
				return err
			}
			cl.Dispatch(kernel, device.GroupCount(inst.Clusters, GroupSize))
		}

		cl.Barrier(
			b.buffers.Counters,
			b.buffers.Triangles,
			b.buffers.ClusterMorton,
			b.buffers.ClusterAABB,
			b.buffers.ClusterOffsets,
		)
		return nil
	}
}

// Sort cluster slots by (morton code, primitive id). The live count is read
// from the cluster counter on the device.
func SortStage() PipelineStage {
	return func(b *Builder, cl device.CommandList, frame *Frame) error {
		return b.sorter.Sort(cl, b.capacity, b.buffers.Counters, counterClusters, gpusort.Keys{
			Keys:            b.buffers.ClusterMorton,
			Secondary:       b.buffers.ClusterOffsets,
			SecondaryStride: OffsetStride,
			SecondaryOffset: offPrimitiveID,
		}, b.buffers.ClusterIndex)
	}
}

// Write the indirect dispatch arguments for the remaining stages.
func KickoffStage() PipelineStage {
	return func(b *Builder, cl device.CommandList, frame *Frame) error {
		kernel := b.kernels[kickoffKernelType]
		if err := kernel.SetArgs(b.buffers.Counters, b.buffers.Args); err != nil {
			return err
		}
		cl.Dispatch(kernel, 1)
		cl.Barrier(b.buffers.Args)
		return nil
	}
}

// Initialize leaves in sorted order and compute cluster cones.
func ClusterProcessorStage() PipelineStage {
	return func(b *Builder, cl device.CommandList, frame *Frame) error {
		kernel := b.kernels[clusterProcessorKernelType]
		err := kernel.SetArgs(
			b.buffers.Args,
			b.buffers.ClusterIndex,
			b.buffers.ClusterMorton,
			b.buffers.ClusterOffsets,
			b.buffers.Triangles,
			b.buffers.ClusterAABB,
			b.buffers.SortedMorton,
			b.buffers.ClusterCones,
			b.buffers.Nodes,
			b.buffers.Parents,
		)
		if err != nil {
			return err
		}
		cl.DispatchIndirect(kernel, b.buffers.Args, argsClusterGroups*4)
		cl.Barrier(b.buffers.SortedMorton, b.buffers.ClusterCones, b.buffers.Nodes, b.buffers.Parents)
		return nil
	}
}

// Emit the internal nodes of the radix tree.
func HierarchyStage() PipelineStage {
	return func(b *Builder, cl device.CommandList, frame *Frame) error {
		kernel := b.kernels[hierarchyKernelType]
		if err := kernel.SetArgs(b.buffers.Args, b.buffers.SortedMorton, b.buffers.Nodes, b.buffers.Parents); err != nil {
			return err
		}
		cl.DispatchIndirect(kernel, b.buffers.Args, argsHierarchyGroups*4)
		cl.Barrier(b.buffers.Nodes, b.buffers.Parents)
		return nil
	}
}

// Propagate leaf bounds to the root.
func PropagateStage() PipelineStage {
	return func(b *Builder, cl device.CommandList, frame *Frame) error {
		kernel := b.kernels[propagateKernelType]
		err := kernel.SetArgs(
			b.buffers.Args,
			b.buffers.ClusterIndex,
			b.buffers.ClusterAABB,
			b.buffers.Nodes,
			b.buffers.Parents,
			b.buffers.Flags,
			b.buffers.AABBs,
		)
		if err != nil {
			return err
		}
		cl.DispatchIndirect(kernel, b.buffers.Args, argsClusterGroups*4)
		cl.Barrier(b.buffers.Flags, b.buffers.AABBs)
		return nil
	}
}

// Upload mesh streams and the instance table and compute the host-side
// totals of the frame.
func (b *Builder) prepareInstances(frame *Frame) error {
	for _, mb := range b.meshes {
		mb.used = false
	}

	scn := frame.Scene
	var records []uint32
	var primitiveOffset uint32
	for objIndex, obj := range scn.Objects {
		if obj.Mesh == nil || obj.Mesh.TriangleCount() == 0 {
			continue
		}

		mb, err := b.uploadMesh(obj.Mesh)
		if err != nil {
			return err
		}

		inst := Instance{
			Object:    obj,
			Index:     uint32(len(frame.Instances)),
			Triangles: obj.Mesh.TriangleCount(),
			mesh:      mb,
		}
		inst.Clusters = (inst.Triangles + b.cfg.ClusterSize - 1) / b.cfg.ClusterSize
		frame.Instances = append(frame.Instances, inst)
		frame.Clusters += inst.Clusters

		records = append(records, encodeInstance(obj, uint32(objIndex), frame.materialOffsets[obj], primitiveOffset, mb)...)
		primitiveOffset += inst.Triangles
	}
	frame.SceneBounds = scn.Bounds()
	frame.SceneInvExtent = inverseExtent(frame.SceneBounds)

	for mesh, mb := range b.meshes {
		if !mb.used {
			mb.Release()
			delete(b.meshes, mesh)
		}
	}

	if len(records) == 0 {
		return nil
	}
	return b.buffers.Instances.AllocateAndWriteData(records, device.UsageStorage)
}

// Build the instance record of an object.
func encodeInstance(obj *scene.Object, objIndex, materialOffset, primitiveOffset uint32, mb *meshBuffers) []uint32 {
	rec := make([]uint32, InstanceStride)
	putFloat := func(offset int, v float32) {
		rec[offset] = math.Float32bits(v)
	}

	for row := 0; row < 3; row++ {
		for col := 0; col < 4; col++ {
			putFloat(instWorld+row*4+col, obj.Transform.At(row, col))
		}
	}

	normalMat := obj.Transform.Mat3().Inv().Transpose()
	if normalMat == (mgl32.Mat3{}) {
		// Singular transform; fall back to the upper 3x3 block.
		normalMat = obj.Transform.Mat3()
	}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			putFloat(instNormal+row*3+col, normalMat.At(row, col))
		}
	}

	rec[instMaterialOffset] = materialOffset
	rec[instPrimitiveOffset] = primitiveOffset
	rec[instTriangleCount] = obj.Mesh.TriangleCount()
	rec[instFlags] = mb.attrFlags
	rec[instColor] = obj.Color.PackRGBA8()
	rec[instObject] = objIndex
	return rec
}

// Get the device streams of a mesh, uploading them if the mesh is new or
// has been touched since the last upload.
func (b *Builder) uploadMesh(mesh *scene.Mesh) (*meshBuffers, error) {
	if mb, exists := b.meshes[mesh]; exists && mb.version == mesh.Version() {
		mb.used = true
		return mb, nil
	} else if exists {
		mb.Release()
	}

	mb := &meshBuffers{
		version:   mesh.Version(),
		used:      true,
		empty:     b.buffers.Empty,
		Normals:   b.buffers.Empty,
		UV0:       b.buffers.Empty,
		UV1:       b.buffers.Empty,
		Colors:    b.buffers.Empty,
		Subsets:   b.buffers.Empty,
		Indices:   b.dev.Buffer(fmt.Sprintf("mesh %s: indices", mesh.Name)),
		Positions: b.dev.Buffer(fmt.Sprintf("mesh %s: positions", mesh.Name)),
	}

	upload := func(target *device.Buffer, stream string, data interface{}, flag uint32) error {
		if *target == b.buffers.Empty {
			*target = b.dev.Buffer(fmt.Sprintf("mesh %s: %s", mesh.Name, stream))
		}
		if err := (*target).AllocateAndWriteData(data, device.UsageStorage); err != nil {
			return fmt.Errorf("could not upload %s of mesh %q: %w", stream, mesh.Name, err)
		}
		mb.attrFlags |= flag
		return nil
	}

	err := upload(&mb.Indices, "indices", mesh.Indices, 0)
	if err == nil {
		err = upload(&mb.Positions, "positions", mesh.Positions, 0)
	}
	if err == nil && len(mesh.Normals) > 0 {
		err = upload(&mb.Normals, "normals", mesh.Normals, attrNormals)
	}
	if err == nil && len(mesh.UV0) > 0 {
		err = upload(&mb.UV0, "uv0", mesh.UV0, attrUV0)
	}
	if err == nil && len(mesh.UV1) > 0 {
		err = upload(&mb.UV1, "uv1", mesh.UV1, attrUV1)
	}
	if err == nil && len(mesh.Colors) > 0 {
		err = upload(&mb.Colors, "colors", mesh.Colors, attrColors)
	}
	if err == nil && len(mesh.Subsets) > 0 {
		words := make([]uint32, 0, SubsetStride*len(mesh.Subsets))
		for _, subset := range mesh.Subsets {
			words = append(words, subset.IndexOffset, subset.IndexCount)
		}
		err = upload(&mb.Subsets, "subsets", words, 0)
		mb.subsets = uint32(len(mesh.Subsets))
	}
	if err != nil {
		mb.Release()
		delete(b.meshes, mesh)
		return nil, err
	}

	b.meshes[mesh] = mb
	return mb, nil
}
