package bvh

import (
	"fmt"
	"math"
	"time"

	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/types"
	"github.com/chewxy/math32"
)

// Build statistics.
type BuildStats struct {
	Triangles uint32
	Clusters  uint32

	// Capacity after the build and whether it grew.
	Capacity uint32
	Grew     bool

	AtlasRepacked bool

	// Wall time including material updates and uploads.
	Duration time.Duration

	// Per-stage timings reported by the device.
	Timings []device.Timing
}

type Cone struct {
	Apex types.Vec3

	// Zero if the cluster cannot be culled.
	Axis types.Vec3

	// Sine of the cone half-angle.
	Cutoff float32

	TriangleCount uint32
}

type Cluster struct {
	Morton uint64
	AABB   types.AABB

	TriangleOffset uint32
	TriangleCount  uint32
	PrimitiveID    uint32
	Object         uint32

	Cone Cone
}

type Triangle struct {
	Positions     [3]types.Vec3
	Normals       [3]types.Vec3
	UV0           [3]types.Vec2
	UV1           [3]types.Vec2
	Colors        [3]uint32
	Material      uint32
	Object        uint32
	InstanceColor uint32
}

// A host copy of the builder outputs.
type Snapshot struct {
	ClusterCount  uint32
	TriangleCount uint32

	// The first 2*ClusterCount-1 entries of the node buffers.
	Nodes   [][2]uint32
	AABBs   []types.AABB
	Parents []uint32

	// One entry per internal node.
	Flags []uint32

	// Cluster slot and key for each sorted position.
	ClusterIndex []uint32
	SortedMorton []uint64

	// Indexed by cluster slot.
	Clusters []Cluster

	Triangles []Triangle
}

func readWords(buf device.Buffer, words int) ([]uint32, error) {
	if words == 0 {
		return nil, nil
	}
	out := make([]uint32, words)
	if err := buf.ReadData(0, 0, words*4, out); err != nil {
		return nil, err
	}
	return out, nil
}

func wordsToVec3(w []uint32) types.Vec3 {
	return types.XYZ(math.Float32frombits(w[0]), math.Float32frombits(w[1]), math.Float32frombits(w[2]))
}

func wordsToAABB(w []uint32) types.AABB {
	return types.AABB{Min: wordsToVec3(w[0:3]), Max: wordsToVec3(w[3:6])}
}

// Read back the results of the last build. This blocks until the device
// buffers are available.
func (b *Builder) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{}
	if b.capacity == 0 {
		return snap, nil
	}

	counters, err := readWords(b.buffers.Counters, counterWords)
	if err != nil {
		return nil, fmt.Errorf("bvh builder: %w", err)
	}
	snap.ClusterCount, snap.TriangleCount = counters[counterClusters], counters[counterTriangles]
	if snap.ClusterCount > b.capacity || snap.TriangleCount > b.capacity {
		return nil, fmt.Errorf("bvh builder: counters (%d clusters, %d triangles) exceed capacity %d", snap.ClusterCount, snap.TriangleCount, b.capacity)
	}
	n := int(snap.ClusterCount)
	if n == 0 {
		return snap, nil
	}
	nodeCount := 2*n - 1

	var (
		nodes, aabbs, parents, flags, index, sorted   []uint32
		morton, clusterAABB, offsets, cones, triangles []uint32
	)
	for _, read := range []struct {
		dst   *[]uint32
		buf   device.Buffer
		words int
	}{
		{&nodes, b.buffers.Nodes, nodeCount * NodeStride},
		{&aabbs, b.buffers.AABBs, nodeCount * AABBStride},
		{&parents, b.buffers.Parents, nodeCount},
		{&flags, b.buffers.Flags, n - 1},
		{&index, b.buffers.ClusterIndex, n},
		{&sorted, b.buffers.SortedMorton, n * MortonStride},
		{&morton, b.buffers.ClusterMorton, n * MortonStride},
		{&clusterAABB, b.buffers.ClusterAABB, n * AABBStride},
		{&offsets, b.buffers.ClusterOffsets, n * OffsetStride},
		{&cones, b.buffers.ClusterCones, n * ConeStride},
		{&triangles, b.buffers.Triangles, int(snap.TriangleCount) * TriangleStride},
	} {
		if *read.dst, err = readWords(read.buf, read.words); err != nil {
			return nil, fmt.Errorf("bvh builder: %w", err)
		}
	}

	snap.Nodes = make([][2]uint32, nodeCount)
	snap.AABBs = make([]types.AABB, nodeCount)
	for i := 0; i < nodeCount; i++ {
		snap.Nodes[i] = [2]uint32{nodes[i*NodeStride], nodes[i*NodeStride+1]}
		snap.AABBs[i] = wordsToAABB(aabbs[i*AABBStride:])
	}
	snap.Parents = parents
	snap.Flags = flags
	snap.ClusterIndex = index

	snap.SortedMorton = make([]uint64, n)
	snap.Clusters = make([]Cluster, n)
	for i := 0; i < n; i++ {
		snap.SortedMorton[i] = uint64(sorted[2*i]) | uint64(sorted[2*i+1])<<32

		off := offsets[i*OffsetStride:]
		cone := cones[i*ConeStride:]
		snap.Clusters[i] = Cluster{
			Morton:         uint64(morton[2*i]) | uint64(morton[2*i+1])<<32,
			AABB:           wordsToAABB(clusterAABB[i*AABBStride:]),
			TriangleOffset: off[offTriangleOffset],
			TriangleCount:  off[offTriangleCount],
			PrimitiveID:    off[offPrimitiveID],
			Object:         off[offObject],
			Cone: Cone{
				Apex:          wordsToVec3(cone[coneApex:]),
				Axis:          wordsToVec3(cone[coneAxis:]),
				Cutoff:        math.Float32frombits(cone[coneCutoff]),
				TriangleCount: cone[coneTriCount],
			},
		}
	}

	snap.Triangles = make([]Triangle, snap.TriangleCount)
	for i := range snap.Triangles {
		w := triangles[i*TriangleStride : (i+1)*TriangleStride]
		tri := &snap.Triangles[i]
		for k := 0; k < 3; k++ {
			tri.Positions[k] = wordsToVec3(w[triPositions+3*k:])
			tri.Normals[k] = wordsToVec3(w[triNormals+3*k:])
			tri.UV0[k] = types.XY(math.Float32frombits(w[triUV0+2*k]), math.Float32frombits(w[triUV0+2*k+1]))
			tri.UV1[k] = types.XY(math.Float32frombits(w[triUV1+2*k]), math.Float32frombits(w[triUV1+2*k+1]))
			tri.Colors[k] = w[triColors+k]
		}
		tri.Material = w[triMaterial]
		tri.Object = w[triObject]
		tri.InstanceColor = w[triInstanceColor]
	}

	return snap, nil
}

// Index of the first leaf node.
func (s *Snapshot) LeafOffset() uint32 {
	if s.ClusterCount == 0 {
		return 0
	}
	return s.ClusterCount - 1
}

// Check whether a node index refers to a leaf.
func (s *Snapshot) IsLeaf(node uint32) bool {
	return node >= s.LeafOffset()
}

// Get the cluster slot stored in a leaf node.
func (s *Snapshot) LeafCluster(node uint32) uint32 {
	return s.ClusterIndex[node-s.LeafOffset()]
}

// The closest intersection found by a ray query.
type Hit struct {
	// Leaf node, cluster slot and triangle slot of the hit.
	Node     uint32
	Cluster  uint32
	Triangle uint32

	T    float32
	U, V float32
}

// Find the closest triangle hit along a ray with t in (0, tMax).
func (s *Snapshot) IntersectRay(origin, dir types.Vec3, tMax float32) (Hit, bool) {
	var hit Hit
	if s.ClusterCount == 0 {
		return hit, false
	}

	var invDir types.Vec3
	for axis := 0; axis < 3; axis++ {
		invDir[axis] = 1 / dir[axis]
	}

	found := false
	closest := tMax
	stack := []uint32{0}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := s.AABBs[node].IntersectRay(origin, invDir, closest); !ok {
			continue
		}

		if !s.IsLeaf(node) {
			stack = append(stack, s.Nodes[node][0], s.Nodes[node][1])
			continue
		}

		cluster := s.LeafCluster(node)
		c := s.Clusters[cluster]
		for tri := c.TriangleOffset; tri < c.TriangleOffset+c.TriangleCount; tri++ {
			t, u, v, ok := intersectTriangle(origin, dir, s.Triangles[tri].Positions)
			if !ok || t >= closest {
				continue
			}
			closest = t
			found = true
			hit = Hit{Node: node, Cluster: cluster, Triangle: tri, T: t, U: u, V: v}
		}
	}
	return hit, found
}

// Moller-Trumbore ray/triangle intersection.
func intersectTriangle(origin, dir types.Vec3, p [3]types.Vec3) (t, u, v float32, ok bool) {
	const epsilon = 1e-7

	e1 := p[1].Sub(p[0])
	e2 := p[2].Sub(p[0])
	pvec := dir.Cross(e2)
	det := e1.Dot(pvec)
	if math32.Abs(det) < epsilon {
		return 0, 0, 0, false
	}
	invDet := 1 / det

	tvec := origin.Sub(p[0])
	u = tvec.Dot(pvec) * invDet
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}

	qvec := tvec.Cross(e1)
	v = dir.Dot(qvec) * invDet
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}

	t = e2.Dot(qvec) * invDet
	if t <= 0 {
		return 0, 0, 0, false
	}
	return t, u, v, true
}
