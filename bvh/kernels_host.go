package bvh

import (
	"math/bits"

	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/types"
	"github.com/chewxy/math32"
)

func loadVec3(m device.HostMemory, index int) types.Vec3 {
	return types.XYZ(device.LoadFloat(m, index), device.LoadFloat(m, index+1), device.LoadFloat(m, index+2))
}

func storeVec3(m device.HostMemory, index int, v types.Vec3) {
	device.StoreFloat(m, index, v[0])
	device.StoreFloat(m, index+1, v[1])
	device.StoreFloat(m, index+2, v[2])
}

func loadAABB(m device.HostMemory, record uint32) types.AABB {
	base := int(record) * AABBStride
	return types.AABB{Min: loadVec3(m, base), Max: loadVec3(m, base+3)}
}

func storeAABB(m device.HostMemory, record uint32, b types.AABB) {
	base := int(record) * AABBStride
	storeVec3(m, base, b.Min)
	storeVec3(m, base+3, b.Max)
}

func loadMorton(m device.HostMemory, record uint32) uint64 {
	base := int(record) * MortonStride
	return uint64(m.Load(base)) | uint64(m.Load(base+1))<<32
}

func storeMorton(m device.HostMemory, record uint32, code uint64) {
	base := int(record) * MortonStride
	m.Store(base, uint32(code))
	m.Store(base+1, uint32(code>>32))
}

// Normalize without the small-length cutoff used by types.Vec3 so that
// normals of tiny triangles survive.
func normalize(v types.Vec3) types.Vec3 {
	l := v.Len()
	if !(l > 0) {
		return types.Vec3{}
	}
	return v.Mul(1 / l)
}

// args: counters, flags, flagCount
func resetKernel(inv *device.Invocation) {
	counters, flags := inv.Mem(0), inv.Mem(1)
	flagCount := inv.Uint(2)

	i := inv.GlobalID
	if i < counterWords {
		counters.Store(int(i), 0)
	}
	if i < flagCount {
		flags.Store(int(i), 0)
	}
}

// args: instances, indices, positions, normals, uv0, uv1, colors, subsets,
// triangles, clusterMorton, clusterAABB, clusterOffsets, counters,
// instanceIndex, subsetCount, sceneMin xyz, sceneInvExtent xyz, clusterSize
func classifyKernel(inv *device.Invocation) {
	var (
		instances = inv.Mem(0)
		indices   = inv.Mem(1)
		positions = inv.Mem(2)
		normals   = inv.Mem(3)
		uv0       = inv.Mem(4)
		uv1       = inv.Mem(5)
		colors    = inv.Mem(6)
		subsets   = inv.Mem(7)
		triangles = inv.Mem(8)
		morton    = inv.Mem(9)
		aabbs     = inv.Mem(10)
		offsets   = inv.Mem(11)
		counters  = inv.Mem(12)

		instanceIndex  = inv.Uint(13)
		subsetCount    = inv.Uint(14)
		sceneMin       = types.XYZ(inv.Float(15), inv.Float(16), inv.Float(17))
		sceneInvExtent = types.XYZ(inv.Float(18), inv.Float(19), inv.Float(20))
		clusterSize    = inv.Uint(21)
	)

	inst := int(instanceIndex) * InstanceStride
	triCount := instances.Load(inst + instTriangleCount)
	clusterIndex := inv.GlobalID
	if clusterSize == 0 || clusterIndex >= (triCount+clusterSize-1)/clusterSize {
		return
	}

	var world [12]float32
	for i := range world {
		world[i] = device.LoadFloat(instances, inst+instWorld+i)
	}
	var normalMat [9]float32
	for i := range normalMat {
		normalMat[i] = device.LoadFloat(instances, inst+instNormal+i)
	}
	transformPoint := func(p types.Vec3) types.Vec3 {
		var out types.Vec3
		for row := 0; row < 3; row++ {
			r := world[row*4:]
			out[row] = r[0]*p[0] + r[1]*p[1] + r[2]*p[2] + r[3]
		}
		return out
	}
	transformNormal := func(n types.Vec3) types.Vec3 {
		var out types.Vec3
		for row := 0; row < 3; row++ {
			r := normalMat[row*3:]
			out[row] = r[0]*n[0] + r[1]*n[1] + r[2]*n[2]
		}
		return normalize(out)
	}

	materialOffset := instances.Load(inst + instMaterialOffset)
	primitiveOffset := instances.Load(inst + instPrimitiveOffset)
	attrFlags := instances.Load(inst + instFlags)
	instanceColor := instances.Load(inst + instColor)
	object := instances.Load(inst + instObject)

	first := clusterIndex * clusterSize
	count := triCount - first
	if count > clusterSize {
		count = clusterSize
	}

	triSlot := counters.AtomicAdd(counterTriangles, count)
	clusterSlot := counters.AtomicAdd(counterClusters, 1)

	bounds := types.EmptyAABB()
	for t := uint32(0); t < count; t++ {
		local := first + t
		var vi [3]uint32
		for k := range vi {
			vi[k] = indices.Load(int(3*local) + k)
		}

		var p [3]types.Vec3
		for k := range p {
			p[k] = transformPoint(loadVec3(positions, int(vi[k])*3))
			bounds = bounds.Extend(p[k])
		}
		geometric := normalize(p[1].Sub(p[0]).Cross(p[2].Sub(p[0])))

		dst := int(triSlot+t) * TriangleStride
		for k := 0; k < 3; k++ {
			storeVec3(triangles, dst+triPositions+3*k, p[k])

			n := geometric
			if attrFlags&attrNormals != 0 {
				if vn := transformNormal(loadVec3(normals, int(vi[k])*3)); vn != (types.Vec3{}) {
					n = vn
				}
			}
			storeVec3(triangles, dst+triNormals+3*k, n)

			var tc0, tc1 types.Vec2
			if attrFlags&attrUV0 != 0 {
				tc0 = types.XY(device.LoadFloat(uv0, int(vi[k])*2), device.LoadFloat(uv0, int(vi[k])*2+1))
			}
			if attrFlags&attrUV1 != 0 {
				tc1 = types.XY(device.LoadFloat(uv1, int(vi[k])*2), device.LoadFloat(uv1, int(vi[k])*2+1))
			}
			device.StoreFloat(triangles, dst+triUV0+2*k, tc0[0])
			device.StoreFloat(triangles, dst+triUV0+2*k+1, tc0[1])
			device.StoreFloat(triangles, dst+triUV1+2*k, tc1[0])
			device.StoreFloat(triangles, dst+triUV1+2*k+1, tc1[1])

			color := uint32(0xFFFFFFFF)
			if attrFlags&attrColors != 0 {
				color = colors.Load(int(vi[k]))
			}
			triangles.Store(dst+triColors+k, color)
		}

		// Find the subset that owns this triangle.
		material := materialOffset
		for s := uint32(0); s < subsetCount; s++ {
			offset, length := subsets.Load(int(s*SubsetStride)), subsets.Load(int(s*SubsetStride+1))
			if 3*local >= offset && 3*local < offset+length {
				material = materialOffset + s
				break
			}
		}
		triangles.Store(dst+triMaterial, material)
		triangles.Store(dst+triObject, object)
		triangles.Store(dst+triInstanceColor, instanceColor)
	}

	storeMorton(morton, clusterSlot, MortonCode(bounds.Center(), sceneMin, sceneInvExtent))
	storeAABB(aabbs, clusterSlot, bounds)

	off := int(clusterSlot) * OffsetStride
	offsets.Store(off+offTriangleOffset, triSlot)
	offsets.Store(off+offTriangleCount, count)
	offsets.Store(off+offPrimitiveID, primitiveOffset+first)
	offsets.Store(off+offObject, object)
}

// args: counters, bvhArgs
func kickoffKernel(inv *device.Invocation) {
	if inv.GlobalID != 0 {
		return
	}

	counters, args := inv.Mem(0), inv.Mem(1)
	count := counters.Load(counterClusters)

	internal := uint32(0)
	if count > 0 {
		internal = count - 1
	}

	args.Store(argsClusterGroups, device.GroupCount(count, GroupSize))
	args.Store(argsClusterGroups+1, 1)
	args.Store(argsClusterGroups+2, 1)
	args.Store(argsHierarchyGroups, device.GroupCount(internal, GroupSize))
	args.Store(argsHierarchyGroups+1, 1)
	args.Store(argsHierarchyGroups+2, 1)
	args.Store(argsCount, count)
}

// args: bvhArgs, clusterIndex, clusterMorton, clusterOffsets, triangles,
// clusterAABB, sortedMorton, cones, nodes, parents
func clusterProcessorKernel(inv *device.Invocation) {
	var (
		args         = inv.Mem(0)
		clusterIndex = inv.Mem(1)
		morton       = inv.Mem(2)
		offsets      = inv.Mem(3)
		triangles    = inv.Mem(4)
		aabbs        = inv.Mem(5)
		sortedMorton = inv.Mem(6)
		cones        = inv.Mem(7)
		nodes        = inv.Mem(8)
		parents      = inv.Mem(9)
	)

	count := args.Load(argsCount)
	i := inv.GlobalID
	if i >= count {
		return
	}
	leaf := count - 1 + i

	c := clusterIndex.Load(int(i))
	storeMorton(sortedMorton, i, loadMorton(morton, c))
	nodes.Store(int(leaf)*NodeStride, 0)
	nodes.Store(int(leaf)*NodeStride+1, 0)
	parents.Store(int(leaf), InvalidIndex)

	triOffset := offsets.Load(int(c)*OffsetStride + offTriangleOffset)
	triCount := offsets.Load(int(c)*OffsetStride + offTriangleCount)
	center := loadAABB(aabbs, c).Center()

	type face struct {
		p0, n types.Vec3
	}
	faces := make([]face, 0, triCount)
	var axis types.Vec3
	for t := uint32(0); t < triCount; t++ {
		base := int(triOffset+t) * TriangleStride
		p0 := loadVec3(triangles, base+triPositions)
		p1 := loadVec3(triangles, base+triPositions+3)
		p2 := loadVec3(triangles, base+triPositions+6)
		n := normalize(p1.Sub(p0).Cross(p2.Sub(p0)))
		if n == (types.Vec3{}) {
			continue
		}
		faces = append(faces, face{p0: p0, n: n})
		axis = axis.Add(n)
	}
	axis = normalize(axis)

	minDot := float32(1)
	for _, f := range faces {
		minDot = math32.Min(minDot, axis.Dot(f.n))
	}

	var apex types.Vec3
	cutoff := float32(1)
	if len(faces) == 0 || axis == (types.Vec3{}) || minDot <= 0.1 {
		axis = types.Vec3{}
	} else {
		cutoff = math32.Sqrt(1 - minDot*minDot)

		// Move the apex back far enough that every triangle plane lies in
		// front of it.
		maxT := float32(0)
		for _, f := range faces {
			maxT = math32.Max(maxT, center.Sub(f.p0).Dot(f.n)/axis.Dot(f.n))
		}
		apex = center.Sub(axis.Mul(maxT))
	}

	base := int(c) * ConeStride
	storeVec3(cones, base+coneApex, apex)
	storeVec3(cones, base+coneAxis, axis)
	device.StoreFloat(cones, base+coneCutoff, cutoff)
	cones.Store(base+coneTriCount, triCount)
}

// Length of the common key prefix of sorted leaves i and j, or -1 if j is
// out of range. Equal keys are disambiguated by their index.
func commonPrefix(sortedMorton device.HostMemory, count int64, i, j int64) int {
	if j < 0 || j >= count {
		return -1
	}
	ki, kj := loadMorton(sortedMorton, uint32(i)), loadMorton(sortedMorton, uint32(j))
	if ki != kj {
		return bits.LeadingZeros64(ki ^ kj)
	}
	return 64 + bits.LeadingZeros32(uint32(i)^uint32(j))
}

// args: bvhArgs, sortedMorton, nodes, parents
func hierarchyKernel(inv *device.Invocation) {
	args, sortedMorton, nodes, parents := inv.Mem(0), inv.Mem(1), inv.Mem(2), inv.Mem(3)

	count := int64(args.Load(argsCount))
	i := int64(inv.GlobalID)
	if count < 2 || i >= count-1 {
		return
	}
	leafOffset := count - 1
	delta := func(j int64) int { return commonPrefix(sortedMorton, count, i, j) }

	// Direction of the range covered by node i.
	d := int64(1)
	if delta(i+1) < delta(i-1) {
		d = -1
	}

	// Upper bound for the range length, then binary search for the other end.
	minPrefix := delta(i - d)
	maxLen := int64(2)
	for delta(i+maxLen*d) > minPrefix {
		maxLen *= 2
	}
	length := int64(0)
	for t := maxLen / 2; t >= 1; t /= 2 {
		if delta(i+(length+t)*d) > minPrefix {
			length += t
		}
	}
	j := i + length*d

	// Find the split position.
	nodePrefix := delta(j)
	split := int64(0)
	for t := length; ; {
		t = (t + 1) >> 1
		if delta(i+(split+t)*d) > nodePrefix {
			split += t
		}
		if t <= 1 {
			break
		}
	}
	gamma := i + split*d
	if d < 0 {
		gamma--
	}

	left, right := gamma, gamma+1
	if minInt64(i, j) == gamma {
		left += leafOffset
	}
	if maxInt64(i, j) == gamma+1 {
		right += leafOffset
	}

	nodes.Store(int(i)*NodeStride, uint32(left))
	nodes.Store(int(i)*NodeStride+1, uint32(right))
	parents.Store(int(left), uint32(i))
	parents.Store(int(right), uint32(i))
	if i == 0 {
		parents.Store(0, InvalidIndex)
	}
}

// args: bvhArgs, clusterIndex, clusterAABB, nodes, parents, flags, bvhAABB
func propagateKernel(inv *device.Invocation) {
	var (
		args         = inv.Mem(0)
		clusterIndex = inv.Mem(1)
		clusterAABB  = inv.Mem(2)
		nodes        = inv.Mem(3)
		parents      = inv.Mem(4)
		flags        = inv.Mem(5)
		bvhAABB      = inv.Mem(6)
	)

	count := args.Load(argsCount)
	i := inv.GlobalID
	if i >= count {
		return
	}

	node := count - 1 + i
	storeAABB(bvhAABB, node, loadAABB(clusterAABB, clusterIndex.Load(int(i))))

	for {
		parent := parents.Load(int(node))
		if parent == InvalidIndex {
			return
		}

		// The first child to arrive stops; the second one sees both
		// children complete.
		if flags.AtomicAdd(int(parent), 1) != 1 {
			return
		}

		left, right := nodes.Load(int(parent)*NodeStride), nodes.Load(int(parent)*NodeStride+1)
		storeAABB(bvhAABB, parent, loadAABB(bvhAABB, left).Union(loadAABB(bvhAABB, right)))
		node = parent
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
