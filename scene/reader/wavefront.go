package reader

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/achilleasa/gpubvh/scene"
	"github.com/achilleasa/gpubvh/types"
)

// Key for de-duplicating face vertices. Indices are 0-based; -1 marks a
// missing uv or normal reference.
type faceVertex struct {
	v, vt, vn int
}

type wavefrontReader struct {
	loader *loader

	// The mesh being assembled.
	mesh *scene.Mesh

	// Materials defined by referenced material libraries.
	materials map[string]*scene.Material

	// Currently selected material and the index at which its subset starts.
	curMaterial *scene.Material
	subsetStart uint32

	// List of vertices, normals and uv coords.
	vertexList []types.Vec3
	normalList []types.Vec3
	uvList     []types.Vec2

	vertexMap  map[faceVertex]uint32
	hasNormals bool
	hasUVs     bool

	// An error stack that provides additional error information when
	// obj files include other files (models, mat libs e.t.c)
	errStack []string
}

func newWavefrontReader(l *loader, name string) *wavefrontReader {
	return &wavefrontReader{
		loader:     l,
		mesh:       &scene.Mesh{Name: name},
		materials:  make(map[string]*scene.Material),
		vertexList: make([]types.Vec3, 0),
		normalList: make([]types.Vec3, 0),
		uvList:     make([]types.Vec2, 0),
		vertexMap:  make(map[faceVertex]uint32),
		errStack:   make([]string, 0),
	}
}

// Read a mesh from a wavefront obj resource.
func (r *wavefrontReader) Read(res *resource) (*scene.Mesh, error) {
	r.loader.logger.Infof("parsing mesh from %s", res.Path())
	start := time.Now()

	if err := r.parse(res); err != nil {
		return nil, err
	}
	r.closeSubset()

	if !r.hasNormals {
		r.mesh.Normals = nil
	}
	if !r.hasUVs {
		r.mesh.UV0 = nil
	}

	if err := r.mesh.Validate(); err != nil {
		return nil, err
	}

	r.loader.logger.Infof("parsed %d triangles from %s in %d ms", r.mesh.TriangleCount(), res.Path(), time.Since(start).Nanoseconds()/1000000)
	return r.mesh, nil
}

// Generate an error message that also includes any data in the error stack.
func (r *wavefrontReader) emitError(file string, line int, msgFormat string, args ...interface{}) error {
	msg := fmt.Sprintf(msgFormat, args...)

	var errMsg string
	if file != "" {
		errMsg = strings.Trim(
			fmt.Sprintf("[%s: %d] error: %s\n%s", file, line, msg, strings.Join(r.errStack, "\n")),
			"\n",
		)
	} else {
		errMsg = strings.Trim(
			fmt.Sprintf("error: %s\n%s", msg, strings.Join(r.errStack, "\n")),
			"\n",
		)
	}

	return fmt.Errorf("%s", errMsg)
}

// Push a frame to the error stack.
func (r *wavefrontReader) pushFrame(msg string) {
	r.errStack = append([]string{msg}, r.errStack...)
}

// Pop a frame from the error stack.
func (r *wavefrontReader) popFrame() {
	r.errStack = r.errStack[1:]
}

// Terminate the subset for the current material.
func (r *wavefrontReader) closeSubset() {
	indexCount := uint32(len(r.mesh.Indices))
	if indexCount == r.subsetStart {
		return
	}

	mat := r.curMaterial
	if mat == nil {
		mat = r.defaultMaterial()
	}
	r.mesh.Subsets = append(r.mesh.Subsets, scene.Subset{
		Material:    mat,
		IndexOffset: r.subsetStart,
		IndexCount:  indexCount - r.subsetStart,
	})
	r.subsetStart = indexCount
}

// Get the material for faces not using one.
func (r *wavefrontReader) defaultMaterial() *scene.Material {
	mat, exists := r.materials[""]
	if !exists {
		mat = scene.DefaultMaterial()
		mat.BaseColor = types.XYZW(0.7, 0.7, 0.7, 1)
		r.materials[""] = mat
	}
	return mat
}

// Parse wavefront object format.
func (r *wavefrontReader) parse(res *resource) error {
	var lineNum int = 0

	scanner := bufio.NewScanner(res)
	for scanner.Scan() {
		lineNum++
		lineTokens := strings.Fields(scanner.Text())
		if len(lineTokens) == 0 || strings.HasPrefix(lineTokens[0], "#") {
			continue
		}

		switch lineTokens[0] {
		case "call", "mtllib":
			if len(lineTokens) != 2 {
				return r.emitError(res.Path(), lineNum, "unsupported syntax for '%s'; expected 1 argument; got %d", lineTokens[0], len(lineTokens)-1)
			}

			r.pushFrame(fmt.Sprintf("referenced from %s:%d [%s]", res.Path(), lineNum, lineTokens[0]))

			incRes, err := newResource(lineTokens[1], res)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}

			switch lineTokens[0] {
			case "call":
				err = r.parse(incRes)
			case "mtllib":
				err = r.parseMaterials(incRes)
			}
			incRes.Close()

			if err != nil {
				return err
			}
			r.popFrame()
		case "usemtl":
			if len(lineTokens) != 2 {
				return r.emitError(res.Path(), lineNum, "unsupported syntax for 'usemtl'; expected 1 argument; got %d", len(lineTokens)-1)
			}

			// Lookup material
			matName := lineTokens[1]
			mat, exists := r.materials[matName]
			if !exists {
				return r.emitError(res.Path(), lineNum, "undefined material with name '%s'", matName)
			}

			if mat != r.curMaterial {
				r.closeSubset()
				r.curMaterial = mat
			}
		case "v":
			v, err := parseVec3(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
			r.vertexList = append(r.vertexList, v)
		case "vn":
			v, err := parseVec3(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
			r.normalList = append(r.normalList, v)
		case "vt":
			v, err := parseVec2(lineTokens)
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
			r.uvList = append(r.uvList, v)
		case "f":
			if err := r.parseFace(lineTokens); err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return r.emitError(res.Path(), lineNum, "%s", err.Error())
	}
	return nil
}

// Parse face definition. Each face argument is comprised of 1, 2 or 3 indices
// separated by a slash character. The following formats are supported:
// - vertexIndex
// - vertexIndex/uvIndex
// - vertexIndex//normalIndex
// - vertexIndex/uvIndex/normalIndex
//
// Indices start from 1 and may be negative to indicate an offset off the end
// of the vertex/uv list. Faces with more than 3 vertices are triangulated as
// a fan around their first vertex.
func (r *wavefrontReader) parseFace(lineTokens []string) error {
	if len(lineTokens) < 4 {
		return fmt.Errorf("unsupported syntax for 'f'; expected at least 3 arguments; got %d", len(lineTokens)-1)
	}

	corners := make([]uint32, len(lineTokens)-1)
	expIndices := 0
	for arg := range corners {
		vTokens := strings.Split(lineTokens[arg+1], "/")

		// The first arg defines the format for the following args
		if arg == 0 {
			expIndices = len(vTokens)
		} else if len(vTokens) != expIndices {
			return fmt.Errorf("expected each face argument to contain %d indices; arg %d contains %d indices", expIndices, arg, len(vTokens))
		}
		if len(vTokens) > 3 {
			return fmt.Errorf("face argument %d contains %d indices; expected at most 3", arg, len(vTokens))
		}

		// Faces must at least define a vertex coord
		if vTokens[0] == "" {
			return fmt.Errorf("face argument %d does not include a vertex index", arg)
		}

		key := faceVertex{v: -1, vt: -1, vn: -1}
		var err error
		key.v, err = selectFaceCoordIndex(vTokens[0], len(r.vertexList))
		if err != nil {
			return fmt.Errorf("could not parse vertex coord for face argument %d: %s", arg, err.Error())
		}

		// Parse UV coords if specified
		if len(vTokens) > 1 && vTokens[1] != "" {
			key.vt, err = selectFaceCoordIndex(vTokens[1], len(r.uvList))
			if err != nil {
				return fmt.Errorf("could not parse tex coord for face argument %d: %s", arg, err.Error())
			}
		}

		// Parse normal coords if specified
		if len(vTokens) > 2 && vTokens[2] != "" {
			key.vn, err = selectFaceCoordIndex(vTokens[2], len(r.normalList))
			if err != nil {
				return fmt.Errorf("could not parse normal coord for face argument %d: %s", arg, err.Error())
			}
		}

		corners[arg] = r.vertexIndex(key)
	}

	for i := 1; i+1 < len(corners); i++ {
		r.mesh.Indices = append(r.mesh.Indices, corners[0], corners[i], corners[i+1])
	}
	return nil
}

// Get the mesh vertex for a face vertex reference, creating it if needed.
func (r *wavefrontReader) vertexIndex(key faceVertex) uint32 {
	if index, exists := r.vertexMap[key]; exists {
		return index
	}

	index := uint32(len(r.mesh.Positions))
	r.vertexMap[key] = index

	r.mesh.Positions = append(r.mesh.Positions, r.vertexList[key.v])

	var normal types.Vec3
	if key.vn >= 0 {
		normal = r.normalList[key.vn]
		r.hasNormals = true
	}
	r.mesh.Normals = append(r.mesh.Normals, normal)

	var uv types.Vec2
	if key.vt >= 0 {
		// Obj files use a bottom-left origin.
		uv = types.XY(r.uvList[key.vt][0], 1-r.uvList[key.vt][1])
		r.hasUVs = true
	}
	r.mesh.UV0 = append(r.mesh.UV0, uv)

	return index
}

// Parse a wavefront material library.
func (r *wavefrontReader) parseMaterials(res *resource) error {
	var lineNum int = 0
	var err error

	scanner := bufio.NewScanner(res)

	var curMaterial *scene.Material

	for scanner.Scan() {
		lineNum++
		lineTokens := strings.Fields(scanner.Text())
		if len(lineTokens) == 0 || strings.HasPrefix(lineTokens[0], "#") {
			continue
		}

		switch lineTokens[0] {
		case "newmtl":
			if len(lineTokens) != 2 {
				return r.emitError(res.Path(), lineNum, "unsupported syntax for 'newmtl'; expected 1 argument; got %d", len(lineTokens)-1)
			}

			matName := lineTokens[1]
			if _, exists := r.materials[matName]; exists {
				return r.emitError(res.Path(), lineNum, "material '%s' already defined", matName)
			}

			curMaterial = scene.DefaultMaterial()
			curMaterial.Name = matName
			r.materials[matName] = curMaterial
		default:
			if curMaterial == nil {
				return r.emitError(res.Path(), lineNum, "got '%s' without a 'newmtl'", lineTokens[0])
			}

			switch lineTokens[0] {
			case "Kd":
				var kd types.Vec3
				if kd, err = parseVec3(lineTokens); err == nil {
					curMaterial.BaseColor = kd.Vec4(curMaterial.BaseColor[3])
				}
			case "Ke":
				var ke types.Vec3
				if ke, err = parseVec3(lineTokens); err == nil {
					strength := ke.MaxComponent()
					if strength > 0 {
						curMaterial.EmissiveColor = ke.Mul(1 / strength).Vec4(strength)
					}
				}
			case "d":
				curMaterial.BaseColor[3], err = parseFloat32(lineTokens)
			case "Ni":
				curMaterial.RefractionIndex, err = parseFloat32(lineTokens)
			case "Nr", "Pr":
				curMaterial.Roughness, err = parseFloat32(lineTokens)
			case "Pm":
				curMaterial.Metalness, err = parseFloat32(lineTokens)
			case "map_Kd", "map_Pr", "map_Ke", "map_bump", "bump", "norm":
				var slot scene.TextureSlot
				switch lineTokens[0] {
				case "map_Kd":
					slot = scene.BaseColorMap
				case "map_Pr":
					slot = scene.SurfaceMap
				case "map_Ke":
					slot = scene.EmissiveMap
				default:
					slot = scene.NormalMap
				}

				if len(lineTokens) < 2 {
					return r.emitError(res.Path(), lineNum, "unsupported syntax for '%s'; expected 1 argument; got 0", lineTokens[0])
				}

				// Options may precede the file name; the path is always last.
				var tex *scene.Texture
				tex, err = r.loader.texture(lineTokens[len(lineTokens)-1], res)
				if err == nil && tex != nil {
					curMaterial.Textures[slot] = tex
				}
			}

			// Report any errors
			if err != nil {
				return r.emitError(res.Path(), lineNum, "%s", err.Error())
			}
		}
	}

	return scanner.Err()
}

// Given an index for a face coord type (vertex, normal, tex) calculate the
// proper offset into the coord list. Wavefront format can also use negative
// indices to reference elements from the end of the coord list.
func selectFaceCoordIndex(indexToken string, coordListLen int) (int, error) {
	index, err := strconv.ParseInt(indexToken, 10, 32)
	if err != nil {
		return -1, err
	}

	var vOffset int = 0
	if index < 0 {
		vOffset = coordListLen + int(index)
	} else {
		vOffset = int(index - 1)
	}
	if vOffset < 0 || vOffset >= coordListLen {
		return -1, fmt.Errorf("index out of bounds")
	}
	return vOffset, nil
}

// Parse a float scalar value.
func parseFloat32(lineTokens []string) (float32, error) {
	if len(lineTokens) < 2 {
		return 0, fmt.Errorf("unsupported syntax for '%s'; expected 1 argument; got %d", lineTokens[0], len(lineTokens)-1)
	}

	val, err := strconv.ParseFloat(lineTokens[1], 32)
	if err != nil {
		return 0, err
	}

	return float32(val), nil
}

// Parse a Vec3 row.
func parseVec3(lineTokens []string) (types.Vec3, error) {
	if len(lineTokens) < 4 {
		return types.Vec3{}, fmt.Errorf("unsupported syntax for '%s'; expected 3 arguments; got %d", lineTokens[0], len(lineTokens)-1)
	}

	v := types.Vec3{}
	for tokIdx := 1; tokIdx <= 3; tokIdx++ {
		coord, err := strconv.ParseFloat(lineTokens[tokIdx], 32)
		if err != nil {
			return v, err
		}
		v[tokIdx-1] = float32(coord)
	}
	return v, nil
}

// Parse a Vec2 row.
func parseVec2(lineTokens []string) (types.Vec2, error) {
	if len(lineTokens) < 3 {
		return types.Vec2{}, fmt.Errorf("unsupported syntax for '%s'; expected 2 arguments; got %d", lineTokens[0], len(lineTokens)-1)
	}

	v := types.Vec2{}
	for tokIdx := 1; tokIdx <= 2; tokIdx++ {
		coord, err := strconv.ParseFloat(lineTokens[tokIdx], 32)
		if err != nil {
			return v, err
		}
		v[tokIdx-1] = float32(coord)
	}
	return v, nil
}
