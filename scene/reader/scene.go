// Package reader loads scenes described in YAML files that reference
// Wavefront OBJ meshes, procedural primitives and image textures.
package reader

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/achilleasa/gpubvh/log"
	"github.com/achilleasa/gpubvh/scene"
	"github.com/achilleasa/gpubvh/types"
	"gopkg.in/yaml.v3"
)

type sceneFile struct {
	Materials []materialDef `yaml:"materials"`
	Meshes    []meshDef     `yaml:"meshes"`
	Objects   []objectDef   `yaml:"objects"`
}

type materialDef struct {
	Name string `yaml:"name"`

	BaseColor     []float32 `yaml:"base_color"`
	EmissiveColor []float32 `yaml:"emissive_color"`
	TexMulAdd     []float32 `yaml:"tex_mul_add"`

	Roughness                *float32 `yaml:"roughness"`
	Reflectance              *float32 `yaml:"reflectance"`
	Metalness                *float32 `yaml:"metalness"`
	RefractionIndex          *float32 `yaml:"refraction_index"`
	SubsurfaceScattering     *float32 `yaml:"subsurface_scattering"`
	NormalMapStrength        *float32 `yaml:"normal_map_strength"`
	ParallaxOcclusionMapping *float32 `yaml:"parallax_occlusion_mapping"`
	DisplacementMapping      *float32 `yaml:"displacement_mapping"`

	FlipNormalMapGreen         bool `yaml:"flip_normal_map_green"`
	UseVertexColors            bool `yaml:"use_vertex_colors"`
	SpecularGlossinessWorkflow bool `yaml:"specular_glossiness"`
	OcclusionPrimary           bool `yaml:"occlusion_primary"`
	OcclusionSecondary         bool `yaml:"occlusion_secondary"`

	BaseColorMap string `yaml:"base_color_map"`
	SurfaceMap   string `yaml:"surface_map"`
	EmissiveMap  string `yaml:"emissive_map"`
	NormalMap    string `yaml:"normal_map"`

	// UV set per texture slot in base color, surface, emissive, normal order.
	UVSets []uint32 `yaml:"uv_sets"`
}

type meshDef struct {
	Name string `yaml:"name"`

	// Path to a wavefront obj file, relative to the scene file.
	OBJ string `yaml:"obj"`

	// Procedural primitive: box, quad, grid or sphere.
	Primitive string `yaml:"primitive"`
	Segments  int    `yaml:"segments"`

	// Material for primitives.
	Material string `yaml:"material"`
}

type objectDef struct {
	Name      string    `yaml:"name"`
	Mesh      string    `yaml:"mesh"`
	Translate []float32 `yaml:"translate"`
	Rotate    []float32 `yaml:"rotate"`
	Scale     []float32 `yaml:"scale"`
	Color     []float32 `yaml:"color"`
}

// Shared state for a single scene load.
type loader struct {
	logger log.Logger

	// Textures cached by resolved path so that materials referencing the
	// same file share a texture.
	textures map[string]*scene.Texture

	materials map[string]*scene.Material
	meshes    map[string]*scene.Mesh
}

func newLoader() *loader {
	return &loader{
		logger:    log.New("scene reader"),
		textures:  make(map[string]*scene.Texture),
		materials: make(map[string]*scene.Material),
		meshes:    make(map[string]*scene.Mesh),
	}
}

// Read a scene from a YAML file or http(s) URL.
func ReadScene(path string) (*scene.Scene, error) {
	res, err := newResource(path, nil)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	return newLoader().readScene(res)
}

// Read a single mesh from a wavefront obj file or http(s) URL.
func ReadMesh(path string) (*scene.Mesh, error) {
	res, err := newResource(path, nil)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	return newWavefrontReader(newLoader(), path).Read(res)
}

func (l *loader) readScene(res *resource) (*scene.Scene, error) {
	start := time.Now()

	var def sceneFile
	dec := yaml.NewDecoder(res)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("reader: could not parse %s: %s", res.Path(), err.Error())
	}

	for index, matDef := range def.Materials {
		mat, err := l.material(matDef, res)
		if err != nil {
			return nil, fmt.Errorf("reader: material %d (%s): %s", index, matDef.Name, err.Error())
		}
		if _, exists := l.materials[mat.Name]; exists {
			return nil, fmt.Errorf("reader: material '%s' already defined", mat.Name)
		}
		l.materials[mat.Name] = mat
	}

	for index, meshDef := range def.Meshes {
		mesh, err := l.mesh(meshDef, res)
		if err != nil {
			return nil, fmt.Errorf("reader: mesh %d (%s): %s", index, meshDef.Name, err.Error())
		}
		if _, exists := l.meshes[meshDef.Name]; exists {
			return nil, fmt.Errorf("reader: mesh '%s' already defined", meshDef.Name)
		}
		l.meshes[meshDef.Name] = mesh
	}

	sc := scene.NewScene()
	for index, objDef := range def.Objects {
		obj, err := l.object(objDef)
		if err != nil {
			return nil, fmt.Errorf("reader: object %d (%s): %s", index, objDef.Name, err.Error())
		}
		if err = sc.AddObject(obj); err != nil {
			return nil, err
		}
	}

	l.logger.Noticef("loaded scene %s with %d objects and %d triangles in %d ms", res.Path(), len(sc.Objects), sc.TriangleCount(), time.Since(start).Nanoseconds()/1000000)
	return sc, nil
}

func (l *loader) material(def materialDef, relTo *resource) (*scene.Material, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("missing name")
	}

	var err error
	mat := scene.DefaultMaterial()
	mat.Name = def.Name

	if mat.BaseColor, err = vec4Field("base_color", def.BaseColor, mat.BaseColor); err != nil {
		return nil, err
	}
	if mat.EmissiveColor, err = vec4Field("emissive_color", def.EmissiveColor, mat.EmissiveColor); err != nil {
		return nil, err
	}
	if mat.TexMulAdd, err = vec4Field("tex_mul_add", def.TexMulAdd, mat.TexMulAdd); err != nil {
		return nil, err
	}

	for _, f := range []struct {
		src *float32
		dst *float32
	}{
		{def.Roughness, &mat.Roughness},
		{def.Reflectance, &mat.Reflectance},
		{def.Metalness, &mat.Metalness},
		{def.RefractionIndex, &mat.RefractionIndex},
		{def.SubsurfaceScattering, &mat.SubsurfaceScattering},
		{def.NormalMapStrength, &mat.NormalMapStrength},
		{def.ParallaxOcclusionMapping, &mat.ParallaxOcclusionMapping},
		{def.DisplacementMapping, &mat.DisplacementMapping},
	} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}

	mat.FlipNormalMapGreen = def.FlipNormalMapGreen
	mat.UseVertexColors = def.UseVertexColors
	mat.SpecularGlossinessWorkflow = def.SpecularGlossinessWorkflow
	mat.OcclusionPrimary = def.OcclusionPrimary
	mat.OcclusionSecondary = def.OcclusionSecondary

	for slot, path := range [scene.NumTextureSlots]string{def.BaseColorMap, def.SurfaceMap, def.EmissiveMap, def.NormalMap} {
		if path == "" {
			continue
		}
		if mat.Textures[slot], err = l.texture(path, relTo); err != nil {
			return nil, err
		}
	}

	if len(def.UVSets) != 0 {
		if len(def.UVSets) != int(scene.NumTextureSlots) {
			return nil, fmt.Errorf("uv_sets: expected %d entries; got %d", scene.NumTextureSlots, len(def.UVSets))
		}
		for slot, set := range def.UVSets {
			if set > 1 {
				return nil, fmt.Errorf("uv_sets: invalid uv set %d for %s slot", set, scene.TextureSlot(slot))
			}
			mat.UVSets[slot] = set
		}
	}

	return mat, nil
}

func (l *loader) mesh(def meshDef, relTo *resource) (*scene.Mesh, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("missing name")
	}

	switch {
	case def.OBJ != "" && def.Primitive != "":
		return nil, fmt.Errorf("obj and primitive are mutually exclusive")
	case def.OBJ != "":
		res, err := newResource(def.OBJ, relTo)
		if err != nil {
			return nil, err
		}
		defer res.Close()

		mesh, err := newWavefrontReader(l, def.Name).Read(res)
		if err != nil {
			return nil, err
		}
		if def.Material != "" {
			mat, exists := l.materials[def.Material]
			if !exists {
				return nil, fmt.Errorf("unknown material '%s'", def.Material)
			}
			for i := range mesh.Subsets {
				mesh.Subsets[i].Material = mat
			}
		}
		return mesh, nil
	case def.Primitive != "":
		var mat *scene.Material
		if def.Material != "" {
			var exists bool
			if mat, exists = l.materials[def.Material]; !exists {
				return nil, fmt.Errorf("unknown material '%s'", def.Material)
			}
		}
		return newPrimitive(def.Primitive, def.Name, def.Segments, mat)
	}

	return nil, fmt.Errorf("expected one of obj or primitive")
}

func (l *loader) object(def objectDef) (*scene.Object, error) {
	obj := scene.NewObject(def.Name, nil)
	if def.Mesh != "" {
		mesh, exists := l.meshes[def.Mesh]
		if !exists {
			return nil, fmt.Errorf("unknown mesh '%s'", def.Mesh)
		}
		obj.Mesh = mesh
	}

	translate, err := vec3Field("translate", def.Translate, types.XYZ(0, 0, 0))
	if err != nil {
		return nil, err
	}
	rotate, err := vec3Field("rotate", def.Rotate, types.XYZ(0, 0, 0))
	if err != nil {
		return nil, err
	}
	scale, err := vec3Field("scale", def.Scale, types.XYZ(1, 1, 1))
	if err != nil {
		return nil, err
	}
	if obj.Color, err = vec4Field("color", def.Color, obj.Color); err != nil {
		return nil, err
	}

	obj.Transform = scene.TRS(translate, rotate, scale)
	return obj, nil
}

// Load a texture relative to a resource. Missing local files are reported
// as a warning and yield a nil texture.
func (l *loader) texture(path string, relTo *resource) (*scene.Texture, error) {
	res, err := newResource(path, relTo)
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file or directory") {
			l.logger.Warningf("ignoring missing texture %s", path)
			return nil, nil
		}
		return nil, err
	}
	defer res.Close()

	if tex, exists := l.textures[res.Path()]; exists {
		return tex, nil
	}

	tex, err := newTexture(res)
	if err != nil {
		return nil, err
	}
	l.textures[res.Path()] = tex
	return tex, nil
}

func vec3Field(name string, v []float32, def types.Vec3) (types.Vec3, error) {
	switch len(v) {
	case 0:
		return def, nil
	case 1:
		return types.XYZ(v[0], v[0], v[0]), nil
	case 3:
		return types.XYZ(v[0], v[1], v[2]), nil
	}
	return def, fmt.Errorf("%s: expected 1 or 3 components; got %d", name, len(v))
}

func vec4Field(name string, v []float32, def types.Vec4) (types.Vec4, error) {
	switch len(v) {
	case 0:
		return def, nil
	case 3:
		return types.XYZW(v[0], v[1], v[2], def[3]), nil
	case 4:
		return types.XYZW(v[0], v[1], v[2], v[3]), nil
	}
	return def, fmt.Errorf("%s: expected 3 or 4 components; got %d", name, len(v))
}
