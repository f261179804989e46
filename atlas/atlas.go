package atlas

import (
	"fmt"
	"image"

	"github.com/achilleasa/gpubvh/scene"
	"github.com/achilleasa/gpubvh/types"
	"golang.org/x/image/draw"
)

// Default maximum atlas extent.
const DefaultMaxSize = 16384

// A texture atlas with wrap-expanded borders around every texture. Textures
// are identified by pointer and are only repacked when textures that have
// not been seen before show up.
type Atlas struct {
	maxSize int
	border  int

	// Textures with a rect in the current image, in insertion order.
	packed []*scene.Texture
	rects  map[*scene.Texture]Rect

	// Textures that were part of a failed packing attempt.
	rejected map[*scene.Texture]struct{}

	image *image.RGBA
}

// Create an empty atlas.
func New(maxSize, border int) *Atlas {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if border < 0 {
		border = 0
	}
	return &Atlas{
		maxSize:  maxSize,
		border:   border,
		rects:    make(map[*scene.Texture]Rect),
		rejected: make(map[*scene.Texture]struct{}),
	}
}

// Merge textures into the atlas. If any texture is new, every known texture
// is repacked and the image is rebuilt; changed reports whether that
// happened.
//
// When packing fails the previous image and rects remain active and the
// error wraps ErrDoesNotFit. The failed texture set is not retried until a
// texture outside of it is added.
func (a *Atlas) Update(textures []*scene.Texture) (changed bool, err error) {
	var added []*scene.Texture
	retry := false
	seen := make(map[*scene.Texture]struct{})
	for _, tex := range textures {
		// Empty images have no texels to sample; MulAdd reports false and
		// the material falls back to white.
		if tex == nil || tex.Image == nil || tex.Image.Bounds().Empty() {
			continue
		}
		if _, exists := seen[tex]; exists {
			continue
		}
		seen[tex] = struct{}{}

		if _, exists := a.rects[tex]; exists {
			continue
		}
		added = append(added, tex)
		if _, exists := a.rejected[tex]; !exists {
			retry = true
		}
	}

	if !retry {
		return false, nil
	}

	candidates := append(append([]*scene.Texture{}, a.packed...), added...)
	sizes := make([]Size, len(candidates))
	for i, tex := range candidates {
		b := tex.Image.Bounds()
		sizes[i] = Size{W: b.Dx() + 2*a.border, H: b.Dy() + 2*a.border}
	}

	rects, binSize, err := Pack(sizes, a.maxSize)
	if err != nil {
		for _, tex := range added {
			a.rejected[tex] = struct{}{}
		}
		return false, fmt.Errorf("atlas: could not pack %d textures: %w", len(candidates), err)
	}

	img := image.NewRGBA(image.Rect(0, 0, binSize.W, binSize.H))
	a.rects = make(map[*scene.Texture]Rect, len(candidates))
	for i, tex := range candidates {
		a.rects[tex] = rects[i]
		a.blit(img, tex.Image, rects[i])
	}

	a.packed = candidates
	a.rejected = make(map[*scene.Texture]struct{})
	a.image = img
	return true, nil
}

// Copy src into the rect with its border filled by wrapping src around.
func (a *Atlas) blit(dst *image.RGBA, src image.Image, rect Rect) {
	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	outer := image.Rect(rect.X, rect.Y, rect.X+rect.W, rect.Y+rect.H)
	origin := image.Pt(rect.X+a.border, rect.Y+a.border)

	tilesX := (a.border + w - 1) / w
	tilesY := (a.border + h - 1) / h
	for ty := -tilesY; ty <= tilesY; ty++ {
		for tx := -tilesX; tx <= tilesX; tx++ {
			placed := image.Rect(0, 0, w, h).Add(origin).Add(image.Pt(tx*w, ty*h))
			clip := placed.Intersect(outer)
			if clip.Empty() {
				continue
			}
			draw.Draw(dst, clip, src, sb.Min.Add(clip.Min.Sub(placed.Min)), draw.Src)
		}
	}
}

// Get the rect of a texture with the border removed.
func (a *Atlas) Rect(tex *scene.Texture) (Rect, bool) {
	r, exists := a.rects[tex]
	if !exists {
		return Rect{}, false
	}
	return Rect{X: r.X + a.border, Y: r.Y + a.border, W: r.W - 2*a.border, H: r.H - 2*a.border}, true
}

// Get the UV transform (scale xy, offset zw) that maps texture UVs into the
// atlas. The second result is false if the texture has no rect.
func (a *Atlas) MulAdd(tex *scene.Texture) (types.Vec4, bool) {
	r, exists := a.Rect(tex)
	if !exists || a.image == nil {
		return types.Vec4{}, false
	}
	size := a.image.Bounds().Size()
	w, h := float32(size.X), float32(size.Y)
	return types.XYZW(float32(r.W)/w, float32(r.H)/h, float32(r.X)/w, float32(r.Y)/h), true
}

// The atlas image or nil if nothing has been packed.
func (a *Atlas) Image() *image.RGBA {
	return a.image
}

// Number of textures in the atlas.
func (a *Atlas) Len() int {
	return len(a.packed)
}

// Serialize the atlas for upload as [width, height, pixels...] with one
// packed RGBA8 word per pixel. An empty atlas serializes as a single white
// pixel.
func (a *Atlas) Words() []uint32 {
	if a.image == nil {
		return []uint32{1, 1, 0xFFFFFFFF}
	}

	size := a.image.Bounds().Size()
	words := make([]uint32, 2, 2+size.X*size.Y)
	words[0], words[1] = uint32(size.X), uint32(size.Y)
	for y := 0; y < size.Y; y++ {
		row := a.image.Pix[y*a.image.Stride : y*a.image.Stride+size.X*4]
		for x := 0; x < len(row); x += 4 {
			words = append(words, uint32(row[x])|uint32(row[x+1])<<8|uint32(row[x+2])<<16|uint32(row[x+3])<<24)
		}
	}
	return words
}
