// Package atlas packs textures into a single RGBA8 image.
package atlas

import (
	"errors"
	"fmt"
	"sort"
)

// Returned by Pack when the rects cannot be placed in a single bin.
var ErrDoesNotFit = errors.New("atlas: rects do not fit")

// A placed rect.
type Rect struct {
	X, Y, W, H int
}

type Size struct {
	W, H int
}

func (s Size) area() int      { return s.W * s.H }
func (s Size) perimeter() int { return 2*s.W + 2*s.H }
func (s Size) maxSide() int {
	if s.W > s.H {
		return s.W
	}
	return s.H
}

// Orderings tried by Pack. Each one sorts rects in descending order.
var heuristics = []func(a, b Size) bool{
	func(a, b Size) bool { return a.area() > b.area() },
	func(a, b Size) bool { return a.perimeter() > b.perimeter() },
	func(a, b Size) bool { return a.maxSide() > b.maxSide() },
	func(a, b Size) bool { return a.W > b.W },
	func(a, b Size) bool { return a.H > b.H },
}

// Pack places rects of the given sizes into a single bin no larger than
// maxSize x maxSize. It returns the placement of each input size (in input
// order) and the bin extent that covers all of them.
//
// Each ordering heuristic runs a binary search for the smallest square bin
// that fits every rect; the ordering producing the smallest used area wins.
func Pack(sizes []Size, maxSize int) ([]Rect, Size, error) {
	if len(sizes) == 0 {
		return nil, Size{}, nil
	}
	if maxSize <= 0 {
		return nil, Size{}, fmt.Errorf("atlas: invalid max size %d", maxSize)
	}

	minSide := 1
	for i, s := range sizes {
		if s.W <= 0 || s.H <= 0 {
			return nil, Size{}, fmt.Errorf("atlas: invalid size %dx%d for rect %d", s.W, s.H, i)
		}
		if s.W > maxSize || s.H > maxSize {
			return nil, Size{}, fmt.Errorf("%w: rect %d (%dx%d) exceeds max size %d", ErrDoesNotFit, i, s.W, s.H, maxSize)
		}
		if s.maxSide() > minSide {
			minSide = s.maxSide()
		}
	}

	var (
		t        tree
		best     []Rect
		bestSize Size
	)
	for _, less := range heuristics {
		order := make([]int, len(sizes))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return less(sizes[order[i]], sizes[order[j]]) })

		if t.place(sizes, order, maxSize) == nil {
			continue
		}

		// Smallest square side that fits everything.
		lo, hi := minSide, maxSize
		for lo < hi {
			mid := (lo + hi) / 2
			if t.place(sizes, order, mid) != nil {
				hi = mid
			} else {
				lo = mid + 1
			}
		}

		rects := t.place(sizes, order, hi)
		var used Size
		for _, r := range rects {
			if r.X+r.W > used.W {
				used.W = r.X + r.W
			}
			if r.Y+r.H > used.H {
				used.H = r.Y + r.H
			}
		}

		if best == nil || used.area() < bestSize.area() {
			best, bestSize = rects, used
		}
	}

	if best == nil {
		return nil, Size{}, fmt.Errorf("%w: %d rects in a %dx%d bin", ErrDoesNotFit, len(sizes), maxSize, maxSize)
	}
	return best, bestSize, nil
}

// A guillotine split tree stored in an arena. Child links index into nodes.
type tree struct {
	nodes []node
}

type node struct {
	l, t, r, b int
	children   [2]int32
	used       bool
}

func (t *tree) add(l, top, r, b int) int32 {
	t.nodes = append(t.nodes, node{l: l, t: top, r: r, b: b, children: [2]int32{-1, -1}})
	return int32(len(t.nodes) - 1)
}

// Place all rects in the given order into a side x side bin. Returns nil if
// any rect does not fit.
func (t *tree) place(sizes []Size, order []int, side int) []Rect {
	t.nodes = t.nodes[:0]
	root := t.add(0, 0, side, side)

	rects := make([]Rect, len(sizes))
	for _, index := range order {
		s := sizes[index]
		n := t.insert(root, s.W, s.H)
		if n < 0 {
			return nil
		}
		rects[index] = Rect{X: t.nodes[n].l, Y: t.nodes[n].t, W: s.W, H: s.H}
	}
	return rects
}

func (t *tree) insert(n int32, w, h int) int32 {
	if c := t.nodes[n].children; c[0] >= 0 {
		if placed := t.insert(c[0], w, h); placed >= 0 {
			return placed
		}
		return t.insert(c[1], w, h)
	}

	nd := t.nodes[n]
	if nd.used {
		return -1
	}

	rw, rh := nd.r-nd.l, nd.b-nd.t
	switch {
	case w > rw || h > rh:
		return -1
	case w == rw && h == rh:
		t.nodes[n].used = true
		return n
	}

	// Split along the axis with more leftover space.
	var c0, c1 int32
	if rw-w > rh-h {
		c0 = t.add(nd.l, nd.t, nd.l+w, nd.b)
		c1 = t.add(nd.l+w, nd.t, nd.r, nd.b)
	} else {
		c0 = t.add(nd.l, nd.t, nd.r, nd.t+h)
		c1 = t.add(nd.l, nd.t+h, nd.r, nd.b)
	}
	t.nodes[n].children = [2]int32{c0, c1}
	return t.insert(c0, w, h)
}
