package bvh

import (
	"errors"
	"fmt"
)

// Hierarchy defects reported by validation.
var (
	ErrLeafUnreachable  = errors.New("bvh: leaf is not reachable from the root")
	ErrNodeVisitedTwice = errors.New("bvh: node is reachable through more than one path")
	ErrInvalidChild     = errors.New("bvh: internal node has an invalid child")
	ErrLeafHasChildren  = errors.New("bvh: leaf node has children")
	ErrFlagOverflow     = errors.New("bvh: propagation flag exceeds 2")
	ErrAABBContainment  = errors.New("bvh: node bounds do not contain child bounds")
)

// Read back the last build and check its structural invariants.
func (b *Builder) Validate() error {
	snap, err := b.Snapshot()
	if err != nil {
		return err
	}
	if err = snap.Validate(); err != nil {
		return fmt.Errorf("bvh builder: validation failed: %w", err)
	}
	return nil
}

// Check that the snapshot describes a single binary tree rooted at node 0
// with every leaf reachable exactly once, that no propagation flag exceeds 2
// and that every node's bounds contain its children.
func (s *Snapshot) Validate() error {
	n := s.ClusterCount
	if n == 0 {
		return nil
	}
	nodeCount := 2*n - 1
	leafOffset := s.LeafOffset()

	for i, flag := range s.Flags {
		if flag > 2 {
			return fmt.Errorf("%w: node %d has flag %d", ErrFlagOverflow, i, flag)
		}
	}

	visited := make([]bool, nodeCount)
	stack := []uint32{0}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[node] {
			return fmt.Errorf("%w: node %d", ErrNodeVisitedTwice, node)
		}
		visited[node] = true

		children := s.Nodes[node]
		if node >= leafOffset {
			if children != [2]uint32{} {
				return fmt.Errorf("%w: leaf %d has children %v", ErrLeafHasChildren, node, children)
			}
			if cluster := s.ClusterIndex[node-leafOffset]; !s.AABBs[node].Contains(s.Clusters[cluster].AABB) {
				return fmt.Errorf("%w: leaf %d does not contain cluster %d", ErrAABBContainment, node, cluster)
			}
			continue
		}

		for _, child := range children {
			if child == 0 || child == node || child >= nodeCount {
				return fmt.Errorf("%w: node %d has children %v", ErrInvalidChild, node, children)
			}
			if !s.AABBs[node].Contains(s.AABBs[child]) {
				return fmt.Errorf("%w: node %d %v does not contain child %d %v", ErrAABBContainment, node, s.AABBs[node], child, s.AABBs[child])
			}
		}
		stack = append(stack, children[1], children[0])
	}

	for leaf := leafOffset; leaf < nodeCount; leaf++ {
		if !visited[leaf] {
			return fmt.Errorf("%w: leaf %d", ErrLeafUnreachable, leaf)
		}
	}

	return nil
}
