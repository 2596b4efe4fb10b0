// Package merkle builds binary SHA-256 Merkle trees over precomputed leaf
// digests and produces inclusion proofs against the resulting root.
//
// Leaves are 64-character hex digests and are used as-is (they are not
// re-hashed). A parent is SHA-256(left || right) over the raw 32-byte
// values. When a level has an odd number of nodes the last node is paired
// with itself, so every proof step has a sibling.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spinachchain/spinachchain/pkg/digest"
)

// ErrLeafNotFound is returned by Proof when the target digest is not one of
// the leaves.
var ErrLeafNotFound = errors.New("leaf not found")

// Tree is a fully materialized Merkle tree. levels[0] holds the leaves and
// the last level holds the root.
type Tree struct {
	leaves []string
	levels [][][32]byte
}

// Build decodes the leaves and computes every level of the tree. An empty
// leaf set yields an empty tree whose Root is "".
func Build(leaves []string) (*Tree, error) {
	t := &Tree{leaves: make([]string, len(leaves))}
	if len(leaves) == 0 {
		return t, nil
	}

	level := make([][32]byte, len(leaves))
	for i, l := range leaves {
		b, err := digest.ToBytes32(l)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		level[i] = b
		t.leaves[i] = hex.EncodeToString(b[:])
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the hex root, or "" for an empty tree.
func (t *Tree) Root() string {
	if len(t.levels) == 0 {
		return ""
	}
	top := t.levels[len(t.levels)-1][0]
	return hex.EncodeToString(top[:])
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.leaves)
}

// IndexOf returns the index of the first leaf equal to h, or -1.
func (t *Tree) IndexOf(h string) int {
	norm, err := digest.Normalize(h)
	if err != nil {
		return -1
	}
	for i, l := range t.leaves {
		if l == norm {
			return i
		}
	}
	return -1
}

// Root computes the Merkle root of leaves. Empty input returns "" and no
// error; callers decide whether a null root is acceptable.
func Root(leaves []string) (string, error) {
	t, err := Build(leaves)
	if err != nil {
		return "", err
	}
	return t.Root(), nil
}

func hashPair(left, right [32]byte) [32]byte {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return sha256.Sum256(buf[:])
}
