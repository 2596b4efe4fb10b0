package merkle

import (
	"encoding/hex"
	"fmt"

	"github.com/spinachchain/spinachchain/pkg/digest"
)

// Position tells a verifier on which side of the running hash a sibling sits.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Position Position `json:"position"`
	Hash     string   `json:"hash"`
}

// Proof returns the inclusion proof for the leaf at index. Steps are ordered
// from the leaf level upwards.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, fmt.Errorf("%w: index %d out of range", ErrLeafNotFound, index)
	}

	steps := make([]ProofStep, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		var step ProofStep
		if index%2 == 0 {
			sib := index + 1
			if sib >= len(level) {
				sib = index
			}
			step = ProofStep{Position: Right, Hash: hex.EncodeToString(level[sib][:])}
		} else {
			step = ProofStep{Position: Left, Hash: hex.EncodeToString(level[index-1][:])}
		}
		steps = append(steps, step)
		index /= 2
	}
	return steps, nil
}

// Proof builds the tree over leaves and returns the inclusion proof for the
// first leaf equal to target.
func Proof(leaves []string, target string) ([]ProofStep, error) {
	t, err := Build(leaves)
	if err != nil {
		return nil, err
	}
	idx := t.IndexOf(target)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, target)
	}
	return t.Proof(idx)
}

// Verify recomputes the root from leaf and proof and compares it with root.
// Malformed digests never verify.
func Verify(leaf string, proof []ProofStep, root string) bool {
	cur, err := digest.ToBytes32(leaf)
	if err != nil {
		return false
	}
	want, err := digest.ToBytes32(root)
	if err != nil {
		return false
	}
	for _, step := range proof {
		sib, err := digest.ToBytes32(step.Hash)
		if err != nil {
			return false
		}
		switch step.Position {
		case Left:
			cur = hashPair(sib, cur)
		case Right:
			cur = hashPair(cur, sib)
		default:
			return false
		}
	}
	return cur == want
}
