package merkle

import (
	"strings"
)

// InclusionProof shows a single leaf is committed by a sealed root.
type InclusionProof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"merkle_root"`
	Path      []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling on the leaf-to-root path. Side says where the
// sibling sits relative to the running hash: "L" or "R".
type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// VerifyInclusion recomputes the root from the leaf hash and proof path
// and compares it to the expected root. Promoted levels carry no step, so
// the path is applied as recorded.
func VerifyInclusion(proof *InclusionProof, expectedRoot string) bool {
	if proof == nil {
		return false
	}
	if expectedRoot != "" && !strings.EqualFold(proof.Root, expectedRoot) {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return strings.EqualFold(current, proof.Root)
}
