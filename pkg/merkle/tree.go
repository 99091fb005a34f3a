// Package merkle builds RFC 6962 hash trees over canonical ledger event
// bytes and produces inclusion proofs against sealed roots.
//
// Leaf hash is SHA256(0x00 || data), interior hash is
// SHA256(0x01 || left || right). An unpaired node at any level is promoted
// unchanged to the next level, so the tree over n leaves matches the RFC
// 6962 Merkle Tree Hash definition exactly. No leaf is ever duplicated.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// EmptyRoot is the RFC 6962 hash of an empty tree: SHA-256 of zero bytes.
const EmptyRoot = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Tree holds every level of node hashes. Levels[0] is the leaf level and
// the last level contains only the root.
type Tree struct {
	Levels [][]string
	Root   string
}

// LeafHash computes the domain-separated leaf hash of raw event bytes.
func LeafHash(data []byte) string {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, leafPrefix)
	buf = append(buf, data...)
	return sha256Hex(buf)
}

// Build constructs a tree from pre-computed leaf hashes in ledger order.
func Build(leafHashes []string) *Tree {
	if len(leafHashes) == 0 {
		return &Tree{Root: EmptyRoot}
	}

	level := make([]string, len(leafHashes))
	copy(level, leafHashes)

	tree := &Tree{}
	for {
		tree.Levels = append(tree.Levels, level)
		if len(level) == 1 {
			break
		}
		level = buildNextLevel(level)
	}
	tree.Root = tree.Levels[len(tree.Levels)-1][0]
	return tree
}

// BuildFromData hashes each entry as a leaf and builds the tree.
func BuildFromData(entries [][]byte) *Tree {
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = LeafHash(e)
	}
	return Build(hashes)
}

// LeafCount reports the number of leaves committed by the tree.
func (t *Tree) LeafCount() int {
	if len(t.Levels) == 0 {
		return 0
	}
	return len(t.Levels[0])
}

// Prove returns the inclusion proof for the leaf at index. Levels where
// the node on the path is promoted contribute no step.
func (t *Tree) Prove(index int) (*InclusionProof, error) {
	if len(t.Levels) == 0 {
		return nil, fmt.Errorf("empty tree has no proofs")
	}
	if index < 0 || index >= len(t.Levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(t.Levels[0]))
	}

	proof := &InclusionProof{
		LeafIndex: index,
		LeafHash:  t.Levels[0][index],
		Root:      t.Root,
	}

	idx := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			side := "R"
			if sibling < idx {
				side = "L"
			}
			proof.Path = append(proof.Path, ProofStep{
				Side:        side,
				SiblingHash: level[sibling],
			})
		}
		idx /= 2
	}
	return proof, nil
}

// buildNextLevel pairs adjacent nodes; an odd trailing node is promoted.
func buildNextLevel(hashes []string) []string {
	next := make([]string, 0, (len(hashes)+1)/2)
	for i := 0; i+1 < len(hashes); i += 2 {
		next = append(next, nodeHash(hashes[i], hashes[i+1]))
	}
	if len(hashes)%2 != 0 {
		next = append(next, hashes[len(hashes)-1])
	}
	return next
}

func nodeHash(left, right string) string {
	buf := make([]byte, 0, 1+2*sha256.Size)
	buf = append(buf, nodePrefix)
	buf = append(buf, hexToBytes(left)...)
	buf = append(buf, hexToBytes(right)...)
	return sha256Hex(buf)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
