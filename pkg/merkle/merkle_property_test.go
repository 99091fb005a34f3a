//go:build property
// +build property

package merkle_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Garudex-Labs/caracal/pkg/merkle"
)

// TestAllProofsVerify checks that every proof a tree generates verifies
// against its own root, for arbitrary leaf sets.
func TestAllProofsVerify(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("generated proofs always verify", prop.ForAll(
		func(entries []string) bool {
			if len(entries) == 0 {
				return true
			}
			data := make([][]byte, len(entries))
			for i, e := range entries {
				data[i] = []byte(e)
			}
			tree := merkle.BuildFromData(data)
			for i := range data {
				proof, err := tree.Prove(i)
				if err != nil {
					return false
				}
				if !merkle.VerifyInclusion(proof, tree.Root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestRootSensitivity checks that changing any single leaf changes the root.
func TestRootSensitivity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("any leaf change changes the root", prop.ForAll(
		func(entries []string, at int) bool {
			if len(entries) == 0 {
				return true
			}
			hashes := make([]string, len(entries))
			for i, e := range entries {
				hashes[i] = merkle.LeafHash([]byte(e))
			}
			original := merkle.Build(hashes).Root

			idx := at % len(hashes)
			if idx < 0 {
				idx = -idx
			}
			mutated := append([]string(nil), hashes...)
			mutated[idx] = merkle.LeafHash([]byte(entries[idx] + "x"))

			return merkle.Build(mutated).Root != original
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Int(),
	))

	properties.TestingRun(t)
}
