// Package merkle builds binary Merkle trees over ordered lists of hex-encoded
// digests and produces inclusion proofs against the resulting root.
//
// Levels are built left-to-right by hashing adjacent pairs; when a level has
// odd length the last unpaired digest is carried up to the next level
// unchanged, never re-hashed with itself. Proof paths and Verify reproduce
// the same rule, so a proof generated from a leaf list always recomputes to
// BuildRoot of that list.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// EmptyRoot is the sentinel root of a tree with no leaves.
const EmptyRoot = "0000000000000000000000000000000000000000000000000000000000000000"

// hashPair hashes the concatenation of two hex digests.
func hashPair(left, right string) string {
	h := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(h[:])
}

// BuildRoot computes the Merkle root of the given leaf digests.
// Returns EmptyRoot when leaves is empty.
func BuildRoot(leaves []string) string {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	level := leaves
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// Odd tail: carry the digest up unchanged.
				next = append(next, level[i])
				break
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// BuildProof returns the sibling path for the leaf at index, ordered from the
// leaf's immediate sibling up toward the root. At levels where the node has
// no sibling (the carried tail), the node's own digest is recorded so the
// path length always equals the tree height.
func BuildProof(leaves []string, index int) []string {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	var proof []string
	level := leaves
	idx := index
	for len(level) > 1 {
		sib := idx ^ 1
		if sib < len(level) {
			proof = append(proof, level[sib])
		} else {
			proof = append(proof, level[idx])
		}

		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				break
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		idx /= 2
	}
	return proof
}

// Verify folds leafHash upward through proof and reports whether the result
// equals root. The bit of index at each level decides whether the current
// node was the left or right child. A proof element equal to the current
// digest at a left position marks a carried node: the digest passes to the
// next level unchanged.
func Verify(leafHash string, index int, proof []string, root string) bool {
	curr := leafHash
	idx := index
	for _, sib := range proof {
		switch {
		case idx%2 == 0 && sib == curr:
			// Carried tail node, nothing to fold at this level.
		case idx%2 == 0:
			curr = hashPair(curr, sib)
		default:
			curr = hashPair(sib, curr)
		}
		idx /= 2
	}
	return curr == root
}
