package execbridge

import (
	"crypto/sha256"
	"sort"

	"github.com/calimero-network/core-sub003/internal/primitives"
)

// computeRootHash derives the context's root hash from its entity table: a
// binary Merkle tree over sorted (key, value) leaves. Sorting makes the root
// a pure function of the entity set, independent of mutation order.
func computeRootHash(entities map[string][]byte) primitives.ID {
	if len(entities) == 0 {
		return primitives.ZeroID
	}

	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([][32]byte, len(keys))
	for i, k := range keys {
		h := sha256.New()
		h.Write([]byte(k))
		h.Write(entities[k])
		var leaf [32]byte
		copy(leaf[:], h.Sum(nil))
		leaves[i] = leaf
	}

	root := merkleRoot(leaves)
	var id primitives.ID
	copy(id[:], root[:])
	return id
}

func merkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 1 {
		return leaves[0]
	}

	var next [][32]byte
	for i := 0; i < len(leaves); i += 2 {
		if i+1 == len(leaves) {
			next = append(next, leaves[i])
			continue
		}
		h := sha256.New()
		h.Write(leaves[i][:])
		h.Write(leaves[i+1][:])
		var combined [32]byte
		copy(combined[:], h.Sum(nil))
		next = append(next, combined)
	}
	return merkleRoot(next)
}
