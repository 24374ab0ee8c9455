package sync

import (
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/primitives"
)

// SelectorConfig bounds the thresholds the selection table (§4.3)
// compares fingerprints against.
type SelectorConfig struct {
	DeltaWindow    uint64 // max per-author height gap for the Delta protocol
	TreeDepthHigh  int    // tree depth above which divergence counts as "high"
	EntityGapBloom int    // entity-count gap above which a shallow tree prefers Bloom
}

// DefaultSelectorConfig returns the thresholds used when none are
// configured.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{DeltaWindow: 64, TreeDepthHigh: 6, EntityGapBloom: 32}
}

// protocolCost ranks protocols by expected bytes transferred, cheapest
// first. AgreeProtocol uses it to resolve a disagreement between two
// proposals (§4.3 Tie-breaks); Select follows a fixed rule order instead.
var protocolCost = map[protocol.SyncProtocolKind]int{
	protocol.SyncNone:           0,
	protocol.SyncDelta:          1,
	protocol.SyncBloom:          2,
	protocol.SyncHashComparison: 3,
	protocol.SyncSnapshot:       4,
}

// Select picks the cheapest reconciliation protocol for the pair of
// handshake fingerprints, following the selection table in §4.3.
func Select(local, remote protocol.HandshakeFingerprint, cfg SelectorConfig) protocol.SyncProtocolKind {
	if local.RootHash == remote.RootHash {
		return protocol.SyncNone
	}
	if local.RootHash.IsZero() || remote.RootHash.IsZero() {
		return protocol.SyncSnapshot
	}

	gap, overlap := authorHeightGap(local.LastAuthorHeights, remote.LastAuthorHeights)
	if overlap && gap <= cfg.DeltaWindow {
		return protocol.SyncDelta
	}

	highDivergence := local.TreeDepth > cfg.TreeDepthHigh || remote.TreeDepth > cfg.TreeDepthHigh ||
		entityGap(local.EntityCount, remote.EntityCount) > cfg.EntityGapBloom*4
	if highDivergence {
		return protocol.SyncHashComparison
	}

	wideShallow := local.TreeDepth <= cfg.TreeDepthHigh && remote.TreeDepth <= cfg.TreeDepthHigh &&
		entityGap(local.EntityCount, remote.EntityCount) > cfg.EntityGapBloom
	if wideShallow {
		return protocol.SyncBloom
	}

	return protocol.SyncHashComparison
}

// AgreeProtocol resolves a disagreement between two independently
// proposed protocols by taking the one with higher expected cost, the
// safer of the two when the sides can't agree on the cheaper path.
func AgreeProtocol(mine, theirs protocol.SyncProtocolKind) protocol.SyncProtocolKind {
	if mine == theirs {
		return mine
	}
	if protocolCost[theirs] > protocolCost[mine] {
		return theirs
	}
	return mine
}

// authorHeightGap returns the largest per-author height difference among
// authors known to both sides, and whether any author overlap exists at
// all (no overlap means Delta cannot apply).
func authorHeightGap(local, remote map[primitives.PublicKey]uint64) (uint64, bool) {
	var maxGap uint64
	var overlap bool
	for author, localHeight := range local {
		remoteHeight, ok := remote[author]
		if !ok {
			continue
		}
		overlap = true
		gap := localHeight - remoteHeight
		if remoteHeight > localHeight {
			gap = remoteHeight - localHeight
		}
		if gap > maxGap {
			maxGap = gap
		}
	}
	return maxGap, overlap
}

func entityGap(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
