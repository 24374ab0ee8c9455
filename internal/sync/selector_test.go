package sync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/primitives"
)

func TestSelect(t *testing.T) {
	cfg := DefaultSelectorConfig()
	author1 := primitives.ID{1}
	author2 := primitives.ID{2}

	t.Run("Scenario: equal root hashes need no reconciliation", func(t *testing.T) {
		fp := protocol.HandshakeFingerprint{RootHash: primitives.ID{9}}
		require.Equal(t, protocol.SyncNone, Select(fp, fp, cfg))
	})

	t.Run("Scenario: a zero root hash on either side picks Snapshot", func(t *testing.T) {
		local := protocol.HandshakeFingerprint{RootHash: primitives.ZeroID}
		remote := protocol.HandshakeFingerprint{RootHash: primitives.ID{5}}
		require.Equal(t, protocol.SyncSnapshot, Select(local, remote, cfg))
		require.Equal(t, protocol.SyncSnapshot, Select(remote, local, cfg))
	})

	t.Run("Scenario: a small per-author height gap with overlapping authors picks Delta", func(t *testing.T) {
		local := protocol.HandshakeFingerprint{
			RootHash:          primitives.ID{1},
			LastAuthorHeights: map[primitives.PublicKey]uint64{author1: 10, author2: 5},
		}
		remote := protocol.HandshakeFingerprint{
			RootHash:          primitives.ID{2},
			LastAuthorHeights: map[primitives.PublicKey]uint64{author1: 12, author2: 5},
		}
		require.Equal(t, protocol.SyncDelta, Select(local, remote, cfg))
	})

	t.Run("Scenario: a deep divergent tree with no author overlap picks HashComparison", func(t *testing.T) {
		local := protocol.HandshakeFingerprint{
			RootHash:  primitives.ID{1},
			TreeDepth: cfg.TreeDepthHigh + 1,
		}
		remote := protocol.HandshakeFingerprint{
			RootHash:  primitives.ID{2},
			TreeDepth: cfg.TreeDepthHigh + 2,
		}
		require.Equal(t, protocol.SyncHashComparison, Select(local, remote, cfg))
	})

	t.Run("Scenario: a wide shallow tree with a large entity gap picks Bloom", func(t *testing.T) {
		local := protocol.HandshakeFingerprint{
			RootHash:    primitives.ID{1},
			TreeDepth:   1,
			EntityCount: 100,
		}
		remote := protocol.HandshakeFingerprint{
			RootHash:    primitives.ID{2},
			TreeDepth:   1,
			EntityCount: 100 + cfg.EntityGapBloom + 1,
		}
		require.Equal(t, protocol.SyncBloom, Select(local, remote, cfg))
	})

	t.Run("Scenario: no condition matches falls back to HashComparison", func(t *testing.T) {
		local := protocol.HandshakeFingerprint{RootHash: primitives.ID{1}, TreeDepth: 1, EntityCount: 10}
		remote := protocol.HandshakeFingerprint{RootHash: primitives.ID{2}, TreeDepth: 1, EntityCount: 11}
		require.Equal(t, protocol.SyncHashComparison, Select(local, remote, cfg))
	})
}

func TestAgreeProtocol(t *testing.T) {
	t.Run("Scenario: matching proposals agree trivially", func(t *testing.T) {
		require.Equal(t, protocol.SyncDelta, AgreeProtocol(protocol.SyncDelta, protocol.SyncDelta))
	})

	t.Run("Scenario: a disagreement resolves to the higher-cost proposal", func(t *testing.T) {
		require.Equal(t, protocol.SyncSnapshot, AgreeProtocol(protocol.SyncDelta, protocol.SyncSnapshot))
		require.Equal(t, protocol.SyncSnapshot, AgreeProtocol(protocol.SyncSnapshot, protocol.SyncDelta))
		require.Equal(t, protocol.SyncHashComparison, AgreeProtocol(protocol.SyncBloom, protocol.SyncHashComparison))
	})
}
