package node

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/calimero-network/core-sub003/internal/primitives"
)

// GetHeads implements internal/execbridge's HeadsProvider: the current DAG
// heads for contextID, used to stamp a freshly generated delta's parents.
func (n *Node) GetHeads(contextID primitives.ID) map[primitives.ID]struct{} {
	store, ok := n.Store(contextID)
	if !ok {
		return map[primitives.ID]struct{}{primitives.ZeroID: {}}
	}
	return store.GetHeads()
}

// FetchMissingParents implements internal/broadcast's ParentFetcher
// (§4.2 step 6, §4.6): it opens a delta-request/v1 stream to sourcePeer
// and inserts every returned delta into the context's DAG.
func (n *Node) FetchMissingParents(ctx context.Context, contextID primitives.ID, sourcePeer peer.ID, missingIDs map[primitives.ID]struct{}) error {
	return n.syncEngine.FetchMissingParents(ctx, contextID, sourcePeer, missingIDs)
}

// RequestSync implements ports.ContextClient: it forwards an explicit sync
// ask to the sync manager's scheduling loop.
func (n *Node) RequestSync(_ context.Context, contextID *primitives.ID, peerID *peer.ID) error {
	n.syncManager.RequestSync(contextID, peerID)
	return nil
}
