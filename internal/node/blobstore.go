package node

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/internal/storage"
)

// blobDataKey is the raw-bytes column backing blob storage; kept separate
// from blob_meta[blob_id] (size/mime/hash/chunks) which the storage bridge
// already owns.
func blobDataKey(blobID primitives.ID) []byte {
	return []byte("bd:" + blobID.String())
}

// PutBlob implements ports.NodeClient and internal/blob's Store seam: it
// records the blob's bytes and derived metadata.
func (n *Node) PutBlob(_ context.Context, blobID primitives.ID, data []byte) error {
	if err := n.storage.Datastore().Put(blobDataKey(blobID), data); err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	hash := primitives.ID(sha256.Sum256(data))
	return n.storage.PutBlobMeta(blobID, &storage.BlobMetaRecord{
		Size: uint64(len(data)),
		Hash: hash,
	})
}

// GetBlob implements ports.NodeClient and internal/blob's Store seam.
func (n *Node) GetBlob(_ context.Context, blobID primitives.ID) ([]byte, bool, error) {
	data, found, err := n.storage.Datastore().Get(blobDataKey(blobID))
	if err != nil {
		return nil, false, fmt.Errorf("get blob: %w", err)
	}
	return data, found, nil
}

// HasBlob implements ports.NodeClient, internal/blob's Store seam, and
// internal/sync's BlobChecker.
func (n *Node) HasBlob(ctx context.Context, blobID primitives.ID) (bool, error) {
	_, found, err := n.GetBlob(ctx, blobID)
	return found, err
}

// InstallApplication implements ports.NodeClient. Installing an
// application bundle from its blob is application-lifecycle policy that
// lives above the node core (§1 Non-goals: WASM execution semantics); this
// node core only confirms the blob is present.
func (n *Node) InstallApplication(ctx context.Context, _, blobID primitives.ID) error {
	has, err := n.HasBlob(ctx, blobID)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("install application: blob %s not present", blobID)
	}
	return nil
}

// EmitStateMutation implements ports.NodeClient and internal/broadcast's
// EventEmitter. It keeps the in-memory context cache's root hash current
// for deltas applied via gossip (local execution updates it directly in
// Execute); external subscribers (e.g. a WebSocket gateway) are outside
// this core's scope, so beyond that this just logs at debug level.
func (n *Node) EmitStateMutation(event ports.StateMutationEvent) {
	n.mu.Lock()
	if ctxState, ok := n.contexts[event.ContextID]; ok {
		ctxState.RootHash = event.RootHash
		if store, ok := n.stores[event.ContextID]; ok {
			ctxState.DAGHeads = store.GetHeads()
		}
	}
	n.mu.Unlock()

	n.log.Debug("state mutation", "context_id", event.ContextID.String(),
		"root_hash", event.RootHash.String(), "events", len(event.Events))
}
