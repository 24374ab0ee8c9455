package node

import (
	"context"
	"crypto/rand"
	"fmt"

	cryptopkg "github.com/calimero-network/core-sub003/internal/crypto"
	"github.com/calimero-network/core-sub003/internal/dag"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/internal/storage"
)

// randomID mints a fresh 32-byte opaque identifier for a newly created
// context; real deployments derive context IDs from the on-chain
// configuration contract (an external collaborator, out of scope here).
func randomID() (primitives.ID, error) {
	var id primitives.ID
	if _, err := rand.Read(id[:]); err != nil {
		return primitives.ID{}, fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

// CreateContext establishes a brand-new context owned by this node as its
// first member, generating and registering this node's own sender key.
func (n *Node) CreateContext(applicationID primitives.ID) (*primitives.Context, error) {
	contextID, err := randomID()
	if err != nil {
		return nil, err
	}
	ctxState := primitives.NewContext(contextID, applicationID)
	localPub := n.LocalIdentity()
	ctxState.Members = map[primitives.PublicKey]struct{}{localPub: {}}

	n.registerContext(ctxState)
	if err := n.ensureOwnSenderKey(contextID); err != nil {
		return nil, err
	}
	if err := n.storage.PutContextMeta(contextID, &storage.ContextMetaRecord{
		ApplicationID: applicationID,
		RootHash:      ctxState.RootHash,
	}); err != nil {
		return nil, fmt.Errorf("persist new context: %w", err)
	}
	n.subscribeIfRunning(contextID)
	return ctxState, nil
}

// JoinContext registers a context this node has been invited into, with
// the given initial membership. It generates this node's own sender key,
// ready to be handed out the next time a peer initiates key exchange.
func (n *Node) JoinContext(contextID, applicationID primitives.ID, members map[primitives.PublicKey]struct{}) (*primitives.Context, error) {
	ctxState := primitives.NewContext(contextID, applicationID)
	ctxState.Members = members

	n.registerContext(ctxState)
	if err := n.ensureOwnSenderKey(contextID); err != nil {
		return nil, err
	}
	if err := n.storage.PutContextMeta(contextID, &storage.ContextMetaRecord{
		ApplicationID: applicationID,
		RootHash:      ctxState.RootHash,
	}); err != nil {
		return nil, fmt.Errorf("persist joined context: %w", err)
	}
	n.subscribeIfRunning(contextID)
	return ctxState, nil
}

// CreateInvite builds a shareable token admitting a new peer into
// contextID: the context's current membership plus this node's own
// dialable addresses, so the invitee can bootstrap a connection and ask
// to join without any prior contact.
func (n *Node) CreateInvite(contextID primitives.ID) (*cryptopkg.InviteToken, error) {
	ctxState, err := n.GetContext(context.Background(), contextID)
	if err != nil {
		return nil, err
	}
	members := make([]primitives.PublicKey, 0, len(ctxState.Members))
	for m := range ctxState.Members {
		members = append(members, m)
	}
	return cryptopkg.NewInviteToken(contextID, ctxState.ApplicationID, members,
		n.LocalIdentity(), n.LocalPeerID(), n.ListenAddrs()), nil
}

// JoinViaInvite dials the invite token's bootstrap peers and registers the
// named context locally with the token's membership list.
func (n *Node) JoinViaInvite(ctx context.Context, token *cryptopkg.InviteToken) (*primitives.Context, error) {
	infos, err := token.AddrInfos()
	if err != nil {
		return nil, err
	}
	if err := n.net.Bootstrap(ctx, infos); err != nil {
		return nil, fmt.Errorf("bootstrap from invite: %w", err)
	}
	return n.JoinContext(token.ContextID, token.ApplicationID, token.MemberSet())
}

// subscribeIfRunning joins contextID's gossip topic immediately when a
// context is created or joined after Start has already run; contexts that
// exist before Start are subscribed there instead.
func (n *Node) subscribeIfRunning(contextID primitives.ID) {
	n.mu.RLock()
	running := n.running
	runCtx := n.runCtx
	n.mu.RUnlock()
	if !running {
		return
	}
	if err := n.subscribeContext(runCtx, contextID); err != nil {
		n.log.Warn("failed to subscribe new context topic", "context_id", contextID.String(), "err", err)
	}
}

// registerContext adds contextID to the node's in-memory registry and
// creates its delta store, backed by the storage bridge and execution
// bridge.
func (n *Node) registerContext(ctxState *primitives.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.contexts[ctxState.ID] = ctxState
	n.stores[ctxState.ID] = dag.New(ctxState.ID, n.execBridge, n.storage, n.log, n.cfg.PendingDeltaLimit)
}

// ensureOwnSenderKey generates this node's own sender key for contextID if
// it does not already have one, and persists it as an owned identity
// record (§6 datastore schema: identity[ctx, public_key]).
func (n *Node) ensureOwnSenderKey(contextID primitives.ID) error {
	localPub := n.LocalIdentity()
	if _, ok := n.SenderKey(contextID, localPub); ok {
		return nil
	}
	key, err := cryptopkg.GenerateSenderKey()
	if err != nil {
		return fmt.Errorf("generate sender key: %w", err)
	}
	return n.storeSenderKeyLocked(contextID, localPub, key, true)
}

// StoreSenderKey implements internal/keyexchange's SenderKeyProvider: it
// records a sender key learned from a peer via authenticated exchange, so
// it is never itself "owned" by this node.
func (n *Node) StoreSenderKey(contextID primitives.ID, author primitives.PublicKey, key []byte) error {
	return n.storeSenderKeyLocked(contextID, author, key, false)
}

func (n *Node) storeSenderKeyLocked(contextID primitives.ID, author primitives.PublicKey, key []byte, owned bool) error {
	n.mu.Lock()
	if n.senderKeys[contextID] == nil {
		n.senderKeys[contextID] = make(map[primitives.PublicKey][]byte)
	}
	n.senderKeys[contextID][author] = key
	n.mu.Unlock()

	return n.storage.PutIdentity(contextID, author, &storage.IdentityRecord{
		SenderKey: key,
		Owned:     owned,
	})
}

// SenderKey implements internal/broadcast's SenderKeys seam: the local
// per-author sender-key lookup consulted before decrypting an inbound
// delta.
func (n *Node) SenderKey(contextID primitives.ID, author primitives.PublicKey) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	key, ok := n.senderKeys[contextID][author]
	return key, ok
}

// KnownSenderKeys implements internal/keyexchange's SenderKeyProvider: every
// sender key this node currently holds for contextID, offered to a peer
// during key exchange.
func (n *Node) KnownSenderKeys(contextID primitives.ID) map[primitives.PublicKey][]byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[primitives.PublicKey][]byte, len(n.senderKeys[contextID]))
	for author, key := range n.senderKeys[contextID] {
		out[author] = key
	}
	return out
}

// bootstrapFromStorage reloads every persisted context, its identities,
// and its applied deltas into memory, run once at startup before Start.
func (n *Node) bootstrapFromStorage() error {
	contextIDs, err := n.storage.ListContextIDs()
	if err != nil {
		return fmt.Errorf("list contexts: %w", err)
	}
	for _, contextID := range contextIDs {
		meta, err := n.storage.GetContextMeta(contextID)
		if err != nil || meta == nil {
			continue
		}
		ctxState := primitives.NewContext(contextID, meta.ApplicationID)
		ctxState.RootHash = meta.RootHash
		ctxState.ConfigRevision = meta.ConfigRevision
		if len(meta.DAGHeads) > 0 {
			ctxState.DAGHeads = make(map[primitives.ID]struct{}, len(meta.DAGHeads))
			for _, h := range meta.DAGHeads {
				ctxState.DAGHeads[h] = struct{}{}
			}
		}

		n.registerContext(ctxState)

		identities, err := n.storage.ListIdentities(contextID)
		if err != nil {
			n.log.Warn("failed to reload identities", "context_id", contextID.String(), "err", err)
		}
		for author, rec := range identities {
			if len(rec.SenderKey) > 0 {
				n.mu.Lock()
				if n.senderKeys[contextID] == nil {
					n.senderKeys[contextID] = make(map[primitives.PublicKey][]byte)
				}
				n.senderKeys[contextID][author] = rec.SenderKey
				n.mu.Unlock()
				ctxState.Members[author] = struct{}{}
			}
		}

		deltas, err := n.storage.LoadAllDeltas(contextID)
		if err != nil {
			n.log.Warn("failed to reload deltas", "context_id", contextID.String(), "err", err)
			continue
		}
		store, _ := n.Store(contextID)
		for _, delta := range deltas {
			if _, err := store.AddDelta(delta); err != nil {
				n.log.Warn("failed to replay persisted delta", "context_id", contextID.String(),
					"delta_id", delta.ID.String(), "err", err)
			}
		}
	}
	return nil
}

// GetContext implements ports.ContextClient and the sync/broadcast
// ContextLookup seams.
func (n *Node) GetContext(_ context.Context, contextID primitives.ID) (*primitives.Context, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ctxState, ok := n.contexts[contextID]
	if !ok {
		return nil, fmt.Errorf("unknown context %s", contextID)
	}
	return ctxState, nil
}

// IsMember implements ports.ContextClient and keyexchange.MembershipChecker.
func (n *Node) IsMember(_ context.Context, contextID primitives.ID, publicKey primitives.PublicKey) (bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ctxState, ok := n.contexts[contextID]
	if !ok {
		return false, fmt.Errorf("unknown context %s", contextID)
	}
	_, member := ctxState.Members[publicKey]
	return member, nil
}

// ListContexts implements sync.ContextEnumerator.
func (n *Node) ListContexts(_ context.Context) ([]primitives.ID, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]primitives.ID, 0, len(n.contexts))
	for id := range n.contexts {
		out = append(out, id)
	}
	return out, nil
}

// Store implements broadcast/sync's StoreProvider seam, resolving the
// per-context delta store.
func (n *Node) Store(contextID primitives.ID) (*dag.Store, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.stores[contextID]
	return s, ok
}

// updateContextMetaLocked refreshes the in-memory context's cached root
// hash and DAG heads after a local apply. The durable record is already up
// to date via the storage bridge's PersistDelta, called from inside
// store.AddDelta.
func (n *Node) updateContextMetaLocked(contextID primitives.ID, newRootHash primitives.ID, store *dag.Store) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ctxState, ok := n.contexts[contextID]
	if !ok {
		return
	}
	ctxState.RootHash = newRootHash
	ctxState.DAGHeads = store.GetHeads()
}
