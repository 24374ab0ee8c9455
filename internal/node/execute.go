package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/calimero-network/core-sub003/internal/crypto"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
)

// executeArtifact is the plaintext a generated delta's payload encrypts to,
// mirroring internal/broadcast's decryptedArtifact on the send side.
type executeArtifact struct {
	Payload []primitives.StorageAction `json:"payload"`
}

func localAAD(contextID, deltaID primitives.ID) []byte {
	out := make([]byte, 0, primitives.IDSize*2)
	out = append(out, contextID[:]...)
	out = append(out, deltaID[:]...)
	return out
}

// Execute implements ports.ContextClient.Execute and internal/broadcast's
// Executor contract: it invokes application logic via the execution
// bridge, enters the resulting delta into the local DAG, encrypts its
// payload under this node's own sender key, and gossips it to the
// context's topic (§4.8, control flow in §2).
func (n *Node) Execute(ctx context.Context, contextID primitives.ID, authorIdentity primitives.PublicKey, method string, input []byte) (ports.ExecutionResult, error) {
	result, err := n.execBridge.Execute(ctx, contextID, authorIdentity, method, input)
	if err != nil {
		return ports.ExecutionResult{}, err
	}
	if result.GeneratedDelta == nil {
		return result, nil
	}

	store, ok := n.Store(contextID)
	if !ok {
		return ports.ExecutionResult{}, fmt.Errorf("execute: unknown context %s", contextID)
	}
	if _, err := store.AddDelta(result.GeneratedDelta); err != nil {
		return ports.ExecutionResult{}, fmt.Errorf("apply generated delta: %w", err)
	}

	n.updateContextMetaLocked(contextID, result.NewRootHash, store)

	if err := n.publishDelta(ctx, contextID, authorIdentity, result.GeneratedDelta); err != nil {
		n.log.Warn("failed to gossip generated delta", "context_id", contextID.String(),
			"delta_id", result.GeneratedDelta.ID.String(), "err", err)
	}

	return result, nil
}

// publishDelta encrypts delta's payload under the local author's sender
// key and publishes it as a StateDelta gossip message on the context's
// topic.
func (n *Node) publishDelta(ctx context.Context, contextID primitives.ID, author primitives.PublicKey, delta *primitives.Delta) error {
	senderKey, ok := n.SenderKey(contextID, author)
	if !ok {
		return fmt.Errorf("publish delta: no local sender key for author %s", author)
	}

	artifact, err := json.Marshal(executeArtifact{Payload: delta.Payload})
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	nonce, ciphertext, err := crypto.EncryptPayload(senderKey, artifact, localAAD(contextID, delta.ID))
	if err != nil {
		return fmt.Errorf("encrypt artifact: %w", err)
	}

	var eventsInline []byte
	if len(delta.Events) > 0 {
		eventsInline, err = json.Marshal(delta.Events)
		if err != nil {
			return fmt.Errorf("marshal events: %w", err)
		}
		if len(eventsInline) > protocol.InlineEventsThreshold {
			eventsInline = nil // oversized events are left out of the gossip message; EventsBlobID stays unset
		}
	}

	msg := protocol.StateDelta{
		ContextID:        contextID,
		AuthorID:         author,
		DeltaID:          delta.ID,
		Parents:          delta.Parents,
		HLC:              delta.HLC,
		Height:           delta.Height,
		ExpectedRootHash: delta.ExpectedRootHash,
		EncryptedPayload: ciphertext,
		Nonce:            nonce,
		EventsInline:     eventsInline,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal state delta: %w", err)
	}

	return n.net.Publish(ctx, protocol.GossipTopic(contextID), data)
}
