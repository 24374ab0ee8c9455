package node

import (
	"context"
	"encoding/json"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/calimero-network/core-sub003/internal/broadcast"
	"github.com/calimero-network/core-sub003/internal/netevent"
	libp2ptransport "github.com/calimero-network/core-sub003/internal/network/libp2p"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/primitives"
)

const gossipEventKind = "gossip_delta"

// subscribeContext joins contextID's gossip topic and starts a goroutine
// that feeds every received message into the network event channel,
// decoupling the network I/O thread from delta processing (§4.9).
func (n *Node) subscribeContext(ctx context.Context, contextID primitives.ID) error {
	sub, err := n.net.Subscribe(protocol.GossipTopic(contextID))
	if err != nil {
		return err
	}
	go n.pumpGossip(ctx, contextID, sub)
	return nil
}

// pumpGossip reads messages off sub until ctx is canceled, skipping this
// node's own publications, and enqueues everything else onto the network
// event channel.
func (n *Node) pumpGossip(ctx context.Context, contextID primitives.ID, sub *pubsub.Subscription) {
	local := n.net.LocalPeerID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("gossip subscription read failed", "context_id", contextID.String(), "err", err)
			continue
		}
		if msg.ReceivedFrom == local {
			continue
		}
		n.events.TrySend(netevent.Event{
			Kind:       gossipEventKind,
			ContextID:  [32]byte(contextID),
			SourcePeer: msg.ReceivedFrom,
			Payload:    msg.Data,
		})
	}
}

// processEvents drains the network event channel until Drain closes it,
// dispatching each event to the broadcast handler (§4.9's event
// processor).
func (n *Node) processEvents(ctx context.Context) {
	for ev := range n.events.Recv() {
		switch ev.Kind {
		case gossipEventKind:
			n.handleGossipEvent(ctx, ev)
		default:
			n.log.Debug("ignoring unrecognized network event kind", "kind", ev.Kind)
		}
		n.events.Processed(ev)
	}
}

func (n *Node) handleGossipEvent(ctx context.Context, ev netevent.Event) {
	raw, err := libp2ptransport.DecompressMessage(ev.Payload)
	if err != nil {
		n.log.Warn("failed to decompress gossip payload", "err", err)
		return
	}
	var delta protocol.StateDelta
	if err := json.Unmarshal(raw, &delta); err != nil {
		n.log.Warn("malformed gossip payload, dropping", "err", err)
		return
	}
	msg := broadcast.Message{
		SourcePeer:       ev.SourcePeer,
		ContextID:        delta.ContextID,
		AuthorID:         delta.AuthorID,
		DeltaID:          delta.DeltaID,
		Parents:          delta.Parents,
		HLC:              delta.HLC,
		Height:           delta.Height,
		ExpectedRootHash: delta.ExpectedRootHash,
		EncryptedPayload: delta.EncryptedPayload,
		Nonce:            delta.Nonce,
		EventsInline:     delta.EventsInline,
		EventsBlobID:     delta.EventsBlobID,
	}
	if err := n.broadcastHandler.Handle(ctx, msg); err != nil {
		n.log.Warn("broadcast handling failed", "context_id", delta.ContextID.String(),
			"delta_id", delta.DeltaID.String(), "err", err)
	}
}
