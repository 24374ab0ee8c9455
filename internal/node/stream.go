package node

import (
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/ports"
)

// registerStreamHandlers wires the responder side of every direct-stream
// protocol this node answers: full sync sessions, key exchange, blob
// transfer, and standalone heads/delta requests.
func (n *Node) registerStreamHandlers() {
	n.net.Handle(protocol.SyncProtocolID, func(s ports.Stream) {
		defer s.Close()
		if err := n.syncEngine.RunResponder(n.runCtx, s); err != nil {
			n.log.Warn("sync responder session failed", "err", err)
		}
	})

	n.net.Handle(protocol.KeyExchangeProtocolID, func(s ports.Stream) {
		defer s.Close()
		if err := n.keyExchange.Respond(n.runCtx, s); err != nil {
			n.log.Warn("key exchange responder session failed", "err", err)
		}
	})

	n.net.Handle(protocol.BlobProtocolID, func(s ports.Stream) {
		defer s.Close()
		if err := n.blobProvider.Serve(n.runCtx, s); err != nil {
			n.log.Warn("blob provider session failed", "err", err)
		}
	})

	n.net.Handle(protocol.DeltaRequestProtocolID, func(s ports.Stream) {
		defer s.Close()
		if err := n.syncEngine.RunDeltaResponder(n.runCtx, s); err != nil {
			n.log.Warn("delta-request responder session failed", "err", err)
		}
	})
}
