package libp2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/calimero-network/core-sub003/pkg/logging"
)

// mdnsServiceName is the fixed rendezvous string for LAN discovery. Every
// calimero node advertises and looks up this same name, so all calimero
// nodes on one physical network find and connect to each other, whichever
// contexts they take part in.
const mdnsServiceName = "calimero-node"

// discoveryNotifee bridges mDNS peer-found callbacks into a host connection
// attempt plus an optional caller hook set via SetPeerFoundHandler
// (internal/node does not set one).
type discoveryNotifee struct {
	h           host.Host
	log         *logging.Logger
	onPeerFound func(peer.AddrInfo)
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.h.ID() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.h.Connect(ctx, pi); err != nil {
		d.log.Debug("mdns peer connect failed", "peer", pi.ID.String(), "error", err)
		return
	}
	d.log.Info("mdns peer discovered", "peer", pi.ID.String())

	if d.onPeerFound != nil {
		d.onPeerFound(pi)
	}
}

// StartMDNS enables local-network peer discovery alongside the DHT, so
// nodes on the same LAN find each other without a configured bootstrap
// peer. The caller's handler (if set via SetPeerFoundHandler) is invoked
// for every newly connected peer.
func (n *Node) StartMDNS() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.mdnsService != nil {
		return nil
	}

	notifee := &discoveryNotifee{h: n.host, log: n.log, onPeerFound: n.onPeerFound}
	svc := mdns.NewMdnsService(n.host, mdnsServiceName, notifee)
	if err := svc.Start(); err != nil {
		return err
	}
	n.mdnsService = svc
	return nil
}

// SetPeerFoundHandler registers a callback invoked whenever mDNS discovers
// and connects a new peer.
func (n *Node) SetPeerFoundHandler(handler func(peer.AddrInfo)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onPeerFound = handler
}
