// Package libp2p adapts go-libp2p (host, gossipsub, Kademlia DHT) to the
// node core's ports.NetworkClient seam: context gossip topics, direct
// streams for the sync/key-exchange/delta-request/blob protocols, and mesh
// peer discovery for the sync manager's peer selection (§4.7).
package libp2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	golibp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/multiformats/go-multiaddr"

	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

// Config configures a Node's transport and connection behavior.
type Config struct {
	ListenAddrs    []string
	BootstrapPeers []peer.AddrInfo
	PrivateKey     crypto.PrivKey
	LowWater       int
	HighWater      int
}

// DefaultConfig returns listen addresses and connection-manager watermarks
// suitable for a single local node.
func DefaultConfig() *Config {
	return &Config{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		LowWater:  100,
		HighWater: 400,
	}
}

// Node wraps a libp2p host, its gossipsub router, and a Kademlia DHT used
// for bootstrap and peer discovery.
type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub

	topics  map[string]*pubsub.Topic
	subs    map[string]*pubsub.Subscription
	metrics *Metrics
	log     *logging.Logger

	mdnsService mdns.Service
	onPeerFound func(peer.AddrInfo)

	mu sync.RWMutex
}

var _ ports.NetworkClient = (*Node)(nil)

// NewNode starts a libp2p host with Noise transport security, a connection
// manager, a Kademlia DHT in auto-server mode, and gossipsub with peer exchange
// and flood publish enabled.
func NewNode(ctx context.Context, cfg *Config, log *logging.Logger) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.Nop()
	}

	privKey := cfg.PrivateKey
	if privKey == nil {
		var err error
		privKey, _, err = crypto.GenerateKeyPair(crypto.Ed25519, -1)
		if err != nil {
			return nil, fmt.Errorf("generate identity key: %w", err)
		}
	}

	connMgr, err := connmgr.NewConnManager(cfg.LowWater, cfg.HighWater, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("new connection manager: %w", err)
	}

	var listenAddrs []multiaddr.Multiaddr
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parse listen addr %q: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	h, err := golibp2p.New(
		golibp2p.Identity(privKey),
		golibp2p.ListenAddrs(listenAddrs...),
		golibp2p.Security(noise.ID, noise.New),
		golibp2p.NATPortMap(),
		golibp2p.ConnectionManager(connMgr),
	)
	if err != nil {
		return nil, fmt.Errorf("new host: %w", err)
	}

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("new dht: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		kadDHT.Close()
		h.Close()
		return nil, fmt.Errorf("new gossipsub: %w", err)
	}

	return &Node{
		host:    h,
		dht:     kadDHT,
		pubsub:  ps,
		topics:  make(map[string]*pubsub.Topic),
		subs:    make(map[string]*pubsub.Subscription),
		metrics: NewMetrics(),
		log:     log.Component("network"),
	}, nil
}

// Bootstrap connects to the configured bootstrap peers and starts the DHT's
// own bootstrap routine.
func (n *Node) Bootstrap(ctx context.Context, peers []peer.AddrInfo) error {
	var wg sync.WaitGroup
	for _, pi := range peers {
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.log.Warn("bootstrap peer connect failed", "peer", pi.ID.String(), "error", err)
			}
		}(pi)
	}
	wg.Wait()
	return n.dht.Bootstrap(ctx)
}

// LocalPeerID implements ports.NetworkClient.
func (n *Node) LocalPeerID() peer.ID { return n.host.ID() }

// Addrs returns the host's listen multiaddrs.
func (n *Node) Addrs() []multiaddr.Multiaddr { return n.host.Addrs() }

func (n *Node) joinTopic(topicName string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if topic, ok := n.topics[topicName]; ok {
		return topic, nil
	}
	topic, err := n.pubsub.Join(topicName)
	if err != nil {
		return nil, err
	}
	n.topics[topicName] = topic
	return topic, nil
}

// Subscribe joins and subscribes to a gossip topic, returning the
// subscription for message consumption.
func (n *Node) Subscribe(topicName string) (*pubsub.Subscription, error) {
	topic, err := n.joinTopic(topicName)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.subs[topicName]; ok {
		return sub, nil
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	n.subs[topicName] = sub
	return sub, nil
}

// Publish implements ports.NetworkClient: it joins the topic if needed,
// applies zstd compression when beneficial, and publishes.
func (n *Node) Publish(ctx context.Context, topicName string, data []byte) error {
	topic, err := n.joinTopic(topicName)
	if err != nil {
		n.metrics.RecordError("publish_join_topic")
		return err
	}

	compressed := CompressMessage(data)
	n.metrics.RecordCompression(len(data), len(compressed))
	n.metrics.RecordMessageSent(topicName, len(compressed))

	if err := topic.Publish(ctx, compressed); err != nil {
		n.metrics.RecordError("publish_failed")
		return err
	}
	return nil
}

// MeshPeers implements ports.NetworkClient: the gossipsub mesh peers
// currently known for a topic.
func (n *Node) MeshPeers(topicName string) []peer.ID {
	return n.pubsub.ListPeers(topicName)
}

// OpenStream implements ports.NetworkClient: opens a direct stream to p
// speaking protocolID. The returned network.Stream already satisfies
// ports.Stream's Write/Read/Close/SetDeadline method set.
func (n *Node) OpenStream(ctx context.Context, p peer.ID, protocolID string) (ports.Stream, error) {
	s, err := n.host.NewStream(ctx, p, protocol.ID(protocolID))
	if err != nil {
		n.metrics.RecordError("open_stream_failed")
		return nil, err
	}
	return s, nil
}

// Handle registers a handler invoked for every inbound stream on
// protocolID (the responder side of sync/key-exchange/delta-request/blob).
func (n *Node) Handle(protocolID string, handler func(ports.Stream)) {
	n.host.SetStreamHandler(protocol.ID(protocolID), func(s network.Stream) {
		handler(s)
	})
}

// ConnectedPeers returns every peer currently connected at the transport
// layer, regardless of topic membership.
func (n *Node) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// Metrics returns the node's gossip/stream metrics collector.
func (n *Node) Metrics() *Metrics { return n.metrics }

// Close tears down subscriptions, topics, the DHT, and the host, in that
// order.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		sub.Cancel()
	}
	for _, topic := range n.topics {
		topic.Close()
	}
	if n.mdnsService != nil {
		n.mdnsService.Close()
		n.mdnsService = nil
	}
	if err := n.dht.Close(); err != nil {
		return err
	}
	return n.host.Close()
}
