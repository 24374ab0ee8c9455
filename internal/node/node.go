// Package node wires every leaf component of the node core (§2) into one
// running process: per-context delta stores, the storage bridge, the
// execution bridge, the broadcast handler, the sync engine and manager, key
// exchange, blob transfer, and the libp2p transport. It is the seam where
// ports.NodeClient and ports.ContextClient get their concrete
// implementation.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/calimero-network/core-sub003/internal/blob"
	"github.com/calimero-network/core-sub003/internal/broadcast"
	"github.com/calimero-network/core-sub003/internal/crypto"
	"github.com/calimero-network/core-sub003/internal/dag"
	"github.com/calimero-network/core-sub003/internal/execbridge"
	"github.com/calimero-network/core-sub003/internal/hlc"
	"github.com/calimero-network/core-sub003/internal/keyexchange"
	"github.com/calimero-network/core-sub003/internal/netevent"
	libp2ptransport "github.com/calimero-network/core-sub003/internal/network/libp2p"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/internal/storage"
	"github.com/calimero-network/core-sub003/internal/storage/badger"
	"github.com/calimero-network/core-sub003/internal/sync"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

// Node orchestrates the node core for one running process: one identity,
// one datastore, and any number of contexts.
type Node struct {
	mu sync.RWMutex

	cfg      *Config
	identity *crypto.Identity
	log      *logging.Logger

	badgerMgr *badger.Manager
	storage   *storage.Bridge
	net       *libp2ptransport.Node
	clock     *hlc.Clock

	execBridge       *execbridge.Bridge
	keyExchange      *keyexchange.Exchanger
	blobProvider     *blob.Provider
	blobRequester    *blob.Requester
	broadcastHandler *broadcast.Handler
	syncEngine       *sync.Engine
	syncManager      *sync.Manager
	events           *netevent.Channel

	contexts   map[primitives.ID]*primitives.Context
	stores     map[primitives.ID]*dag.Store
	senderKeys map[primitives.ID]map[primitives.PublicKey][]byte

	runCtx    context.Context
	runCancel context.CancelFunc
	running   bool
}

var (
	_ ports.NodeClient    = (*Node)(nil)
	_ ports.ContextClient = (*Node)(nil)
)

// New creates a Node: loads or generates the local identity, opens the
// datastore, creates the libp2p host (which listens on the configured
// addresses), and wires every collaborator. It does not register stream
// handlers or start the sync/broadcast loops; call Start for that.
func New(cfg *Config, log *logging.Logger) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.NewConsole(cfg.LogLevel)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	identityPath := filepath.Join(cfg.DataDir, "identity.json")
	var identity *crypto.Identity
	var err error
	if crypto.IdentityExists(identityPath) {
		identity, err = crypto.LoadIdentity(identityPath)
	} else {
		identity, err = crypto.GenerateIdentity()
		if err == nil {
			err = crypto.SaveIdentity(identity, identityPath)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	badgerMgr, err := badger.NewManager(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	ds := storage.NewBadgerDatastore(badgerMgr)
	bridge := storage.NewBridge(ds)

	localPub, err := identity.PublicKeyID()
	if err != nil {
		return nil, fmt.Errorf("derive local public key: %w", err)
	}

	n := &Node{
		cfg:        cfg,
		identity:   identity,
		log:        log.Component("node"),
		badgerMgr:  badgerMgr,
		storage:    bridge,
		clock:      hlc.New([32]byte(localPub)),
		contexts:   make(map[primitives.ID]*primitives.Context),
		stores:     make(map[primitives.ID]*dag.Store),
		senderKeys: make(map[primitives.ID]map[primitives.PublicKey][]byte),
	}

	netCfg := libp2ptransport.DefaultConfig()
	netCfg.ListenAddrs = cfg.ListenAddrs
	netCfg.PrivateKey = identity.PrivateKey
	for _, addr := range cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.log.Warn("skipping malformed bootstrap address", "addr", addr, "err", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.Warn("skipping unresolvable bootstrap address", "addr", addr, "err", err)
			continue
		}
		netCfg.BootstrapPeers = append(netCfg.BootstrapPeers, *info)
	}

	netNode, err := libp2ptransport.NewNode(context.Background(), netCfg, log)
	if err != nil {
		_ = badgerMgr.Close()
		return nil, fmt.Errorf("start network node: %w", err)
	}
	n.net = netNode

	n.execBridge = execbridge.New(n.clock, n, log)
	n.keyExchange = keyexchange.New(identity, n, n, log, cfg.syncTimeout())
	n.blobProvider = blob.NewProvider(n, blob.Config{ChunkSize: cfg.BlobChunkSizeBytes}, log)
	n.blobRequester = blob.NewRequester(n, blob.Config{ChunkSize: cfg.BlobChunkSizeBytes}, log)

	n.broadcastHandler = broadcast.New(
		localPub, n, n, n, n.keyExchange, n.net, n, n, n, log,
	)

	n.syncEngine = sync.NewEngine(n, n, n.keyExchange, n, n.blobRequester, n.net,
		sync.Config{SyncTimeout: cfg.syncTimeout()}, log)
	n.syncManager = sync.NewManager(n.syncEngine, n, n.net, n.net,
		sync.ManagerConfig{
			Frequency:     cfg.syncFrequency(),
			Interval:      cfg.syncInterval(),
			MaxConcurrent: cfg.SyncMaxConcurrent,
			SyncTimeout:   cfg.syncTimeout(),
		}, log)

	n.events = netevent.New(netevent.Config{
		ChannelSize:      cfg.NetworkChannelSize,
		WarningThreshold: cfg.NetworkWarningThreshold,
	}, log, nil)

	if err := n.bootstrapFromStorage(); err != nil {
		return nil, fmt.Errorf("bootstrap from storage: %w", err)
	}

	return n, nil
}

// LocalIdentity returns the node's own public key.
func (n *Node) LocalIdentity() primitives.PublicKey {
	pub, _ := n.identity.PublicKeyID()
	return pub
}

// LocalPeerID returns the node's libp2p peer ID.
func (n *Node) LocalPeerID() peer.ID {
	return n.net.LocalPeerID()
}

// Start registers protocol handlers, subscribes to every known context's
// gossip topic, and starts the sync manager and event-processing loops.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.runCtx = runCtx
	n.runCancel = cancel
	n.running = true

	n.registerStreamHandlers()

	if err := n.net.StartMDNS(); err != nil {
		n.log.Warn("mdns discovery unavailable", "err", err)
	}

	for contextID := range n.contexts {
		if err := n.subscribeContext(runCtx, contextID); err != nil {
			n.log.Warn("failed to subscribe context topic on startup", "context_id", contextID.String(), "err", err)
		}
	}

	go n.processEvents(runCtx)
	go func() {
		if err := n.syncManager.Run(runCtx); err != nil {
			n.log.Warn("sync manager exited", "err", err)
		}
	}()

	return nil
}

// Stop cancels every background loop and closes the network node and
// datastore.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	n.runCancel()
	n.running = false
	n.events.Drain()

	var firstErr error
	if err := n.net.Close(); err != nil {
		firstErr = err
	}
	if err := n.badgerMgr.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ListenAddrs returns the local host's advertised multiaddrs.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	return n.net.Addrs()
}
