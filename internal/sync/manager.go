package sync

import (
	"context"
	"math/rand"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	libp2ptransport "github.com/calimero-network/core-sub003/internal/network/libp2p"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

// probeHeads sends a one-shot heads_request over stream and decodes the
// reply, used for the lightweight has-state probe during peer selection.
func probeHeads(ctx context.Context, stream ports.Stream, contextID primitives.ID, timeout time.Duration) (protocol.HeadsResponse, error) {
	resp, err := libp2ptransport.Request(ctx, stream, "heads_request", protocol.HeadsRequest{ContextID: contextID}, timeout)
	if err != nil {
		return protocol.HeadsResponse{}, err
	}
	var heads protocol.HeadsResponse
	if err := decodeInto(resp, &heads); err != nil {
		return protocol.HeadsResponse{}, err
	}
	return heads, nil
}

// ContextEnumerator lists the contexts this node currently participates
// in, consulted once per scheduling tick.
type ContextEnumerator interface {
	ListContexts(ctx context.Context) ([]primitives.ID, error)
}

// PeerSource reports the mesh peers subscribed to a context's gossip
// topic and this node's own peer ID.
type PeerSource interface {
	MeshPeers(topic string) []peer.ID
	LocalPeerID() peer.ID
}

// ManagerConfig bounds the scheduling loop (§4.7, §5 Timeouts).
type ManagerConfig struct {
	Frequency     time.Duration // tick period, default 30s
	Interval      time.Duration // minimum time between syncs per context
	MaxConcurrent int           // concurrent sync sessions, default 4
	SyncTimeout   time.Duration
}

// DefaultManagerConfig returns the defaults named in §5.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Frequency:     30 * time.Second,
		Interval:      60 * time.Second,
		MaxConcurrent: 4,
		SyncTimeout:   60 * time.Second,
	}
}

// Request is an explicit, event-driven sync ask: a nil ContextID means
// "every context"; a nil PeerID means "manager picks a peer".
type Request struct {
	ContextID *primitives.ID
	PeerID    *peer.ID
}

// Manager periodically and on-demand schedules sync sessions across every
// context, bounding concurrency and backing off failing contexts.
type Manager struct {
	engine  *Engine
	enum    ContextEnumerator
	peers   PeerSource
	streams StreamOpener
	backoff *Backoff
	cfg     ManagerConfig
	log     *logging.Logger

	requests chan Request
	sem      chan struct{}
}

// NewManager builds a sync Manager.
func NewManager(engine *Engine, enum ContextEnumerator, peers PeerSource, streams StreamOpener, cfg ManagerConfig, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.Frequency <= 0 {
		cfg = DefaultManagerConfig()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Manager{
		engine:   engine,
		enum:     enum,
		peers:    peers,
		streams:  streams,
		backoff:  NewBackoff(0, 0),
		cfg:      cfg,
		log:      log.Component("sync-manager"),
		requests: make(chan Request, 256),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// RequestSync enqueues an explicit sync ask; it never blocks (a full
// scheduling channel means a scan is already pending, so the request is
// safely dropped — the next tick or drained request achieves the same
// effect).
func (m *Manager) RequestSync(contextID *primitives.ID, peerID *peer.ID) {
	select {
	case m.requests <- Request{ContextID: contextID, PeerID: peerID}:
	default:
		m.log.Debug("sync request channel full, dropping explicit request")
	}
}

// Run drives the scheduling loop until ctx is canceled (§4.7).
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.scheduleTick(ctx, nil)
		case req := <-m.requests:
			drained := m.drainRequests(req)
			m.scheduleTick(ctx, drained)
		}
	}
}

// drainRequests collapses first plus any already-queued requests into one
// pass. It collects every queued request; a request naming no context
// turns the pass into a full scan in scheduleTick.
func (m *Manager) drainRequests(first Request) []Request {
	all := []Request{first}
	for {
		select {
		case r := <-m.requests:
			all = append(all, r)
		default:
			return all
		}
	}
}

// scheduleTick schedules one sync per eligible context, honoring the
// concurrency cap; explicit requests bypass the interval/backoff gate
// that the periodic scan applies.
func (m *Manager) scheduleTick(ctx context.Context, requests []Request) {
	contexts, err := m.enum.ListContexts(ctx)
	if err != nil {
		m.log.Warn("failed to list contexts for sync tick", "err", err)
		return
	}

	explicit := make(map[primitives.ID]*peer.ID)
	fullScan := len(requests) == 0
	for _, r := range requests {
		if r.ContextID == nil {
			fullScan = true
			continue
		}
		explicit[*r.ContextID] = r.PeerID
	}

	now := time.Now()
	for _, contextID := range contexts {
		preferredPeer, requested := explicit[contextID]
		if !requested && !fullScan {
			continue
		}
		if !requested {
			if !m.backoff.Ready(contextID, now) {
				continue
			}
			if m.backoff.LastSyncTime(contextID).Add(m.cfg.Interval).After(now) {
				continue
			}
		}
		m.scheduleOne(ctx, contextID, preferredPeer)
	}
}

// scheduleOne launches one sync session in the background. It never
// blocks: when the global concurrency cap is reached, the context is
// skipped until a later tick or request.
func (m *Manager) scheduleOne(ctx context.Context, contextID primitives.ID, preferredPeer *peer.ID) {
	select {
	case m.sem <- struct{}{}:
	default:
		m.log.Debug("sync concurrency cap reached, deferring", "context_id", contextID.String())
		return
	}

	go func() {
		defer func() { <-m.sem }()

		p := preferredPeer
		if p == nil {
			selected := m.selectPeer(ctx, contextID)
			if selected == nil {
				m.log.Debug("no peer available for sync", "context_id", contextID.String())
				return
			}
			p = selected
		}

		sessionCtx, cancel := context.WithTimeout(ctx, m.cfg.SyncTimeout)
		defer cancel()

		stream, err := m.streams.OpenStream(sessionCtx, *p, protocol.SyncProtocolID)
		if err != nil {
			m.backoff.RecordFailure(contextID, err)
			m.log.Warn("sync stream open failed", "context_id", contextID.String(), "peer", p.String(), "err", err)
			return
		}
		defer stream.Close()

		if err := m.engine.RunInitiator(sessionCtx, stream, contextID, nil); err != nil {
			m.backoff.RecordFailure(contextID, err)
			m.log.Warn("sync session failed", "context_id", contextID.String(), "peer", p.String(), "err", err)
			return
		}
		m.backoff.RecordSuccess(contextID)
	}()
}

// selectPeer picks a mesh peer for contextID. An uninitialized local
// context preferentially picks a peer known to already have state
// (probed via a lightweight heads request); otherwise it picks randomly,
// leaving retry-on-failure to the next scheduling tick's backoff.
func (m *Manager) selectPeer(ctx context.Context, contextID primitives.ID) *peer.ID {
	topic := protocol.GossipTopic(contextID)
	candidates := m.peers.MeshPeers(topic)
	local := m.peers.LocalPeerID()

	filtered := candidates[:0:0]
	for _, p := range candidates {
		if p != local {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	store, ok := m.engine.stores.Store(contextID)
	if ok && store.IsUninitialized() {
		for _, p := range filtered {
			if m.probeHasState(ctx, p, contextID) {
				chosen := p
				return &chosen
			}
		}
	}

	chosen := filtered[rand.Intn(len(filtered))]
	return &chosen
}

// probeHasState opens a brief heads-request stream to p and reports
// whether it returned a non-empty head set.
func (m *Manager) probeHasState(ctx context.Context, p peer.ID, contextID primitives.ID) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.SyncTimeout/3)
	defer cancel()

	stream, err := m.streams.OpenStream(probeCtx, p, protocol.DeltaRequestProtocolID)
	if err != nil {
		return false
	}
	defer stream.Close()

	resp, err := probeHeads(probeCtx, stream, contextID, m.cfg.SyncTimeout/3)
	if err != nil {
		return false
	}
	return len(resp.Heads) > 0
}
