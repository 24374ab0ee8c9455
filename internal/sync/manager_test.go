package sync

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/dag"
	"github.com/calimero-network/core-sub003/internal/hlc"
	libp2ptransport "github.com/calimero-network/core-sub003/internal/network/libp2p"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

type fakeEnumerator struct {
	contexts []primitives.ID
}

func (f *fakeEnumerator) ListContexts(ctx context.Context) ([]primitives.ID, error) {
	return f.contexts, nil
}

type fakePeerSource struct {
	local    peer.ID
	meshByID map[string][]peer.ID
}

func (f *fakePeerSource) MeshPeers(topic string) []peer.ID { return f.meshByID[topic] }
func (f *fakePeerSource) LocalPeerID() peer.ID              { return f.local }

type fakeStreamOpener struct {
	conn  ports.Stream
	err   error
	calls int
}

func (f *fakeStreamOpener) OpenStream(ctx context.Context, p peer.ID, protocolID string) (ports.Stream, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

// Explicit peers are supplied to scheduleTick's Request values so these
// tests exercise the scheduling gate, not selectPeer's probe (covered
// separately in TestManagerSelectPeer).
func explicitPeer() *peer.ID {
	p := peer.ID("remote")
	return &p
}

func TestManagerScheduleTick(t *testing.T) {
	t.Run("Scenario: a fresh context syncs when an explicit request names it", func(t *testing.T) {
		contextID := primitives.ID{1}
		ctxState := &primitives.Context{ID: contextID, RootHash: primitives.ZeroID}
		responderStore := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)
		initiatorStore := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)

		clientConn, serverConn := net.Pipe()
		defer serverConn.Close()

		responderEngine := NewEngine(
			&fakeContextsStore{known: map[primitives.ID]*primitives.Context{contextID: ctxState}},
			&fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: responderStore}},
			nil, nil, nil, nil, Config{SyncTimeout: 2 * time.Second}, logging.Nop())
		done := make(chan error, 1)
		go func() { done <- responderEngine.RunResponder(context.Background(), serverConn) }()

		initiatorEngine := NewEngine(
			&fakeContextsStore{known: map[primitives.ID]*primitives.Context{contextID: ctxState}},
			&fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: initiatorStore}},
			nil, nil, nil, nil, Config{SyncTimeout: 2 * time.Second}, logging.Nop())

		opener := &fakeStreamOpener{conn: clientConn}
		mgr := NewManager(initiatorEngine, &fakeEnumerator{contexts: []primitives.ID{contextID}},
			&fakePeerSource{}, opener,
			ManagerConfig{Frequency: time.Hour, Interval: time.Hour, MaxConcurrent: 1, SyncTimeout: 2 * time.Second}, logging.Nop())

		mgr.scheduleTick(context.Background(), []Request{{ContextID: &contextID, PeerID: explicitPeer()}})
		require.Eventually(t, func() bool { return opener.calls == 1 }, time.Second, time.Millisecond)
		require.NoError(t, <-done)
		require.Eventually(t, func() bool { return mgr.backoff.FailureCount(contextID) == 0 }, time.Second, time.Millisecond)
	})

	t.Run("Scenario: a context within its resync interval is skipped on a periodic tick", func(t *testing.T) {
		contextID := primitives.ID{2}
		opener := &fakeStreamOpener{err: context.DeadlineExceeded}
		mgr := NewManager(nil, &fakeEnumerator{contexts: []primitives.ID{contextID}}, &fakePeerSource{}, opener,
			ManagerConfig{Frequency: time.Hour, Interval: time.Hour, MaxConcurrent: 1, SyncTimeout: time.Second}, logging.Nop())
		mgr.backoff.RecordSuccess(contextID)

		mgr.scheduleTick(context.Background(), nil)
		time.Sleep(10 * time.Millisecond)
		require.Equal(t, 0, opener.calls)
	})

	t.Run("Scenario: an explicit request bypasses the resync interval gate", func(t *testing.T) {
		contextID := primitives.ID{3}
		opener := &fakeStreamOpener{err: context.DeadlineExceeded}
		mgr := NewManager(nil, &fakeEnumerator{contexts: []primitives.ID{contextID}}, &fakePeerSource{}, opener,
			ManagerConfig{Frequency: time.Hour, Interval: time.Hour, MaxConcurrent: 1, SyncTimeout: time.Second}, logging.Nop())
		mgr.backoff.RecordSuccess(contextID)

		mgr.scheduleTick(context.Background(), []Request{{ContextID: &contextID, PeerID: explicitPeer()}})
		require.Eventually(t, func() bool { return opener.calls == 1 }, time.Second, time.Millisecond)
	})
}

func TestManagerDrainRequests(t *testing.T) {
	t.Run("Scenario: queued requests are coalesced with the triggering one", func(t *testing.T) {
		mgr := NewManager(nil, &fakeEnumerator{}, &fakePeerSource{}, &fakeStreamOpener{}, DefaultManagerConfig(), logging.Nop())
		first := primitives.ID{1}
		second := primitives.ID{2}
		mgr.requests <- Request{ContextID: &second}

		drained := mgr.drainRequests(Request{ContextID: &first})

		require.Len(t, drained, 2)
		require.Equal(t, first, *drained[0].ContextID)
		require.Equal(t, second, *drained[1].ContextID)
	})

	t.Run("Scenario: a full-scan request collected alongside others still triggers a full scan", func(t *testing.T) {
		mgr := NewManager(nil, &fakeEnumerator{}, &fakePeerSource{}, &fakeStreamOpener{}, DefaultManagerConfig(), logging.Nop())
		contextID := primitives.ID{1}
		mgr.requests <- Request{ContextID: nil}

		drained := mgr.drainRequests(Request{ContextID: &contextID})
		require.Len(t, drained, 2)
	})
}

func TestManagerSelectPeer(t *testing.T) {
	t.Run("Scenario: an uninitialized context prefers a peer that answers with non-empty heads", func(t *testing.T) {
		contextID := primitives.ID{4}
		store := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)
		engine := NewEngine(nil, &fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: store}}, nil, nil, nil, nil, Config{}, logging.Nop())

		clientConn, serverConn := net.Pipe()
		serveDone := make(chan struct{})
		go func() {
			defer close(serveDone)
			req, err := libp2ptransport.ReadRequest(serverConn)
			if err != nil {
				return
			}
			_ = libp2ptransport.Respond(serverConn, req.CorrelationID, "heads_response", protocol.HeadsResponse{Heads: []primitives.ID{{9}}})
		}()

		opener := &fakeStreamOpener{conn: clientConn}
		mgr := NewManager(engine, &fakeEnumerator{}, &fakePeerSource{meshByID: map[string][]peer.ID{
			protocol.GossipTopic(contextID): {"remote"},
		}}, opener, DefaultManagerConfig(), logging.Nop())

		got := mgr.selectPeer(context.Background(), contextID)
		require.NotNil(t, got)

		clientConn.Close()
		<-serveDone
		serverConn.Close()
	})

	t.Run("Scenario: no mesh peers yields no selection", func(t *testing.T) {
		contextID := primitives.ID{5}
		mgr := NewManager(nil, &fakeEnumerator{}, &fakePeerSource{local: "local", meshByID: map[string][]peer.ID{}}, &fakeStreamOpener{}, DefaultManagerConfig(), logging.Nop())
		require.Nil(t, mgr.selectPeer(context.Background(), contextID))
	})

	t.Run("Scenario: mesh peers minus the local peer ID yields random selection when store is initialized", func(t *testing.T) {
		contextID := primitives.ID{6}
		store := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)
		parents := []primitives.ID{primitives.ZeroID}
		author := primitives.ID{1}
		ts := hlc.Timestamp{PhysicalMS: 1, NodeID: author}
		deltaID := primitives.ContentHash(parents, nil, ts, author)
		_, err := store.AddDelta(&primitives.Delta{
			ID: deltaID, Parents: parents, Payload: nil, HLC: ts,
			ExpectedRootHash: primitives.ID{0xAB}, Author: author, Height: 1,
		})
		require.NoError(t, err)
		engine := NewEngine(nil, &fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: store}}, nil, nil, nil, nil, Config{}, logging.Nop())

		mgr := NewManager(engine, &fakeEnumerator{}, &fakePeerSource{local: "local", meshByID: map[string][]peer.ID{
			protocol.GossipTopic(contextID): {"local", "remote"},
		}}, &fakeStreamOpener{}, DefaultManagerConfig(), logging.Nop())

		got := mgr.selectPeer(context.Background(), contextID)
		require.NotNil(t, got)
		require.Equal(t, peer.ID("remote"), *got)
	})
}
