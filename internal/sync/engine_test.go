package sync

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/dag"
	"github.com/calimero-network/core-sub003/internal/hlc"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

type fakeContextsStore struct {
	known map[primitives.ID]*primitives.Context
}

func (f *fakeContextsStore) GetContext(ctx context.Context, contextID primitives.ID) (*primitives.Context, error) {
	c, ok := f.known[contextID]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return c, nil
}

type fakeStoreProvider struct {
	stores map[primitives.ID]*dag.Store
}

func (f *fakeStoreProvider) Store(contextID primitives.ID) (*dag.Store, bool) {
	s, ok := f.stores[contextID]
	return s, ok
}

type noopApplier struct{}

func (noopApplier) Apply(contextID primitives.ID, payload []primitives.StorageAction) (primitives.ID, error) {
	return primitives.ID{0xAB}, nil
}

func TestEngineSync(t *testing.T) {
	t.Run("Scenario: two genesis contexts with equal root hashes complete a session without error", func(t *testing.T) {
		contextID := primitives.ID{1}
		ctxState := &primitives.Context{ID: contextID, RootHash: primitives.ZeroID}

		initiatorStore := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)
		responderStore := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)

		initiatorEngine := NewEngine(
			&fakeContextsStore{known: map[primitives.ID]*primitives.Context{contextID: ctxState}},
			&fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: initiatorStore}},
			nil, nil, nil, nil, Config{SyncTimeout: 2 * time.Second}, logging.Nop())
		responderEngine := NewEngine(
			&fakeContextsStore{known: map[primitives.ID]*primitives.Context{contextID: ctxState}},
			&fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: responderStore}},
			nil, nil, nil, nil, Config{SyncTimeout: 2 * time.Second}, logging.Nop())

		clientConn, serverConn := net.Pipe()
		defer serverConn.Close()

		done := make(chan error, 1)
		go func() { done <- responderEngine.RunResponder(context.Background(), serverConn) }()

		err := initiatorEngine.RunInitiator(context.Background(), clientConn, contextID, nil)
		require.NoError(t, err)
		clientConn.Close()
		require.NoError(t, <-done)
	})

	t.Run("Scenario: an uninitialized initiator backfills an applied delta from its responder", func(t *testing.T) {
		contextID := primitives.ID{2}
		author := primitives.ID{3}
		ctxState := &primitives.Context{ID: contextID, RootHash: primitives.ID{0xAB}}

		responderStore := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)
		parents := []primitives.ID{primitives.ZeroID}
		ts := hlc.Timestamp{PhysicalMS: 1, NodeID: author}
		actions := []primitives.StorageAction{{EntityKey: []byte("k"), Data: []byte("v")}}
		deltaID := primitives.ContentHash(parents, actions, ts, author)
		seedDelta := &primitives.Delta{
			ID: deltaID, Parents: parents, Payload: actions, HLC: ts,
			ExpectedRootHash: primitives.ID{0xAB}, Author: author, Height: 1,
		}
		_, err := responderStore.AddDelta(seedDelta)
		require.NoError(t, err)

		initiatorStore := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)

		initiatorEngine := NewEngine(
			&fakeContextsStore{known: map[primitives.ID]*primitives.Context{contextID: ctxState}},
			&fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: initiatorStore}},
			nil, nil, nil, nil, Config{SyncTimeout: 2 * time.Second}, logging.Nop())
		responderEngine := NewEngine(
			&fakeContextsStore{known: map[primitives.ID]*primitives.Context{contextID: ctxState}},
			&fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: responderStore}},
			nil, nil, nil, nil, Config{SyncTimeout: 2 * time.Second}, logging.Nop())

		clientConn, serverConn := net.Pipe()
		defer serverConn.Close()

		done := make(chan error, 1)
		go func() { done <- responderEngine.RunResponder(context.Background(), serverConn) }()

		err = initiatorEngine.RunInitiator(context.Background(), clientConn, contextID, nil)
		require.NoError(t, err)
		clientConn.Close()
		require.NoError(t, <-done)

		require.True(t, initiatorStore.HasApplied(deltaID))
	})
}
