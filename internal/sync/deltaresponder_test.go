package sync

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/dag"
	"github.com/calimero-network/core-sub003/internal/network/libp2p"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

func TestRunDeltaResponder(t *testing.T) {
	t.Run("Scenario: a heads_request on the delta-request stream is answered without a prior handshake", func(t *testing.T) {
		contextID := primitives.ID{7}
		store := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)
		engine := NewEngine(nil, &fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: store}},
			nil, nil, nil, nil, Config{SyncTimeout: 2 * time.Second}, logging.Nop())

		clientConn, serverConn := net.Pipe()
		defer clientConn.Close()

		done := make(chan error, 1)
		go func() { done <- engine.RunDeltaResponder(context.Background(), serverConn) }()

		resp, err := libp2p.Request(context.Background(), clientConn, "heads_request",
			protocol.HeadsRequest{ContextID: contextID}, 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, "heads_response", resp.Kind)

		var heads protocol.HeadsResponse
		require.NoError(t, decodeInto(resp, &heads))
		require.ElementsMatch(t, []primitives.ID{primitives.ZeroID}, heads.Heads)

		clientConn.Close()
		require.NoError(t, <-done)
	})

	t.Run("Scenario: a delta_request returns the deltas named by ID", func(t *testing.T) {
		contextID := primitives.ID{8}
		store := dag.New(contextID, noopApplier{}, nil, logging.Nop(), 0)

		author := primitives.PublicKey{0x11}
		delta := &primitives.Delta{
			ID:      primitives.ID{0x22},
			Parents: []primitives.ID{primitives.ZeroID},
			Author:  author,
			Height:  1,
		}
		_, err := store.AddDelta(delta)
		require.NoError(t, err)

		engine := NewEngine(nil, &fakeStoreProvider{stores: map[primitives.ID]*dag.Store{contextID: store}},
			nil, nil, nil, nil, Config{SyncTimeout: 2 * time.Second}, logging.Nop())

		clientConn, serverConn := net.Pipe()
		defer clientConn.Close()

		done := make(chan error, 1)
		go func() { done <- engine.RunDeltaResponder(context.Background(), serverConn) }()

		resp, err := libp2p.Request(context.Background(), clientConn, "delta_request",
			protocol.DeltaRequest{ContextID: contextID, DeltaIDs: []primitives.ID{delta.ID}}, 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, "delta_response", resp.Kind)

		var dr protocol.DeltaResponse
		require.NoError(t, decodeInto(resp, &dr))
		require.Len(t, dr.Deltas, 1)
		require.Equal(t, delta.ID, dr.Deltas[0].ID)

		clientConn.Close()
		require.NoError(t, <-done)
	})

	t.Run("Scenario: a request for an unknown context is rejected", func(t *testing.T) {
		engine := NewEngine(nil, &fakeStoreProvider{stores: map[primitives.ID]*dag.Store{}},
			nil, nil, nil, nil, Config{SyncTimeout: 2 * time.Second}, logging.Nop())

		clientConn, serverConn := net.Pipe()
		defer clientConn.Close()
		defer serverConn.Close()

		done := make(chan error, 1)
		go func() { done <- engine.RunDeltaResponder(context.Background(), serverConn) }()

		_, err := libp2p.Request(context.Background(), clientConn, "heads_request",
			protocol.HeadsRequest{ContextID: primitives.ID{0x99}}, 200*time.Millisecond)
		require.Error(t, err)

		err = <-done
		require.Error(t, err)
	})
}
