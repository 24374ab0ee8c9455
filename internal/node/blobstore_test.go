package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
)

func TestBlobStore(t *testing.T) {
	t.Run("Scenario: a stored blob round-trips through Get and Has", func(t *testing.T) {
		n := testNode(t)
		blobID := primitives.ID{0x20}
		data := []byte("application bundle bytes")

		require.NoError(t, n.PutBlob(context.Background(), blobID, data))

		got, found, err := n.GetBlob(context.Background(), blobID)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, data, got)

		has, err := n.HasBlob(context.Background(), blobID)
		require.NoError(t, err)
		require.True(t, has)
	})

	t.Run("Scenario: HasBlob reports false for an unknown blob", func(t *testing.T) {
		n := testNode(t)
		has, err := n.HasBlob(context.Background(), primitives.ID{0x99})
		require.NoError(t, err)
		require.False(t, has)
	})

	t.Run("Scenario: installing an application requires its blob to already be present", func(t *testing.T) {
		n := testNode(t)
		blobID := primitives.ID{0x21}

		err := n.InstallApplication(context.Background(), primitives.ID{0x22}, blobID)
		require.Error(t, err)

		require.NoError(t, n.PutBlob(context.Background(), blobID, []byte("bundle")))
		require.NoError(t, n.InstallApplication(context.Background(), primitives.ID{0x22}, blobID))
	})
}

func TestEmitStateMutation(t *testing.T) {
	t.Run("Scenario: a state mutation event refreshes the cached context root hash and heads", func(t *testing.T) {
		n := testNode(t)
		ctxState, err := n.CreateContext(primitives.ID{0x30})
		require.NoError(t, err)

		store, ok := n.Store(ctxState.ID)
		require.True(t, ok)

		newRoot := primitives.ID{0xAB, 0xCD}
		n.EmitStateMutation(ports.StateMutationEvent{
			ContextID: ctxState.ID,
			RootHash:  newRoot,
			Events:    []primitives.Event{{Handler: "updated"}},
		})

		reloaded, err := n.GetContext(context.Background(), ctxState.ID)
		require.NoError(t, err)
		require.Equal(t, newRoot, reloaded.RootHash)
		require.Equal(t, store.GetHeads(), reloaded.DAGHeads)
	})

	t.Run("Scenario: a state mutation for an unknown context is ignored rather than panicking", func(t *testing.T) {
		n := testNode(t)
		require.NotPanics(t, func() {
			n.EmitStateMutation(ports.StateMutationEvent{ContextID: primitives.ID{0xFF}})
		})
	})
}
