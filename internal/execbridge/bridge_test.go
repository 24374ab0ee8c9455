package execbridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/hlc"
	"github.com/calimero-network/core-sub003/internal/primitives"
)

type fakeHeads struct {
	heads map[primitives.ID]struct{}
}

func (f *fakeHeads) GetHeads(primitives.ID) map[primitives.ID]struct{} { return f.heads }

func TestExecute(t *testing.T) {
	contextID := primitives.ID{1}
	author := primitives.PublicKey{2}

	t.Run("Scenario: executing a method applies actions and stamps a generated delta", func(t *testing.T) {
		heads := &fakeHeads{heads: map[primitives.ID]struct{}{primitives.ZeroID: {}}}
		clock := hlc.New([32]byte{9})
		b := New(clock, heads, nil)

		inv := Invocation{
			Actions: []primitives.StorageAction{{EntityKey: []byte("k1"), Data: []byte("v1")}},
			Events:  []primitives.Event{{Handler: "on_set", Data: []byte("evt")}},
		}
		input, err := json.Marshal(inv)
		require.NoError(t, err)

		result, err := b.Execute(context.Background(), contextID, author, "apply", input)
		require.NoError(t, err)
		require.NotNil(t, result.GeneratedDelta)
		require.Equal(t, result.NewRootHash, result.GeneratedDelta.ExpectedRootHash)
		require.Len(t, result.GeneratedDelta.Payload, 1)
		require.Equal(t, []primitives.ID{primitives.ZeroID}, result.GeneratedDelta.Parents)
		require.NotEmpty(t, result.Artifact)
	})

	t.Run("Scenario: Apply is a pure function of the entity table", func(t *testing.T) {
		b := New(nil, nil, nil)
		payload := []primitives.StorageAction{{EntityKey: []byte("a"), Data: []byte("1")}}

		h1, err := b.Apply(contextID, payload)
		require.NoError(t, err)
		h2, err := b.Apply(primitives.ID{99}, payload)
		require.NoError(t, err)
		require.Equal(t, h1, h2, "identical entity tables across contexts must hash identically")
	})

	t.Run("Scenario: deleting an entity (nil data) removes it from the root hash", func(t *testing.T) {
		b := New(nil, nil, nil)
		ctx := primitives.ID{7}

		h1, err := b.Apply(ctx, []primitives.StorageAction{{EntityKey: []byte("k"), Data: []byte("v")}})
		require.NoError(t, err)

		h2, err := b.Apply(ctx, []primitives.StorageAction{{EntityKey: []byte("k"), Data: nil}})
		require.NoError(t, err)

		require.NotEqual(t, h1, h2)
		require.Equal(t, primitives.ZeroID, h2)
	})

	t.Run("Scenario: height increments per author within a context", func(t *testing.T) {
		heads := &fakeHeads{heads: map[primitives.ID]struct{}{primitives.ZeroID: {}}}
		b := New(hlc.New([32]byte{1}), heads, nil)

		r1, err := b.Execute(context.Background(), contextID, author, "apply", mustInvocation(t, nil))
		require.NoError(t, err)
		r2, err := b.Execute(context.Background(), contextID, author, "apply", mustInvocation(t, nil))
		require.NoError(t, err)

		require.Equal(t, uint64(1), r1.GeneratedDelta.Height)
		require.Equal(t, uint64(2), r2.GeneratedDelta.Height)
	})

	t.Run("Scenario: noop method reports current root hash without mutating state", func(t *testing.T) {
		b := New(nil, nil, nil)
		_, err := b.Apply(contextID, []primitives.StorageAction{{EntityKey: []byte("k"), Data: []byte("v")}})
		require.NoError(t, err)

		result, err := b.Execute(context.Background(), contextID, author, "noop", nil)
		require.NoError(t, err)
		require.Nil(t, result.GeneratedDelta)

		expected, err := b.Apply(contextID, nil)
		require.NoError(t, err)
		require.Equal(t, expected, result.NewRootHash)
	})

	t.Run("Scenario: malformed input is rejected as a validation error", func(t *testing.T) {
		b := New(nil, nil, nil)
		_, err := b.Execute(context.Background(), contextID, author, "apply", []byte("not json"))
		require.Error(t, err)
	})
}

func mustInvocation(t *testing.T, actions []primitives.StorageAction) []byte {
	t.Helper()
	raw, err := json.Marshal(Invocation{Actions: actions})
	require.NoError(t, err)
	return raw
}
