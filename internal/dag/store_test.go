package dag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/hlc"
	"github.com/calimero-network/core-sub003/internal/primitives"
)

// fakeApplier computes a root hash deterministically from the payload so
// tests can assert expected_root_hash matching/mismatching behavior.
type fakeApplier struct {
	rootHashFn func(payload []primitives.StorageAction) primitives.ID
}

func (f *fakeApplier) Apply(_ primitives.ID, payload []primitives.StorageAction) (primitives.ID, error) {
	if f.rootHashFn != nil {
		return f.rootHashFn(payload), nil
	}
	return primitives.ContentHash(nil, payload, hlc.Timestamp{}, primitives.ID{})
}

type recordingPersister struct {
	calls int
}

func (p *recordingPersister) PersistDelta(primitives.ID, *primitives.Delta, primitives.ID, map[primitives.ID]struct{}) error {
	p.calls++
	return nil
}

func idFrom(b byte) primitives.ID {
	var id primitives.ID
	id[0] = b
	return id
}

func mkDelta(t *testing.T, author primitives.ID, height uint64, parents []primitives.ID, payload []primitives.StorageAction) *primitives.Delta {
	t.Helper()
	ts := hlc.Timestamp{PhysicalMS: height, NodeID: author}
	id := primitives.ContentHash(parents, payload, ts, author)
	return &primitives.Delta{
		ID:      id,
		Parents: parents,
		Payload: payload,
		HLC:     ts,
		Author:  author,
		Height:  height,
	}
}

func TestAddDelta(t *testing.T) {
	author := idFrom(1)

	t.Run("Scenario: genesis delta applies as a linear base", func(t *testing.T) {
		store := New(idFrom(0xAA), &fakeApplier{}, &recordingPersister{}, nil, 0)

		payload := []primitives.StorageAction{{EntityKey: []byte("k"), Data: []byte("v")}}
		d1 := mkDelta(t, author, 1, []primitives.ID{primitives.ZeroID}, payload)
		expectedRoot, err := (&fakeApplier{}).Apply(store.contextID, payload)
		require.NoError(t, err)
		d1.ExpectedRootHash = expectedRoot

		result, err := store.AddDelta(d1)
		require.NoError(t, err)
		require.True(t, result.Applied)

		heads := store.GetHeads()
		require.Len(t, heads, 1)
		_, isHead := heads[d1.ID]
		require.True(t, isHead)
		require.True(t, store.HasApplied(d1.ID))
	})

	t.Run("Scenario: cascade applies pending child once its parent arrives", func(t *testing.T) {
		store := New(idFrom(0xBB), &fakeApplier{}, &recordingPersister{}, nil, 0)

		payload1 := []primitives.StorageAction{{EntityKey: []byte("a"), Data: []byte("1")}}
		d1 := mkDelta(t, author, 1, []primitives.ID{primitives.ZeroID}, payload1)

		payload2 := []primitives.StorageAction{{EntityKey: []byte("b"), Data: []byte("2")}}
		d2 := mkDelta(t, author, 2, []primitives.ID{d1.ID}, payload2)

		// Deliver d2 first: it has a missing parent and must buffer.
		result, err := store.AddDelta(d2)
		require.NoError(t, err)
		require.False(t, result.Applied)
		require.Equal(t, 1, store.PendingCount())

		// Delivering d1 should apply d1 then cascade-apply d2.
		result, err = store.AddDelta(d1)
		require.NoError(t, err)
		require.True(t, result.Applied)
		require.Len(t, result.Cascaded, 2)
		require.Equal(t, d1.ID, result.Cascaded[0].DeltaID)
		require.Equal(t, d2.ID, result.Cascaded[1].DeltaID)
		require.Equal(t, 0, store.PendingCount())
		require.True(t, store.HasApplied(d2.ID))
	})

	t.Run("Scenario: concurrent heads merged cleanly by a joining delta", func(t *testing.T) {
		store := New(idFrom(0xCC), &fakeApplier{}, &recordingPersister{}, nil, 0)

		base := mkDelta(t, author, 1, []primitives.ID{primitives.ZeroID}, nil)
		_, err := store.AddDelta(base)
		require.NoError(t, err)

		branchA := mkDelta(t, idFrom(2), 1, []primitives.ID{base.ID}, []primitives.StorageAction{{EntityKey: []byte("a")}})
		branchB := mkDelta(t, idFrom(3), 1, []primitives.ID{base.ID}, []primitives.StorageAction{{EntityKey: []byte("b")}})
		_, err = store.AddDelta(branchA)
		require.NoError(t, err)
		_, err = store.AddDelta(branchB)
		require.NoError(t, err)

		heads := store.GetHeads()
		require.Len(t, heads, 2)

		merge := mkDelta(t, author, 2, []primitives.ID{branchA.ID, branchB.ID}, nil)
		result, err := store.AddDelta(merge)
		require.NoError(t, err)
		require.True(t, result.Applied)

		heads = store.GetHeads()
		require.Len(t, heads, 1)
		_, isHead := heads[merge.ID]
		require.True(t, isHead)
	})

	t.Run("Scenario: re-adding an applied delta is idempotent", func(t *testing.T) {
		store := New(idFrom(0xDD), &fakeApplier{}, &recordingPersister{}, nil, 0)
		d1 := mkDelta(t, author, 1, []primitives.ID{primitives.ZeroID}, nil)

		_, err := store.AddDelta(d1)
		require.NoError(t, err)

		result, err := store.AddDelta(d1)
		require.NoError(t, err)
		require.True(t, result.Applied)
		require.Empty(t, result.Cascaded)
	})

	t.Run("Scenario: mismatched content hash is rejected", func(t *testing.T) {
		store := New(idFrom(0xEE), &fakeApplier{}, &recordingPersister{}, nil, 0)
		d1 := mkDelta(t, author, 1, []primitives.ID{primitives.ZeroID}, nil)
		d1.ID = idFrom(0xFF) // tamper with the ID

		_, err := store.AddDelta(d1)
		require.Error(t, err)
	})
}

func TestGetMissingParents(t *testing.T) {
	store := New(idFrom(1), &fakeApplier{}, &recordingPersister{}, nil, 0)
	author := idFrom(9)

	d1 := mkDelta(t, author, 1, []primitives.ID{primitives.ZeroID}, nil)
	d2 := mkDelta(t, author, 2, []primitives.ID{d1.ID}, nil)
	d3 := mkDelta(t, author, 3, []primitives.ID{d2.ID}, nil)

	_, err := store.AddDelta(d3)
	require.NoError(t, err)

	missing := store.GetMissingParents()
	require.Contains(t, missing.MissingIDs, d2.ID)
}

func TestPendingBufferEviction(t *testing.T) {
	store := New(idFrom(1), &fakeApplier{}, &recordingPersister{}, nil, 2)
	author := idFrom(9)

	d1 := mkDelta(t, author, 1, []primitives.ID{idFrom(100)}, nil)
	d2 := mkDelta(t, author, 2, []primitives.ID{idFrom(101)}, nil)
	d3 := mkDelta(t, author, 3, []primitives.ID{idFrom(102)}, nil)

	_, err := store.AddDelta(d1)
	require.NoError(t, err)
	_, err = store.AddDelta(d2)
	require.NoError(t, err)
	require.Equal(t, 2, store.PendingCount())

	_, err = store.AddDelta(d3)
	require.NoError(t, err)
	require.Equal(t, 2, store.PendingCount())
}
