package node

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/crypto"
	"github.com/calimero-network/core-sub003/internal/dag"
	"github.com/calimero-network/core-sub003/internal/execbridge"
	"github.com/calimero-network/core-sub003/internal/hlc"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/internal/storage"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

// memDatastore is an in-memory ports.Datastore, standing in for badger in
// tests that exercise the storage bridge without touching disk.
type memDatastore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemDatastore() *memDatastore {
	return &memDatastore{data: make(map[string][]byte)}
}

func (m *memDatastore) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memDatastore) Get(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	return v, ok, nil
}

func (m *memDatastore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memDatastore) Range(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make(map[string][]byte, len(keys))
	for _, k := range keys {
		values[k] = m.data[k]
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := fn([]byte(k), values[k]); err != nil {
			return err
		}
	}
	return nil
}

func testNode(t *testing.T) *Node {
	t.Helper()
	ds := newMemDatastore()
	bridge := storage.NewBridge(ds)
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	n := &Node{
		cfg:        DefaultConfig(),
		log:        logging.Nop(),
		storage:    bridge,
		clock:      hlc.New([32]byte{0x01}),
		identity:   identity,
		contexts:   make(map[primitives.ID]*primitives.Context),
		stores:     make(map[primitives.ID]*dag.Store),
		senderKeys: make(map[primitives.ID]map[primitives.PublicKey][]byte),
	}
	n.execBridge = execbridge.New(n.clock, n, n.log)
	return n
}

func TestContextLifecycle(t *testing.T) {
	t.Run("Scenario: creating a context registers it with the local node as sole member", func(t *testing.T) {
		n := testNode(t)
		applicationID := primitives.ID{0x01}

		ctxState, err := n.CreateContext(applicationID)
		require.NoError(t, err)
		require.Equal(t, applicationID, ctxState.ApplicationID)

		_, isMember := ctxState.Members[n.LocalIdentity()]
		require.True(t, isMember)

		store, ok := n.Store(ctxState.ID)
		require.True(t, ok)
		require.NotNil(t, store)
	})

	t.Run("Scenario: creating a context generates and persists an owned sender key", func(t *testing.T) {
		n := testNode(t)
		ctxState, err := n.CreateContext(primitives.ID{0x02})
		require.NoError(t, err)

		local := n.LocalIdentity()
		key, ok := n.SenderKey(ctxState.ID, local)
		require.True(t, ok)
		require.Len(t, key, 32)

		rec, err := n.storage.GetIdentity(ctxState.ID, local)
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.True(t, rec.Owned)
		require.Equal(t, key, rec.SenderKey)
	})

	t.Run("Scenario: joining a context records the caller-supplied membership", func(t *testing.T) {
		n := testNode(t)
		other := primitives.PublicKey{0x09}
		members := map[primitives.PublicKey]struct{}{n.LocalIdentity(): {}, other: {}}

		ctxState, err := n.JoinContext(primitives.ID{0x03}, primitives.ID{0x04}, members)
		require.NoError(t, err)

		member, err := n.IsMember(context.Background(), ctxState.ID, other)
		require.NoError(t, err)
		require.True(t, member)
	})

	t.Run("Scenario: a peer-learned sender key is stored unowned", func(t *testing.T) {
		n := testNode(t)
		ctxState, err := n.CreateContext(primitives.ID{0x05})
		require.NoError(t, err)

		peerAuthor := primitives.PublicKey{0x42}
		peerKey := make([]byte, 32)
		peerKey[0] = 0x7

		require.NoError(t, n.StoreSenderKey(ctxState.ID, peerAuthor, peerKey))

		rec, err := n.storage.GetIdentity(ctxState.ID, peerAuthor)
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.False(t, rec.Owned)

		known := n.KnownSenderKeys(ctxState.ID)
		require.Contains(t, known, peerAuthor)
		require.Contains(t, known, n.LocalIdentity())
	})
}

func TestBootstrapFromStorage(t *testing.T) {
	t.Run("Scenario: restart rebuilds contexts, sender keys, and deltas from durable storage", func(t *testing.T) {
		n := testNode(t)
		applicationID := primitives.ID{0x10}
		ctxState, err := n.CreateContext(applicationID)
		require.NoError(t, err)

		result, err := n.execBridge.Execute(context.Background(), ctxState.ID, n.LocalIdentity(), "increment", nil)
		require.NoError(t, err)
		require.NotNil(t, result.GeneratedDelta)

		store, ok := n.Store(ctxState.ID)
		require.True(t, ok)
		_, err = store.AddDelta(result.GeneratedDelta)
		require.NoError(t, err)
		n.updateContextMetaLocked(ctxState.ID, result.NewRootHash, store)

		require.NoError(t, n.storage.PutContextMeta(ctxState.ID, &storage.ContextMetaRecord{
			ApplicationID: applicationID,
			RootHash:      result.NewRootHash,
		}))

		restarted := testNode(t)
		restarted.storage = n.storage
		require.NoError(t, restarted.bootstrapFromStorage())

		reloaded, err := restarted.GetContext(context.Background(), ctxState.ID)
		require.NoError(t, err)
		require.Equal(t, applicationID, reloaded.ApplicationID)

		_, ok = restarted.SenderKey(ctxState.ID, n.LocalIdentity())
		require.True(t, ok)

		reloadedStore, ok := restarted.Store(ctxState.ID)
		require.True(t, ok)
		_, found := reloadedStore.GetDelta(result.GeneratedDelta.ID)
		require.True(t, found)
	})
}
