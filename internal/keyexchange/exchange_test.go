package keyexchange

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/crypto"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

type fakeSenderKeys struct {
	mu    sync.Mutex
	known map[primitives.ID]map[primitives.PublicKey][]byte
}

func newFakeSenderKeys() *fakeSenderKeys {
	return &fakeSenderKeys{known: make(map[primitives.ID]map[primitives.PublicKey][]byte)}
}

func (f *fakeSenderKeys) seed(contextID primitives.ID, author primitives.PublicKey, key []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.known[contextID] == nil {
		f.known[contextID] = make(map[primitives.PublicKey][]byte)
	}
	f.known[contextID][author] = key
}

func (f *fakeSenderKeys) KnownSenderKeys(contextID primitives.ID) map[primitives.PublicKey][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[primitives.PublicKey][]byte)
	for k, v := range f.known[contextID] {
		out[k] = v
	}
	return out
}

func (f *fakeSenderKeys) StoreSenderKey(contextID primitives.ID, author primitives.PublicKey, key []byte) error {
	f.seed(contextID, author, key)
	return nil
}

type allowAllMembers struct{}

func (allowAllMembers) IsMember(context.Context, primitives.ID, primitives.PublicKey) (bool, error) {
	return true, nil
}

type denyMembers struct{}

func (denyMembers) IsMember(context.Context, primitives.ID, primitives.PublicKey) (bool, error) {
	return false, nil
}

func TestKeyExchange(t *testing.T) {
	t.Run("Scenario: both sides learn the other's known sender keys", func(t *testing.T) {
		initiatorIdentity, err := crypto.GenerateIdentity()
		require.NoError(t, err)
		responderIdentity, err := crypto.GenerateIdentity()
		require.NoError(t, err)

		contextID := primitives.ID{9}
		initiatorPub, err := initiatorIdentity.PublicKeyID()
		require.NoError(t, err)
		responderPub, err := responderIdentity.PublicKeyID()
		require.NoError(t, err)

		initiatorOwnKey, err := crypto.GenerateSenderKey()
		require.NoError(t, err)
		responderOwnKey, err := crypto.GenerateSenderKey()
		require.NoError(t, err)

		initiatorKeys := newFakeSenderKeys()
		initiatorKeys.seed(contextID, initiatorPub, initiatorOwnKey)
		responderKeys := newFakeSenderKeys()
		responderKeys.seed(contextID, responderPub, responderOwnKey)

		initiator := New(initiatorIdentity, initiatorKeys, allowAllMembers{}, logging.Nop(), 3*time.Second)
		responder := New(responderIdentity, responderKeys, allowAllMembers{}, logging.Nop(), 3*time.Second)

		clientConn, serverConn := net.Pipe()
		defer clientConn.Close()
		defer serverConn.Close()

		done := make(chan error, 1)
		go func() {
			done <- responder.Respond(context.Background(), serverConn)
		}()

		err = initiator.Initiate(context.Background(), clientConn, contextID)
		require.NoError(t, err)
		require.NoError(t, <-done)

		require.Equal(t, responderOwnKey, initiatorKeys.KnownSenderKeys(contextID)[responderPub])
		require.Equal(t, initiatorOwnKey, responderKeys.KnownSenderKeys(contextID)[initiatorPub])
	})

	t.Run("Scenario: a non-member initiator is rejected with no sender keys stored", func(t *testing.T) {
		initiatorIdentity, err := crypto.GenerateIdentity()
		require.NoError(t, err)
		responderIdentity, err := crypto.GenerateIdentity()
		require.NoError(t, err)

		contextID := primitives.ID{7}
		initiator := New(initiatorIdentity, newFakeSenderKeys(), allowAllMembers{}, logging.Nop(), 300*time.Millisecond)
		responderKeys := newFakeSenderKeys()
		responder := New(responderIdentity, responderKeys, denyMembers{}, logging.Nop(), 300*time.Millisecond)

		clientConn, serverConn := net.Pipe()
		defer clientConn.Close()
		defer serverConn.Close()

		done := make(chan error, 1)
		go func() {
			done <- responder.Respond(context.Background(), serverConn)
		}()

		err = initiator.Initiate(context.Background(), clientConn, contextID)
		require.Error(t, err)
		require.Error(t, <-done)
		require.Empty(t, responderKeys.KnownSenderKeys(contextID))
	})
}
