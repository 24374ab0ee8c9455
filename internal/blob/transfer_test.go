package blob

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

type fakeStore struct {
	mu    sync.Mutex
	blobs map[primitives.ID][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: make(map[primitives.ID][]byte)}
}

func (s *fakeStore) seed(id primitives.ID, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = data
}

func (s *fakeStore) HasBlob(ctx context.Context, blobID primitives.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[blobID]
	return ok, nil
}

func (s *fakeStore) GetBlob(ctx context.Context, blobID primitives.ID) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[blobID]
	return data, ok, nil
}

func (s *fakeStore) PutBlob(ctx context.Context, blobID primitives.ID, data []byte) error {
	s.seed(blobID, data)
	return nil
}

func TestChunkCodecRoundTrip(t *testing.T) {
	t.Run("Scenario: a binary chunk round-trips through encode/decode", func(t *testing.T) {
		data := []byte("hello world")
		encoded := encodeChunk(data, false)
		got, isFinal, err := decodeChunk(encoded)
		require.NoError(t, err)
		require.Equal(t, data, got)
		require.False(t, isFinal)
	})

	t.Run("Scenario: an empty final chunk decodes cleanly", func(t *testing.T) {
		encoded := encodeChunk(nil, true)
		got, isFinal, err := decodeChunk(encoded)
		require.NoError(t, err)
		require.Empty(t, got)
		require.True(t, isFinal)
	})

	t.Run("Scenario: a legacy JSON chunk is accepted as a compatibility fallback", func(t *testing.T) {
		legacy := []byte(`{"data":"aGVsbG8=","is_final":true}`)
		got, isFinal, err := decodeChunk(legacy)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), got)
		require.True(t, isFinal)
	})

	t.Run("Scenario: garbage that is neither binary nor JSON is rejected", func(t *testing.T) {
		_, _, err := decodeChunk([]byte{0xff})
		require.Error(t, err)
	})

	t.Run("Scenario: the self-test passes and is idempotent across calls", func(t *testing.T) {
		require.NoError(t, SelfTest())
		require.NoError(t, SelfTest())
	})
}

func TestProviderRequesterTransfer(t *testing.T) {
	t.Run("Scenario: a found blob transfers in chunks and verifies by hash", func(t *testing.T) {
		data := bytes.Repeat([]byte("calimero-blob-chunk-data-"), 500)
		blobID := hashBlob(data)

		providerStore := newFakeStore()
		providerStore.seed(blobID, data)
		requesterStore := newFakeStore()

		cfg := DefaultConfig()
		cfg.ChunkSize = 64
		cfg.FlowControlEvery = 5
		cfg.FlowControlPause = time.Millisecond

		provider := NewProvider(providerStore, cfg, logging.Nop())
		requester := NewRequester(requesterStore, cfg, logging.Nop())

		clientConn, serverConn := net.Pipe()
		defer clientConn.Close()
		defer serverConn.Close()

		done := make(chan error, 1)
		go func() {
			done <- provider.Serve(context.Background(), serverConn)
		}()

		got, err := requester.Fetch(context.Background(), clientConn, blobID, primitives.ID{1})
		require.NoError(t, err)
		require.NoError(t, <-done)
		require.True(t, bytes.Equal(data, got))

		stored, ok, err := requesterStore.GetBlob(context.Background(), blobID)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, bytes.Equal(data, stored))
	})

	t.Run("Scenario: a missing blob is reported as not found", func(t *testing.T) {
		providerStore := newFakeStore()
		requesterStore := newFakeStore()
		provider := NewProvider(providerStore, DefaultConfig(), logging.Nop())
		requester := NewRequester(requesterStore, DefaultConfig(), logging.Nop())

		clientConn, serverConn := net.Pipe()
		defer clientConn.Close()
		defer serverConn.Close()

		done := make(chan error, 1)
		go func() {
			done <- provider.Serve(context.Background(), serverConn)
		}()

		_, err := requester.Fetch(context.Background(), clientConn, primitives.ID{2}, primitives.ID{1})
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, <-done)
	})
}
