package libp2p

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressMessageRoundTrip(t *testing.T) {
	t.Run("Scenario: a small message is stored uncompressed", func(t *testing.T) {
		data := []byte("short")
		wrapped := CompressMessage(data)
		got, err := DecompressMessage(wrapped)
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, got))
	})

	t.Run("Scenario: a large compressible message is compressed and decompresses cleanly", func(t *testing.T) {
		data := []byte(strings.Repeat("calimero-delta-payload-", 200))
		wrapped := CompressMessage(data)
		require.Less(t, len(wrapped), len(data))

		got, err := DecompressMessage(wrapped)
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, got))
	})

	t.Run("Scenario: a truncated message is rejected", func(t *testing.T) {
		_, err := DecompressMessage([]byte{0x00, 0x01})
		require.Error(t, err)
	})
}
