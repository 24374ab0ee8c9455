package blob

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
)

// chunkHeaderSize is the wire header width: 8-byte little-endian length
// plus 1-byte is_final flag (§4.10).
const chunkHeaderSize = 9

// encodeChunk renders one blob chunk in the wire format:
// [length: 8B little-endian][is_final: 1B][data: length bytes].
func encodeChunk(data []byte, isFinal bool) []byte {
	out := make([]byte, chunkHeaderSize+len(data))
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(data)))
	if isFinal {
		out[8] = 1
	}
	copy(out[chunkHeaderSize:], data)
	return out
}

// jsonChunk is the legacy wire format tolerated on binary-parse failure
// (§4.10 Compatibility), so a newer requester still interoperates with an
// older JSON-chunk provider.
type jsonChunk struct {
	Data    []byte `json:"data"`
	IsFinal bool   `json:"is_final"`
}

// decodeChunk parses raw as a binary chunk, falling back to the JSON chunk
// format on binary-parse failure.
func decodeChunk(raw []byte) (data []byte, isFinal bool, err error) {
	if len(raw) >= chunkHeaderSize {
		n := binary.LittleEndian.Uint64(raw[0:8])
		final := raw[8] != 0
		if uint64(len(raw)-chunkHeaderSize) == n {
			return raw[chunkHeaderSize:], final, nil
		}
	}

	var jc jsonChunk
	if jsonErr := json.Unmarshal(raw, &jc); jsonErr != nil {
		return nil, false, fmt.Errorf("parse chunk as binary or json: %w", jsonErr)
	}
	return jc.Data, jc.IsFinal, nil
}

var (
	selfTestOnce sync.Once
	selfTestErr  error
)

// SelfTest runs the chunk codec round-trip check once per process and
// returns the cached result on later calls. Provider and Requester do not
// call it themselves; it runs only where a caller invokes it explicitly.
func SelfTest() error {
	selfTestOnce.Do(func() {
		selfTestErr = selfTestChunkCodec()
	})
	return selfTestErr
}

func selfTestChunkCodec() error {
	want := []byte{1, 2, 3, 4, 5}
	encoded := encodeChunk(want, true)
	got, isFinal, err := decodeChunk(encoded)
	if err != nil {
		return fmt.Errorf("chunk codec self-test: %w", err)
	}
	if !bytes.Equal(got, want) || !isFinal {
		return fmt.Errorf("chunk codec self-test: round-trip mismatch")
	}
	return nil
}
