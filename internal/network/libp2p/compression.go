package libp2p

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressionType tags how the payload following it is encoded.
type compressionType byte

const (
	compressionNone compressionType = 0x00
	compressionZstd compressionType = 0x01
)

// compressionThreshold is the minimum message size worth attempting
// compression on.
const compressionThreshold = 1024

// compressionRatio is the largest compressed-to-original size ratio at
// which compression is applied instead of discarded (0.8: compression has
// to save about a fifth of the original size).
const compressionRatio = 0.8

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("new zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("new zstd decoder: %v", err))
	}
}

// CompressMessage wraps data with a 5-byte header
// [type: 1B][original_size: 4B BE], compressing with zstd when the
// message is large enough and compression saves at least 20%.
func CompressMessage(data []byte) []byte {
	if len(data) < compressionThreshold {
		return wrapMessage(compressionNone, data, len(data))
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	if float64(len(compressed)) < float64(len(data))*compressionRatio {
		return wrapMessage(compressionZstd, compressed, len(data))
	}
	return wrapMessage(compressionNone, data, len(data))
}

// DecompressMessage reverses CompressMessage.
func DecompressMessage(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	typ := compressionType(data[0])
	originalSize := binary.BigEndian.Uint32(data[1:5])
	payload := data[5:]

	switch typ {
	case compressionNone:
		if uint32(len(payload)) != originalSize {
			return nil, fmt.Errorf("size mismatch: expected %d, got %d", originalSize, len(payload))
		}
		return payload, nil
	case compressionZstd:
		decompressed, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint32(len(decompressed)) != originalSize {
			return nil, fmt.Errorf("decompressed size mismatch: expected %d, got %d", originalSize, len(decompressed))
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", typ)
	}
}

func wrapMessage(typ compressionType, payload []byte, originalSize int) []byte {
	result := make([]byte, 5+len(payload))
	result[0] = byte(typ)
	binary.BigEndian.PutUint32(result[1:5], uint32(originalSize))
	copy(result[5:], payload)
	return result
}
