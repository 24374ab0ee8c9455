package libp2p

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/calimero-network/core-sub003/internal/ports"
)

// maxFrameSize bounds a single RPC frame to guard against unbounded
// allocation from a length header forged by a hostile peer.
const maxFrameSize = 16 << 20

// Envelope frames one request or response on a direct stream (§4.6): a
// correlation ID that ties a response to its request, a kind tag naming
// the payload's message type, and the opaque JSON payload itself.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
}

// WriteFrame writes data as one length-prefixed frame: a 4-byte
// big-endian length header followed by the data.
func WriteFrame(s ports.Stream, data []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := s.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := s.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(s ports.Stream) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(s, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// WriteEnvelope marshals payload and writes it as an Envelope frame.
func WriteEnvelope(s ports.Stream, correlationID, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(Envelope{CorrelationID: correlationID, Kind: kind, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return WriteFrame(s, data)
}

// ReadEnvelope reads and decodes one Envelope frame.
func ReadEnvelope(s ports.Stream) (Envelope, error) {
	data, err := ReadFrame(s)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// Request sends req over s under a new correlation ID, honoring ctx's
// deadline (or timeout if ctx carries none), and waits for the matching
// response envelope. Used by the sync engine, key exchange, and parent
// backfill, all of which bound each round-trip to sync_timeout/3 (§4.4,
// §4.6).
func Request(ctx context.Context, s ports.Stream, kind string, req any, timeout time.Duration) (Envelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	} else if timeout > 0 {
		_ = s.SetDeadline(time.Now().Add(timeout))
	}

	correlationID := uuid.NewString()
	if err := WriteEnvelope(s, correlationID, kind, req); err != nil {
		return Envelope{}, err
	}

	resp, err := ReadEnvelope(s)
	if err != nil {
		return Envelope{}, err
	}
	if resp.CorrelationID != correlationID {
		return Envelope{}, fmt.Errorf("correlation id mismatch: sent %s, got %s", correlationID, resp.CorrelationID)
	}
	return resp, nil
}

// ReadRequest reads the next request envelope on the responder side of a
// stream.
func ReadRequest(s ports.Stream) (Envelope, error) {
	return ReadEnvelope(s)
}

// Respond replies to a request envelope, echoing its correlation ID.
func Respond(s ports.Stream, correlationID, kind string, resp any) error {
	return WriteEnvelope(s, correlationID, kind, resp)
}
