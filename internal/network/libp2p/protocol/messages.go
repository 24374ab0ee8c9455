// Package protocol defines the wire messages exchanged over the direct
// streams and gossip topics the node core uses (§4.2, §4.4, §4.5, §4.6,
// §4.10): sync handshakes, key exchange, delta requests, and blob transfer.
package protocol

import (
	"github.com/calimero-network/core-sub003/internal/hlc"
	"github.com/calimero-network/core-sub003/internal/primitives"
)

// Stream protocol identifiers, one per direct-stream protocol.
const (
	SyncProtocolID         = "/calimero/sync/v1"
	KeyExchangeProtocolID  = "/calimero/key-exchange/v1"
	DeltaRequestProtocolID = "/calimero/delta-request/v1"
	BlobProtocolID         = "/calimero/blob/v1"
)

// GossipTopic derives the pubsub topic name for a context's delta
// broadcasts, hex-encoding the opaque context ID.
func GossipTopic(contextID primitives.ID) string {
	return "/calimero/context/" + contextID.String()
}

// StateDelta is the gossip payload carrying one causal delta (§4.2
// Inputs). EventsInline carries the encoded events when they fit within
// InlineEventsThreshold. EventsBlobID names an events payload held
// elsewhere; the publisher in this module never sets it, and the broadcast
// handler only logs it without fetching anything.
type StateDelta struct {
	ContextID        primitives.ID `json:"context_id"`
	AuthorID         primitives.PublicKey `json:"author_id"`
	DeltaID          primitives.ID `json:"delta_id"`
	Parents          []primitives.ID `json:"parents"`
	HLC              hlc.Timestamp `json:"hlc"`
	Height           uint64        `json:"height"`
	ExpectedRootHash primitives.ID `json:"expected_root_hash"`
	EncryptedPayload []byte        `json:"encrypted_payload"`
	Nonce            []byte        `json:"nonce"`
	EventsInline     []byte        `json:"events_inline,omitempty"`
	EventsBlobID     *primitives.ID `json:"events_blob_id,omitempty"`
}

// InlineEventsThreshold is the largest encoded events payload carried
// inline in the gossip message, mirroring the size-gated inline/reference
// pattern the original content-addressing helper used for large payloads.
// Only the inline side exists here: the publisher leaves a larger events
// payload out of the message, and no peer fetches it by reference.
const InlineEventsThreshold = 4 * 1024

// HandshakeFingerprint summarizes one side's context state for sync
// protocol selection (§4.3).
type HandshakeFingerprint struct {
	ContextID         primitives.ID            `json:"context_id"`
	RootHash          primitives.ID            `json:"root_hash"`
	DAGHeadCount      int                      `json:"dag_head_count"`
	EntityCount       int                      `json:"entity_count"`
	TreeDepth         int                      `json:"tree_depth"`
	LastAuthorHeights map[primitives.PublicKey]uint64 `json:"last_author_heights"`
}

// SyncProtocolKind enumerates the reconciliation protocols the selector
// (§4.3) chooses among.
type SyncProtocolKind string

const (
	SyncNone            SyncProtocolKind = "none"
	SyncSnapshot        SyncProtocolKind = "snapshot"
	SyncHashComparison  SyncProtocolKind = "hash_comparison"
	SyncDelta           SyncProtocolKind = "delta"
	SyncBloom           SyncProtocolKind = "bloom"
)

// SyncHandshake is the first message exchanged over a sync/v1 stream.
type SyncHandshake struct {
	Fingerprint HandshakeFingerprint `json:"fingerprint"`
}

// SyncHandshakeAck carries the peer's reply fingerprint and its chosen
// protocol, so both sides can take the intersection if they disagree.
type SyncHandshakeAck struct {
	Fingerprint  HandshakeFingerprint `json:"fingerprint"`
	Proposed     SyncProtocolKind     `json:"proposed"`
}

// DeltaRequest asks a peer for the named deltas by ID (used for parent
// backfill, cascade completion, and Delta-protocol reconciliation).
type DeltaRequest struct {
	ContextID primitives.ID   `json:"context_id"`
	DeltaIDs  []primitives.ID `json:"delta_ids"`
}

// DeltaResponse returns the requested deltas the peer has locally; any ID
// not found is simply omitted.
type DeltaResponse struct {
	Deltas []primitives.Delta `json:"deltas"`
}

// HeadsRequest asks a peer for its current DAG heads for a context.
type HeadsRequest struct {
	ContextID primitives.ID `json:"context_id"`
}

// HeadsResponse reports the peer's current DAG heads.
type HeadsResponse struct {
	Heads []primitives.ID `json:"heads"`
}

// KeyExchangeHello is the first and second messages of the challenge-
// response key-exchange protocol (§4.4 steps 2-3).
type KeyExchangeHello struct {
	ContextID      primitives.ID `json:"context_id"`
	PublicKey      primitives.PublicKey `json:"public_key"`
	ChallengeNonce []byte        `json:"challenge_nonce"`
	Signature      []byte        `json:"signature,omitempty"`
	EphemeralKey   [32]byte      `json:"ephemeral_key"`
}

// EncryptedSenderKey is one author's sender key, sealed under the
// session secret with its own nonce (never reused across entries).
type EncryptedSenderKey struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// KeyExchangeKeys is the signed key-delivery message of the protocol
// (§4.4 steps 4-5): a signature over the peer's challenge plus the sender
// keys known to this side, each encrypted under the session secret.
type KeyExchangeKeys struct {
	Signature           []byte                                      `json:"signature"`
	EncryptedSenderKeys map[primitives.PublicKey]EncryptedSenderKey `json:"encrypted_sender_keys"`
}

// BlobRequest is the requester's opening message on a blob/v1 stream.
type BlobRequest struct {
	BlobID    primitives.ID `json:"blob_id"`
	ContextID primitives.ID `json:"context_id"`
}

// BlobResponse is the provider's reply announcing whether it holds the
// blob and, if so, its size.
type BlobResponse struct {
	Found bool   `json:"found"`
	Size  uint64 `json:"size,omitempty"`
}
