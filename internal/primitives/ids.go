// Package primitives defines the identifiers and core value types shared
// across the node core: context IDs, public keys, delta IDs, and the
// content-addressed delta itself.
package primitives

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/calimero-network/core-sub003/internal/hlc"
)

// IDSize is the width of every opaque digest identifier in this module:
// context, application, blob, delta IDs, and public keys.
const IDSize = 32

// ID is a 32-byte opaque content digest.
type ID [IDSize]byte

// ZeroID is the all-zero sentinel denoting an uninitialized context or the
// absence of a parent delta (genesis).
var ZeroID ID

// IsZero reports whether id is the zero sentinel.
func (id ID) IsZero() bool { return id == ZeroID }

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// MarshalJSON renders the ID as a hex string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON parses a hex-string ID.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != IDSize {
		return errIDLength
	}
	copy(id[:], b)
	return nil
}

// MarshalText renders the ID as a hex string, so maps keyed by ID encode
// as JSON objects instead of tripping encoding/json's string-key rule.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a hex-string ID.
func (id *ID) UnmarshalText(data []byte) error {
	b, err := hex.DecodeString(string(data))
	if err != nil {
		return err
	}
	if len(b) != IDSize {
		return errIDLength
	}
	copy(id[:], b)
	return nil
}

var errIDLength = &idLengthError{}

type idLengthError struct{}

func (*idLengthError) Error() string { return "primitives: id must be 32 bytes" }

// IDFromBytes copies b into an ID; it reports false, leaving the ID zero,
// unless b is exactly IDSize bytes.
func IDFromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != IDSize {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// IDFromHex parses the hex encoding produced by ID.String.
func IDFromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	id, ok := IDFromBytes(b)
	if !ok {
		return ID{}, errIDLength
	}
	return id, nil
}

// PublicKey identifies a context member's signing/encryption identity.
type PublicKey = ID

// StorageAction is one mutation in a delta's payload: a CRDT operation
// against a single entity key. The opaque Data is interpreted by the
// execution bridge; the core never inspects it.
type StorageAction struct {
	EntityKey []byte `json:"entity_key"`
	Data      []byte `json:"data"`
}

// Event is one application-level event produced alongside a delta's
// payload; Handler, if non-empty, names the handler to invoke on non-author
// nodes when the delta applies.
type Event struct {
	Handler string `json:"handler,omitempty"`
	Data    []byte `json:"data"`
}

// Delta is a causal delta: a content-addressed unit of state mutation with
// explicit parent pointers into the context's DAG.
type Delta struct {
	ID                ID              `json:"id"`
	Parents           []ID            `json:"parents"`
	Payload           []StorageAction `json:"payload"`
	HLC               hlc.Timestamp   `json:"hlc"`
	ExpectedRootHash  ID              `json:"expected_root_hash"`
	Author            PublicKey       `json:"author"`
	Height            uint64          `json:"height"`
	Events            []Event         `json:"events,omitempty"`
}

// ContentHash computes the collision-resistant digest over
// (parents, payload, hlc, author) that forms the delta's ID. Two deltas
// with identical content hash identically: re-proposing a delta is
// idempotent.
func ContentHash(parents []ID, payload []StorageAction, ts hlc.Timestamp, author PublicKey) ID {
	h := sha256.New()
	for _, p := range parents {
		h.Write(p[:])
	}
	for _, action := range payload {
		h.Write(action.EntityKey)
		h.Write(action.Data)
	}
	tsBytes := ts.Bytes()
	h.Write(tsBytes[:])
	h.Write(author[:])
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Context is the per-context replicated state the delta store and storage
// bridge maintain: current root hash, DAG heads, membership, and the
// per-author sender-key table.
type Context struct {
	ID            ID
	ApplicationID ID
	RootHash      ID
	DAGHeads      map[ID]struct{}
	Members       map[PublicKey]struct{}
	SenderKeys    map[PublicKey][]byte
	ConfigRevision uint64
}

// NewContext returns an uninitialized context: dag_heads = {zero}.
func NewContext(id, applicationID ID) *Context {
	return &Context{
		ID:            id,
		ApplicationID: applicationID,
		RootHash:      ZeroID,
		DAGHeads:      map[ID]struct{}{ZeroID: {}},
		Members:       make(map[PublicKey]struct{}),
		SenderKeys:    make(map[PublicKey][]byte),
	}
}

// Uninitialized reports whether the context has never applied a delta.
func (c *Context) Uninitialized() bool {
	if len(c.DAGHeads) != 1 {
		return false
	}
	_, ok := c.DAGHeads[ZeroID]
	return ok
}
