// Package ports declares the interfaces the node core consumes from
// external collaborators (§6): everything outside the core's own
// responsibility — blob storage, application execution, the wire
// transport, and durable key/value storage — is reached only through
// these seams. The core never depends on a concrete implementation of
// any of them.
package ports

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/calimero-network/core-sub003/internal/primitives"
)

// NodeClient provides blob CRUD, application install-by-blob, and event
// emission to external subscribers.
type NodeClient interface {
	PutBlob(ctx context.Context, blobID primitives.ID, data []byte) error
	GetBlob(ctx context.Context, blobID primitives.ID) ([]byte, bool, error)
	HasBlob(ctx context.Context, blobID primitives.ID) (bool, error)
	InstallApplication(ctx context.Context, applicationID, blobID primitives.ID) error
	EmitStateMutation(event StateMutationEvent)
}

// StateMutationEvent is published to external WebSocket subscribers
// whenever a delta applies.
type StateMutationEvent struct {
	ContextID primitives.ID
	RootHash  primitives.ID
	Events    []primitives.Event
}

// ContextClient provides context membership, identity operations, and
// opaque method execution.
type ContextClient interface {
	GetContext(ctx context.Context, contextID primitives.ID) (*primitives.Context, error)
	IsMember(ctx context.Context, contextID primitives.ID, publicKey primitives.PublicKey) (bool, error)
	Execute(ctx context.Context, contextID primitives.ID, authorIdentity primitives.PublicKey, method string, input []byte) (ExecutionResult, error)
	RequestSync(ctx context.Context, contextID *primitives.ID, peerID *peer.ID) error
}

// ExecutionResult is the outcome of invoking application logic via
// ContextClient.Execute, matching the execution bridge contract (§4.8).
type ExecutionResult struct {
	ReturnValue   []byte
	NewRootHash   primitives.ID
	GeneratedDelta *primitives.Delta
	Events        []primitives.Event
	Artifact      []byte
}

// NetworkClient opens streams, publishes to gossip topics, and reports
// mesh peers for a topic.
type NetworkClient interface {
	OpenStream(ctx context.Context, p peer.ID, protocolID string) (Stream, error)
	Publish(ctx context.Context, topic string, data []byte) error
	MeshPeers(topic string) []peer.ID
	LocalPeerID() peer.ID
}

// Stream is a bidirectional framed byte stream to a single peer, used for
// the direct-stream protocols (§4.6): sync, key exchange, delta request,
// blob transfer.
type Stream interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}

// Datastore is the keyed durable storage surface the storage bridge
// builds the context_meta/delta/identity/context_state/blob_meta schema
// on top of.
type Datastore interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, bool, error)
	Delete(key []byte) error
	Range(prefix []byte, fn func(key, value []byte) error) error
}

// WasmRuntime is the opaque application-logic contract (§4.8). This
// module never implements WASM semantics itself — they are explicitly a
// Non-goal — and ships only an in-memory test double satisfying this
// interface.
type WasmRuntime interface {
	Execute(ctx context.Context, contextID primitives.ID, authorIdentity primitives.PublicKey, method string, input []byte) (ExecutionResult, error)
}
