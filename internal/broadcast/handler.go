// Package broadcast processes inbound gossip messages carrying a causal
// delta (§4.2): decrypt, insert into the context's DAG, run handlers for
// newly-applied deltas (including those resolved via cascade), and emit a
// state-mutation event to external subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/calimero-network/core-sub003/internal/crypto"
	"github.com/calimero-network/core-sub003/internal/dag"
	"github.com/calimero-network/core-sub003/internal/hlc"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/errors"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

// Message is one inbound gossip delta (§4.2 Inputs), already deframed off
// the context's gossip topic.
type Message struct {
	SourcePeer       peer.ID
	ContextID        primitives.ID
	AuthorID         primitives.PublicKey
	DeltaID          primitives.ID
	Parents          []primitives.ID
	HLC              hlc.Timestamp
	Height           uint64
	ExpectedRootHash primitives.ID
	EncryptedPayload []byte
	Nonce            []byte
	EventsInline     []byte
	EventsBlobID     *primitives.ID
}

// decryptedArtifact is the plaintext that EncryptedPayload decrypts to: the
// delta's storage actions, sender-key encrypted as a unit.
type decryptedArtifact struct {
	Payload []primitives.StorageAction `json:"payload"`
}

// ContextLookup resolves a context by ID; unknown contexts cause the
// message to be dropped (§4.2 step 1).
type ContextLookup interface {
	GetContext(ctx context.Context, contextID primitives.ID) (*primitives.Context, error)
}

// SenderKeys is the local per-author sender-key table.
type SenderKeys interface {
	SenderKey(contextID primitives.ID, author primitives.PublicKey) ([]byte, bool)
}

// StoreProvider resolves the per-context delta store; one store per
// context, created by the node orchestrator on first use.
type StoreProvider interface {
	Store(contextID primitives.ID) (*dag.Store, bool)
}

// StreamOpener opens a direct stream to a peer, used to initiate key
// exchange with the message's source peer when the sender key is absent.
type StreamOpener interface {
	OpenStream(ctx context.Context, p peer.ID, protocolID string) (ports.Stream, error)
}

// KeyExchanger initiates the authenticated sender-key exchange with a
// source peer when this node lacks that author's sender key, matching
// internal/keyexchange.Exchanger's initiator method.
type KeyExchanger interface {
	Initiate(ctx context.Context, stream ports.Stream, contextID primitives.ID) error
}

// Executor invokes application logic for a delta's event handlers (§4.2
// step 7), matching ports.ContextClient.Execute's signature.
type Executor interface {
	Execute(ctx context.Context, contextID primitives.ID, authorIdentity primitives.PublicKey, method string, input []byte) (ports.ExecutionResult, error)
}

// ParentFetcher requests the named missing parent deltas from sourcePeer
// over a direct stream (§4.2 step 6, §4.6).
type ParentFetcher interface {
	FetchMissingParents(ctx context.Context, contextID primitives.ID, sourcePeer peer.ID, missingIDs map[primitives.ID]struct{}) error
}

// EventEmitter publishes a state-mutation event to external subscribers
// (§4.2 step 8), matching ports.NodeClient.EmitStateMutation.
type EventEmitter interface {
	EmitStateMutation(event ports.StateMutationEvent)
}

// Handler processes inbound broadcast messages for every context this node
// participates in.
type Handler struct {
	localIdentity primitives.PublicKey

	contexts    ContextLookup
	senderKeys  SenderKeys
	stores      StoreProvider
	keyExchange KeyExchanger
	streams     StreamOpener
	executor    Executor
	parents     ParentFetcher
	events      EventEmitter
	log         *logging.Logger

	mu       sync.Mutex
	executed map[primitives.ID]map[primitives.ID]struct{} // context -> delta -> handlers already run
}

// New builds a broadcast Handler.
func New(
	localIdentity primitives.PublicKey,
	contexts ContextLookup,
	senderKeys SenderKeys,
	stores StoreProvider,
	keyExchange KeyExchanger,
	streams StreamOpener,
	executor Executor,
	parents ParentFetcher,
	events EventEmitter,
	log *logging.Logger,
) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	return &Handler{
		localIdentity: localIdentity,
		contexts:      contexts,
		senderKeys:    senderKeys,
		stores:        stores,
		keyExchange:   keyExchange,
		streams:       streams,
		executor:      executor,
		parents:       parents,
		events:        events,
		log:           log.Component("broadcast"),
		executed:      make(map[primitives.ID]map[primitives.ID]struct{}),
	}
}

// Handle runs the full broadcast algorithm (§4.2 steps 1-9) for msg.
func (h *Handler) Handle(ctx context.Context, msg Message) error {
	if _, err := h.contexts.GetContext(ctx, msg.ContextID); err != nil {
		h.log.Debug("dropping delta for unknown context", "context_id", msg.ContextID.String())
		return nil
	}

	senderKey, ok := h.senderKeys.SenderKey(msg.ContextID, msg.AuthorID)
	if !ok {
		if err := h.exchangeAndRetrieveKey(ctx, msg); err != nil {
			h.log.Warn("key exchange with source failed, dropping delta",
				"context_id", msg.ContextID.String(), "author", msg.AuthorID.String(), "err", err)
			return nil
		}
		senderKey, ok = h.senderKeys.SenderKey(msg.ContextID, msg.AuthorID)
		if !ok {
			h.log.Warn("sender key still absent after exchange, dropping delta",
				"context_id", msg.ContextID.String(), "author", msg.AuthorID.String())
			return nil
		}
	}

	aad := additionalData(msg.ContextID, msg.DeltaID)
	plaintext, err := decryptPayload(senderKey, msg.Nonce, msg.EncryptedPayload, aad)
	if err != nil {
		// The delta is dropped; this handler does not request a sync for it.
		h.log.Warn("decryption failed, dropping delta",
			"context_id", msg.ContextID.String(), "delta_id", msg.DeltaID.String())
		return nil
	}

	var artifact decryptedArtifact
	if err := json.Unmarshal(plaintext, &artifact); err != nil {
		h.log.Warn("malformed delta payload, dropping", "delta_id", msg.DeltaID.String())
		return nil
	}

	events := h.decodeEvents(msg)
	delta := &primitives.Delta{
		ID:               msg.DeltaID,
		Parents:          msg.Parents,
		Payload:          artifact.Payload,
		HLC:              msg.HLC,
		ExpectedRootHash: msg.ExpectedRootHash,
		Author:           msg.AuthorID,
		Height:           msg.Height,
		Events:           events,
	}

	store, ok := h.stores.Store(msg.ContextID)
	if !ok {
		h.log.Debug("dropping delta, no local store for context", "context_id", msg.ContextID.String())
		return nil
	}

	result, err := store.AddDelta(delta)
	if err != nil {
		if errors.IsPermanent(err) {
			h.log.Warn("delta rejected", "delta_id", msg.DeltaID.String(), "err", err)
			return nil
		}
		return err
	}

	if !result.Applied {
		missing := store.GetMissingParents()
		if len(missing.MissingIDs) > 0 {
			if err := h.parents.FetchMissingParents(ctx, msg.ContextID, msg.SourcePeer, missing.MissingIDs); err != nil {
				h.log.Warn("parent fetch failed", "context_id", msg.ContextID.String(), "err", err)
			}
		}
		h.runCascaded(ctx, msg.ContextID, missing.Cascaded)
		return nil
	}

	h.runCascaded(ctx, msg.ContextID, result.Cascaded)
	return nil
}

// runCascaded executes handlers for every cascaded delta exactly once
// (tracked per context/delta) and emits a StateMutation event for each,
// resolving the double-execution hazard between AddDelta's own cascade and
// a later GetMissingParents cascade observing the same delta.
func (h *Handler) runCascaded(ctx context.Context, contextID primitives.ID, cascaded []dag.CascadedEvents) {
	for _, c := range cascaded {
		if h.alreadyExecuted(contextID, c.DeltaID) {
			continue
		}
		h.markExecuted(contextID, c.DeltaID)

		delta, ok := h.storeDelta(contextID, c.DeltaID)
		isAuthor := ok && delta.Author == h.localIdentity
		if !isAuthor {
			for _, ev := range c.Events {
				if ev.Handler == "" {
					continue
				}
				if _, err := h.executor.Execute(ctx, contextID, h.localIdentity, ev.Handler, ev.Data); err != nil {
					h.log.Warn("handler execution failed", "context_id", contextID.String(),
						"delta_id", c.DeltaID.String(), "handler", ev.Handler, "err", err)
				}
			}
		}

		var rootHash primitives.ID
		if ok {
			rootHash = delta.ExpectedRootHash
		}
		h.events.EmitStateMutation(ports.StateMutationEvent{
			ContextID: contextID,
			RootHash:  rootHash,
			Events:    c.Events,
		})
	}
}

func (h *Handler) storeDelta(contextID, deltaID primitives.ID) (*primitives.Delta, bool) {
	store, ok := h.stores.Store(contextID)
	if !ok {
		return nil, false
	}
	return store.GetDelta(deltaID)
}

func (h *Handler) alreadyExecuted(contextID, deltaID primitives.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.executed[contextID][deltaID]
	return ok
}

func (h *Handler) markExecuted(contextID, deltaID primitives.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.executed[contextID] == nil {
		h.executed[contextID] = make(map[primitives.ID]struct{})
	}
	h.executed[contextID][deltaID] = struct{}{}
}

func (h *Handler) decodeEvents(msg Message) []primitives.Event {
	if len(msg.EventsInline) == 0 {
		if msg.EventsBlobID != nil {
			h.log.Debug("events delivered by reference, not fetched inline", "events_blob_id", msg.EventsBlobID.String())
		}
		return nil
	}
	var events []primitives.Event
	if err := json.Unmarshal(msg.EventsInline, &events); err != nil {
		h.log.Warn("malformed inline events, ignoring", "delta_id", msg.DeltaID.String())
		return nil
	}
	return events
}

func additionalData(contextID, deltaID primitives.ID) []byte {
	out := make([]byte, 0, primitives.IDSize*2)
	out = append(out, contextID[:]...)
	out = append(out, deltaID[:]...)
	return out
}

func decryptPayload(senderKey, nonce, ciphertext, aad []byte) ([]byte, error) {
	return crypto.DecryptPayload(senderKey, nonce, ciphertext, aad)
}

func (h *Handler) exchangeAndRetrieveKey(ctx context.Context, msg Message) error {
	if h.keyExchange == nil || h.streams == nil {
		return fmt.Errorf("key exchange not configured")
	}
	stream, err := h.streams.OpenStream(ctx, msg.SourcePeer, protocol.KeyExchangeProtocolID)
	if err != nil {
		return fmt.Errorf("open key exchange stream: %w", err)
	}
	defer stream.Close()
	return h.keyExchange.Initiate(ctx, stream, msg.ContextID)
}
