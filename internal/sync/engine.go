// Package sync implements pairwise context reconciliation (§4.3, §4.5,
// §4.6, §4.7): picking a reconciliation protocol from a pair of
// handshake fingerprints, running one sync session over a direct stream,
// and the periodic/event-driven scheduler that drives sessions across
// every context this node participates in.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/calimero-network/core-sub003/internal/dag"
	libp2ptransport "github.com/calimero-network/core-sub003/internal/network/libp2p"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/errors"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

func decodeInto(env libp2ptransport.Envelope, target any) error {
	return json.Unmarshal(env.Payload, target)
}

// ContextLookup resolves a context by ID.
type ContextLookup interface {
	GetContext(ctx context.Context, contextID primitives.ID) (*primitives.Context, error)
}

// StoreProvider resolves (creating on first use, if the implementation
// chooses to) the per-context delta store.
type StoreProvider interface {
	Store(contextID primitives.ID) (*dag.Store, bool)
}

// KeyExchanger runs the authenticated sender-key handshake over an
// already-open stream, matching internal/keyexchange.Exchanger.Initiate.
type KeyExchanger interface {
	Initiate(ctx context.Context, stream ports.Stream, contextID primitives.ID) error
	Respond(ctx context.Context, stream ports.Stream) error
}

// BlobChecker reports whether the local node already holds a blob.
type BlobChecker interface {
	HasBlob(ctx context.Context, blobID primitives.ID) (bool, error)
}

// BlobFetcher pulls a blob from the peer over an already-open stream,
// matching internal/blob.Requester.Fetch.
type BlobFetcher interface {
	Fetch(ctx context.Context, stream ports.Stream, blobID, contextID primitives.ID) ([]byte, error)
}

// StreamOpener opens a direct stream to a peer under a protocol tag.
type StreamOpener interface {
	OpenStream(ctx context.Context, p peer.ID, protocolID string) (ports.Stream, error)
}

// Config bounds the engine's per-session behavior.
type Config struct {
	SyncTimeout    time.Duration
	SelectorConfig SelectorConfig
}

// Engine executes one pairwise sync session at a time, either as the
// initiator (RunInitiator) or the responder (RunResponder) of a sync/v1
// stream.
type Engine struct {
	contexts    ContextLookup
	stores      StoreProvider
	keyExchange KeyExchanger
	blobCheck   BlobChecker
	blobFetch   BlobFetcher
	streams     StreamOpener
	cfg         Config
	log         *logging.Logger
}

// NewEngine builds a sync Engine.
func NewEngine(contexts ContextLookup, stores StoreProvider, keyExchange KeyExchanger, blobCheck BlobChecker, blobFetch BlobFetcher, streams StreamOpener, cfg Config, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	if cfg.SelectorConfig == (SelectorConfig{}) {
		cfg.SelectorConfig = DefaultSelectorConfig()
	}
	return &Engine{
		contexts:    contexts,
		stores:      stores,
		keyExchange: keyExchange,
		blobCheck:   blobCheck,
		blobFetch:   blobFetch,
		streams:     streams,
		cfg:         cfg,
		log:         log.Component("sync"),
	}
}

// Fingerprint builds the handshake fingerprint for a context from its
// current store state (§4.3).
func Fingerprint(contextID primitives.ID, store *dag.Store, ctxState *primitives.Context) protocol.HandshakeFingerprint {
	heads := store.GetHeads()
	return protocol.HandshakeFingerprint{
		ContextID:         contextID,
		RootHash:          ctxState.RootHash,
		DAGHeadCount:      len(heads),
		EntityCount:       store.AppliedCount(),
		TreeDepth:         int(store.MaxHeight()),
		LastAuthorHeights: store.AuthorHeights(),
	}
}

// RunInitiator drives the full pairwise sync flow (§4.5) as the side that
// opened the stream: handshake, protocol selection, key-share,
// blob-share, ancestor backfill, and a final convergence log (see
// verifyRootHash).
func (e *Engine) RunInitiator(ctx context.Context, stream ports.Stream, contextID primitives.ID, remoteAppBlobID *primitives.ID) error {
	store, ok := e.stores.Store(contextID)
	if !ok {
		return errors.NewMissingDependencyError("sync.RunInitiator", fmt.Errorf("no local store for context %s", contextID))
	}
	ctxState, err := e.contexts.GetContext(ctx, contextID)
	if err != nil {
		return errors.NewMissingDependencyError("sync.RunInitiator", err)
	}

	localFP := Fingerprint(contextID, store, ctxState)
	resp, err := libp2ptransport.Request(ctx, stream, "handshake", protocol.SyncHandshake{Fingerprint: localFP}, e.stepTimeout())
	if err != nil {
		return errors.NewNetworkError("sync.RunInitiator", err)
	}
	var ack protocol.SyncHandshakeAck
	if err := decodeInto(resp, &ack); err != nil {
		return errors.NewNetworkError("sync.RunInitiator", err)
	}

	mine := Select(localFP, ack.Fingerprint, e.cfg.SelectorConfig)
	chosen := AgreeProtocol(mine, ack.Proposed)
	e.log.Debug("sync protocol agreed", "context_id", contextID.String(), "protocol", string(chosen))

	if e.keyExchange != nil {
		if err := e.keyExchange.Initiate(ctx, stream, contextID); err != nil {
			e.log.Warn("key-share phase failed, continuing without it", "context_id", contextID.String(), "err", err)
		}
	}

	if remoteAppBlobID != nil && e.blobCheck != nil && e.blobFetch != nil {
		have, err := e.blobCheck.HasBlob(ctx, *remoteAppBlobID)
		if err == nil && !have {
			if _, err := e.blobFetch.Fetch(ctx, stream, *remoteAppBlobID, contextID); err != nil {
				e.log.Warn("blob-share phase failed", "context_id", contextID.String(), "err", err)
			}
		}
	}

	if err := e.backfill(ctx, stream, contextID, store); err != nil {
		return err
	}

	e.verifyRootHash(contextID, store, ctxState)
	return nil
}

// RunResponder drives the responder side of one pairwise sync session:
// it answers the handshake, participates in key-share, and answers
// ancestor backfill requests. Blob-share is initiator-driven only (the
// responder's Fetch side has nothing to request in this implementation).
func (e *Engine) RunResponder(ctx context.Context, stream ports.Stream) error {
	req, err := libp2ptransport.ReadRequest(stream)
	if err != nil {
		return errors.NewNetworkError("sync.RunResponder", err)
	}
	var handshake protocol.SyncHandshake
	if err := decodeInto(req, &handshake); err != nil {
		return errors.NewNetworkError("sync.RunResponder", err)
	}
	contextID := handshake.Fingerprint.ContextID

	store, ok := e.stores.Store(contextID)
	if !ok {
		return errors.NewMissingDependencyError("sync.RunResponder", fmt.Errorf("no local store for context %s", contextID))
	}
	ctxState, err := e.contexts.GetContext(ctx, contextID)
	if err != nil {
		return errors.NewMissingDependencyError("sync.RunResponder", err)
	}

	localFP := Fingerprint(contextID, store, ctxState)
	proposed := Select(localFP, handshake.Fingerprint, e.cfg.SelectorConfig)
	if err := libp2ptransport.Respond(stream, req.CorrelationID, "handshake_ack", protocol.SyncHandshakeAck{Fingerprint: localFP, Proposed: proposed}); err != nil {
		return errors.NewNetworkError("sync.RunResponder", err)
	}

	if e.keyExchange != nil {
		if err := e.keyExchange.Respond(ctx, stream); err != nil {
			e.log.Warn("key-share phase failed", "context_id", contextID.String(), "err", err)
		}
	}

	return e.serveBackfill(ctx, stream, store)
}

// backfill implements §4.5 steps 5-6: if uninitialized, walk the peer's
// DAG heads backward via parent requests until every ancestor is locally
// present; if initialized but carrying pending deltas, resolve just
// those deltas' missing parents the same way.
func (e *Engine) backfill(ctx context.Context, stream ports.Stream, contextID primitives.ID, store *dag.Store) error {
	var frontier map[primitives.ID]struct{}

	if store.IsUninitialized() {
		resp, err := libp2ptransport.Request(ctx, stream, "heads_request", protocol.HeadsRequest{ContextID: contextID}, e.stepTimeout())
		if err != nil {
			return errors.NewNetworkError("sync.backfill", err)
		}
		var heads protocol.HeadsResponse
		if err := decodeInto(resp, &heads); err != nil {
			return errors.NewNetworkError("sync.backfill", err)
		}
		frontier = make(map[primitives.ID]struct{}, len(heads.Heads))
		for _, id := range heads.Heads {
			if !store.HasApplied(id) {
				frontier[id] = struct{}{}
			}
		}
	} else {
		missing := store.GetMissingParents()
		frontier = missing.MissingIDs
	}

	for len(frontier) > 0 {
		ids := make([]primitives.ID, 0, len(frontier))
		for id := range frontier {
			ids = append(ids, id)
		}
		resp, err := libp2ptransport.Request(ctx, stream, "delta_request", protocol.DeltaRequest{ContextID: contextID, DeltaIDs: ids}, e.stepTimeout())
		if err != nil {
			return errors.NewNetworkError("sync.backfill", err)
		}
		var deltas protocol.DeltaResponse
		if err := decodeInto(resp, &deltas); err != nil {
			return errors.NewNetworkError("sync.backfill", err)
		}
		if len(deltas.Deltas) == 0 {
			break
		}

		next := make(map[primitives.ID]struct{})
		for i := range deltas.Deltas {
			d := deltas.Deltas[i]
			if _, err := store.AddDelta(&d); err != nil && !errors.IsPermanent(err) {
				return err
			}
			for _, p := range d.Parents {
				if !p.IsZero() && !store.HasApplied(p) {
					next[p] = struct{}{}
				}
			}
		}
		missing := store.GetMissingParents()
		for id := range missing.MissingIDs {
			next[id] = struct{}{}
		}
		frontier = next
	}
	return nil
}

// connPeer is satisfied by the libp2p network.Stream implementations that
// back ports.Stream in production; net.Pipe()-backed test streams don't
// implement it, in which case remoteAuthor reports unknown.
type connPeer interface {
	Conn() network.Conn
}

// remoteAuthor extracts the context member identity of the peer on the
// other end of stream, when the stream exposes its libp2p connection and
// that peer's ID embeds its Ed25519 public key (true for every peer ID
// this node itself derives via crypto.GenerateIdentity). Used to exclude
// a peer's own deltas from a backfill reply, since it authored them
// itself and gains nothing from receiving them back.
func remoteAuthor(stream ports.Stream) (primitives.PublicKey, bool) {
	cp, ok := stream.(connPeer)
	if !ok {
		return primitives.PublicKey{}, false
	}
	remote := cp.Conn().RemotePeer()
	pub, err := remote.ExtractPublicKey()
	if err != nil || pub == nil {
		return primitives.PublicKey{}, false
	}
	raw, err := pub.Raw()
	if err != nil {
		return primitives.PublicKey{}, false
	}
	pk, ok := primitives.IDFromBytes(raw)
	if !ok {
		return primitives.PublicKey{}, false
	}
	return pk, true
}

// serveBackfill answers heads_request and delta_request messages from an
// initiator driving backfill against this node.
func (e *Engine) serveBackfill(ctx context.Context, stream ports.Stream, store *dag.Store) error {
	for {
		req, err := libp2ptransport.ReadRequest(stream)
		if err != nil {
			return nil // initiator closed the stream; session over
		}
		switch req.Kind {
		case "heads_request":
			heads := store.GetHeads()
			out := make([]primitives.ID, 0, len(heads))
			for id := range heads {
				out = append(out, id)
			}
			if err := libp2ptransport.Respond(stream, req.CorrelationID, "heads_response", protocol.HeadsResponse{Heads: out}); err != nil {
				return errors.NewNetworkError("sync.serveBackfill", err)
			}
		case "delta_request":
			var dr protocol.DeltaRequest
			if err := decodeInto(req, &dr); err != nil {
				return errors.NewNetworkError("sync.serveBackfill", err)
			}
			requester, knowRequester := remoteAuthor(stream)
			var out []primitives.Delta
			for _, id := range dr.DeltaIDs {
				d, ok := store.GetDelta(id)
				if !ok {
					continue
				}
				if knowRequester && d.Author == requester {
					continue
				}
				out = append(out, *d)
			}
			if err := libp2ptransport.Respond(stream, req.CorrelationID, "delta_response", protocol.DeltaResponse{Deltas: out}); err != nil {
				return errors.NewNetworkError("sync.serveBackfill", err)
			}
		default:
			return fmt.Errorf("unexpected message kind %q during backfill", req.Kind)
		}
	}
}

// RunDeltaResponder answers the delta-request/v1 protocol: a peer driving
// FetchMissingParents (§4.6) or a heads probe (§4.7) against one context,
// outside of a full sync/v1 session. The context isn't known until the
// first request's envelope is decoded, so each request resolves its own
// store rather than sharing one looked up up front.
func (e *Engine) RunDeltaResponder(ctx context.Context, stream ports.Stream) error {
	for {
		req, err := libp2ptransport.ReadRequest(stream)
		if err != nil {
			return nil // peer closed the stream; session over
		}

		var contextID primitives.ID
		switch req.Kind {
		case "heads_request":
			var hr protocol.HeadsRequest
			if err := decodeInto(req, &hr); err != nil {
				return errors.NewNetworkError("sync.RunDeltaResponder", err)
			}
			contextID = hr.ContextID
		case "delta_request":
			var dr protocol.DeltaRequest
			if err := decodeInto(req, &dr); err != nil {
				return errors.NewNetworkError("sync.RunDeltaResponder", err)
			}
			contextID = dr.ContextID
		default:
			return fmt.Errorf("unexpected message kind %q on delta-request stream", req.Kind)
		}

		store, ok := e.stores.Store(contextID)
		if !ok {
			return errors.NewMissingDependencyError("sync.RunDeltaResponder", fmt.Errorf("no local store for context %s", contextID))
		}
		if err := e.respondOne(stream, req, store); err != nil {
			return err
		}
	}
}

// respondOne answers a single already-decoded heads_request/delta_request
// envelope against store, mirroring serveBackfill's per-message handling.
func (e *Engine) respondOne(stream ports.Stream, req libp2ptransport.Envelope, store *dag.Store) error {
	switch req.Kind {
	case "heads_request":
		heads := store.GetHeads()
		out := make([]primitives.ID, 0, len(heads))
		for id := range heads {
			out = append(out, id)
		}
		if err := libp2ptransport.Respond(stream, req.CorrelationID, "heads_response", protocol.HeadsResponse{Heads: out}); err != nil {
			return errors.NewNetworkError("sync.respondOne", err)
		}
	case "delta_request":
		var dr protocol.DeltaRequest
		if err := decodeInto(req, &dr); err != nil {
			return errors.NewNetworkError("sync.respondOne", err)
		}
		requester, knowRequester := remoteAuthor(stream)
		var out []primitives.Delta
		for _, id := range dr.DeltaIDs {
			d, ok := store.GetDelta(id)
			if !ok {
				continue
			}
			if knowRequester && d.Author == requester {
				continue
			}
			out = append(out, *d)
		}
		if err := libp2ptransport.Respond(stream, req.CorrelationID, "delta_response", protocol.DeltaResponse{Deltas: out}); err != nil {
			return errors.NewNetworkError("sync.respondOne", err)
		}
	}
	return nil
}

// verifyRootHash logs that the session converged when the store ends it
// with a single DAG head. It does not compare root hashes, so a root-hash
// mismatch is neither detected nor logged here; it never fails the
// session.
func (e *Engine) verifyRootHash(contextID primitives.ID, store *dag.Store, ctxState *primitives.Context) {
	heads := store.GetHeads()
	if len(heads) != 1 {
		return
	}
	e.log.Debug("sync session converged", "context_id", contextID.String(), "head_count", len(heads))
}

func (e *Engine) stepTimeout() time.Duration {
	if e.cfg.SyncTimeout <= 0 {
		return 20 * time.Second
	}
	return e.cfg.SyncTimeout / 3
}

// FetchMissingParents implements broadcast.ParentFetcher: it opens a
// fresh delta-request/v1 stream to sourcePeer and walks backward from
// missingIDs until every requested ancestor is applied or the peer has
// nothing more to offer (§4.2 step 6, §4.6).
func (e *Engine) FetchMissingParents(ctx context.Context, contextID primitives.ID, sourcePeer peer.ID, missingIDs map[primitives.ID]struct{}) error {
	store, ok := e.stores.Store(contextID)
	if !ok {
		return errors.NewMissingDependencyError("sync.FetchMissingParents", fmt.Errorf("no local store for context %s", contextID))
	}
	stream, err := e.streams.OpenStream(ctx, sourcePeer, protocol.DeltaRequestProtocolID)
	if err != nil {
		return errors.NewNetworkError("sync.FetchMissingParents", err)
	}
	defer stream.Close()

	frontier := make(map[primitives.ID]struct{}, len(missingIDs))
	for id := range missingIDs {
		frontier[id] = struct{}{}
	}
	for len(frontier) > 0 {
		ids := make([]primitives.ID, 0, len(frontier))
		for id := range frontier {
			ids = append(ids, id)
		}
		resp, err := libp2ptransport.Request(ctx, stream, "delta_request", protocol.DeltaRequest{ContextID: contextID, DeltaIDs: ids}, e.stepTimeout())
		if err != nil {
			return errors.NewNetworkError("sync.FetchMissingParents", err)
		}
		var deltas protocol.DeltaResponse
		if err := decodeInto(resp, &deltas); err != nil {
			return errors.NewNetworkError("sync.FetchMissingParents", err)
		}
		if len(deltas.Deltas) == 0 {
			return nil
		}
		next := make(map[primitives.ID]struct{})
		for i := range deltas.Deltas {
			d := deltas.Deltas[i]
			if _, err := store.AddDelta(&d); err != nil && !errors.IsPermanent(err) {
				return err
			}
			for _, p := range d.Parents {
				if !p.IsZero() && !store.HasApplied(p) {
					next[p] = struct{}{}
				}
			}
		}
		frontier = next
	}
	return nil
}
