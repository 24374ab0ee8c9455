// Package execbridge implements the opaque execution contract (§4.8): the
// seam between delta-application decisions and application logic. Real
// application logic (a WASM sandbox) is explicitly out of scope here; this
// package ships an in-memory test double that is deterministic and
// side-effect free, satisfying the same contract a WASM runtime would.
package execbridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/calimero-network/core-sub003/internal/hlc"
	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/errors"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

// HeadsProvider supplies the current DAG heads for a context, needed to
// stamp a freshly generated delta's parents. Declared locally (rather than
// importing internal/dag) so execbridge stays a leaf the dag package can
// depend on without a cycle.
type HeadsProvider interface {
	GetHeads(contextID primitives.ID) map[primitives.ID]struct{}
}

// Invocation is the opaque input to Execute, decoded from input_payload.
// The core never interprets this shape itself; it exists because this
// module's test double stands in for real application logic and needs some
// concrete wire format to exercise the contract end to end.
type Invocation struct {
	Actions []primitives.StorageAction `json:"actions"`
	Events  []primitives.Event         `json:"events,omitempty"`
}

// contextState holds one context's entity table, keyed by hex-encoded entity
// key since primitives.StorageAction.EntityKey is an opaque byte string.
type contextState struct {
	entities map[string][]byte
}

// Bridge is the in-memory execution bridge test double. One Bridge serves
// every context in a node; per-context state is partitioned internally.
type Bridge struct {
	mu     sync.Mutex
	states map[primitives.ID]*contextState
	heights map[contextAuthor]uint64

	clock *hlc.Clock
	heads HeadsProvider
	log   *logging.Logger
}

type contextAuthor struct {
	context primitives.ID
	author  primitives.PublicKey
}

// New creates an execution bridge. clock stamps generated deltas' HLC;
// heads supplies the parent set for newly generated deltas.
func New(clock *hlc.Clock, heads HeadsProvider, log *logging.Logger) *Bridge {
	if log == nil {
		log = logging.Nop()
	}
	return &Bridge{
		states:  make(map[primitives.ID]*contextState),
		heights: make(map[contextAuthor]uint64),
		clock:   clock,
		heads:   heads,
		log:     log.Component("execbridge"),
	}
}

var (
	_ ports.WasmRuntime = (*Bridge)(nil)
)

func (b *Bridge) stateLocked(contextID primitives.ID) *contextState {
	cs, ok := b.states[contextID]
	if !ok {
		cs = &contextState{entities: make(map[string][]byte)}
		b.states[contextID] = cs
	}
	return cs
}

// Apply implements internal/dag.StateApplier: it applies payload's storage
// actions to the context's entity table and returns the resulting root
// hash. It performs no I/O and is deterministic in its inputs.
func (b *Bridge) Apply(contextID primitives.ID, payload []primitives.StorageAction) (primitives.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.stateLocked(contextID)
	applyActionsLocked(cs, payload)
	return computeRootHash(cs.entities), nil
}

// Execute implements the execution bridge contract (§4.8): it decodes input
// as an Invocation, applies its actions, and produces a generated delta
// ready for the delta store and broadcast layer.
func (b *Bridge) Execute(_ context.Context, contextID primitives.ID, authorIdentity primitives.PublicKey, method string, input []byte) (ports.ExecutionResult, error) {
	var inv Invocation
	if len(input) > 0 {
		if err := json.Unmarshal(input, &inv); err != nil {
			return ports.ExecutionResult{}, errors.NewValidationError("execbridge.Execute", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.stateLocked(contextID)

	if method == "noop" {
		return ports.ExecutionResult{NewRootHash: computeRootHash(cs.entities)}, nil
	}

	applyActionsLocked(cs, inv.Actions)
	newRootHash := computeRootHash(cs.entities)

	var parents []primitives.ID
	if b.heads != nil {
		for h := range b.heads.GetHeads(contextID) {
			parents = append(parents, h)
		}
	}
	if len(parents) == 0 {
		parents = []primitives.ID{primitives.ZeroID}
	}

	var ts hlc.Timestamp
	if b.clock != nil {
		ts = b.clock.Now()
	}

	key := contextAuthor{context: contextID, author: authorIdentity}
	height := b.heights[key] + 1
	b.heights[key] = height

	deltaID := primitives.ContentHash(parents, inv.Actions, ts, authorIdentity)
	delta := &primitives.Delta{
		ID:               deltaID,
		Parents:          parents,
		Payload:          inv.Actions,
		HLC:              ts,
		ExpectedRootHash: newRootHash,
		Author:           authorIdentity,
		Height:           height,
		Events:           inv.Events,
	}

	artifact, err := json.Marshal(inv.Actions)
	if err != nil {
		return ports.ExecutionResult{}, errors.NewInternalError("execbridge.Execute", err)
	}

	b.log.Debug("execution produced delta", "context_id", contextID.String(), "delta_id", deltaID.String(), "method", method)

	return ports.ExecutionResult{
		NewRootHash:    newRootHash,
		GeneratedDelta: delta,
		Events:         inv.Events,
		Artifact:       artifact,
	}, nil
}

func applyActionsLocked(cs *contextState, actions []primitives.StorageAction) {
	for _, action := range actions {
		key := string(action.EntityKey)
		if action.Data == nil {
			delete(cs.entities, key)
			continue
		}
		cs.entities[key] = action.Data
	}
}
