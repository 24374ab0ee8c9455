// Package dag implements the causal delta store: one per context, the
// single in-memory authority over that context's DAG of applied and
// pending deltas.
package dag

import (
	"sync"

	"github.com/calimero-network/core-sub003/internal/primitives"
	"github.com/calimero-network/core-sub003/pkg/errors"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

// StateApplier invokes the execution bridge to compute the root hash that
// results from applying a delta's payload against the current context
// state. It must not perform I/O and must be deterministic in its inputs.
type StateApplier interface {
	Apply(contextID primitives.ID, payload []primitives.StorageAction) (newRootHash primitives.ID, err error)
}

// Persister durably records an applied delta and the context's new root
// hash and head set, atomically.
type Persister interface {
	PersistDelta(contextID primitives.ID, delta *primitives.Delta, newRootHash primitives.ID, heads map[primitives.ID]struct{}) error
}

// CascadedEvents pairs a delta ID with the events to run for it, in the
// order the cascade applied them.
type CascadedEvents struct {
	DeltaID primitives.ID
	Events  []primitives.Event
}

// AddResult is the outcome of AddDelta: whether the delta itself applied,
// and any further deltas the cascade applied as a consequence.
type AddResult struct {
	Applied  bool
	Cascaded []CascadedEvents
}

// MissingParentsResult is the outcome of GetMissingParents.
type MissingParentsResult struct {
	MissingIDs map[primitives.ID]struct{}
	Cascaded   []CascadedEvents
}

const defaultPendingLimit = 10000

// Store is the causal DAG for a single context. It serializes all
// mutating operations behind a single lock; cascade runs synchronously
// inside the triggering AddDelta call, as the concurrency model requires.
type Store struct {
	mu sync.Mutex

	contextID primitives.ID
	applier   StateApplier
	persister Persister
	log       *logging.Logger

	pendingLimit int

	applied     map[primitives.ID]*primitives.Delta
	heads       map[primitives.ID]struct{}
	childrenOf  map[primitives.ID]map[primitives.ID]struct{} // parent -> applied children
	heightByAuthor map[primitives.PublicKey]uint64

	pending      map[primitives.ID]*primitives.Delta
	waitingOn    map[primitives.ID]map[primitives.ID]struct{} // missing parent -> pending deltas blocked on it
	pendingOrder []primitives.ID                              // insertion order, for eviction
}

// New creates a delta store for contextID, starting from an uninitialized
// DAG (heads = {zero sentinel}).
func New(contextID primitives.ID, applier StateApplier, persister Persister, log *logging.Logger, pendingLimit int) *Store {
	if pendingLimit <= 0 {
		pendingLimit = defaultPendingLimit
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Store{
		contextID:      contextID,
		applier:        applier,
		persister:      persister,
		log:            log.Component("dag"),
		pendingLimit:   pendingLimit,
		applied:        make(map[primitives.ID]*primitives.Delta),
		heads:          map[primitives.ID]struct{}{primitives.ZeroID: {}},
		childrenOf:     make(map[primitives.ID]map[primitives.ID]struct{}),
		heightByAuthor: make(map[primitives.PublicKey]uint64),
		pending:        make(map[primitives.ID]*primitives.Delta),
		waitingOn:      make(map[primitives.ID]map[primitives.ID]struct{}),
	}
}

// HasApplied reports whether deltaID has been applied to this context.
func (s *Store) HasApplied(deltaID primitives.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[deltaID]
	return ok || deltaID.IsZero()
}

// GetDelta returns an applied or pending delta by ID.
func (s *Store) GetDelta(deltaID primitives.ID) (*primitives.Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.applied[deltaID]; ok {
		return d, true
	}
	if d, ok := s.pending[deltaID]; ok {
		return d, true
	}
	return nil, false
}

// GetHeads returns the current DAG heads: applied deltas with no applied
// children.
func (s *Store) GetHeads() map[primitives.ID]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[primitives.ID]struct{}, len(s.heads))
	for id := range s.heads {
		out[id] = struct{}{}
	}
	return out
}

// AddDelta validates and inserts delta into the DAG. If its parents are
// already applied it applies immediately and cascades any pending deltas
// this unblocks; otherwise it is buffered pending those parents.
func (s *Store) AddDelta(delta *primitives.Delta) (AddResult, error) {
	expectedID := primitives.ContentHash(delta.Parents, delta.Payload, delta.HLC, delta.Author)
	if expectedID != delta.ID {
		return AddResult{}, errors.NewPermanentError("dag.AddDelta", errors.New("delta id does not match content hash"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.applied[delta.ID]; ok {
		return AddResult{Applied: true}, nil // idempotent no-op
	}
	if _, ok := s.pending[delta.ID]; ok {
		return AddResult{Applied: false}, nil // idempotent no-op
	}

	if s.parentsReady(delta.Parents) {
		baseDeterministic := s.isDeterministicBase(delta.Parents)
		cascaded, err := s.applyLocked(delta, baseDeterministic)
		if err != nil {
			return AddResult{}, err
		}
		return AddResult{Applied: true, Cascaded: cascaded}, nil
	}

	s.bufferPendingLocked(delta)
	return AddResult{Applied: false}, nil
}

func (s *Store) parentsReady(parents []primitives.ID) bool {
	for _, p := range parents {
		if p.IsZero() {
			continue
		}
		if _, ok := s.applied[p]; !ok {
			return false
		}
	}
	return true
}

// isDeterministicBase implements the apply-base determinism rules: genesis,
// linear, and clean-merge. Cascade-extension is handled separately by the
// caller threading baseDeterministic through recursive applyLocked calls.
func (s *Store) isDeterministicBase(parents []primitives.ID) bool {
	switch len(s.heads) {
	case 1:
		for head := range s.heads {
			if head.IsZero() {
				// Genesis: previous heads = {zero}, D's parent = zero.
				return len(parents) == 1 && parents[0].IsZero()
			}
			// Linear: previous heads = {H}, D.parents = [H].
			return len(parents) == 1 && parents[0] == head
		}
	default:
		// Clean merge: D.parents (as a set) equals previous heads exactly.
		if len(parents) != len(s.heads) {
			return false
		}
		seen := make(map[primitives.ID]struct{}, len(parents))
		for _, p := range parents {
			if _, dup := seen[p]; dup {
				return false
			}
			seen[p] = struct{}{}
			if _, isHead := s.heads[p]; !isHead {
				return false
			}
		}
		return true
	}
	return false
}

// applyLocked applies delta (whose parents are already known ready) and
// cascades pending children. Must be called with s.mu held.
func (s *Store) applyLocked(delta *primitives.Delta, baseDeterministic bool) ([]CascadedEvents, error) {
	newRootHash, err := s.applier.Apply(s.contextID, delta.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "execution bridge apply")
	}

	if baseDeterministic && newRootHash != delta.ExpectedRootHash {
		s.log.Warn("non-determinism on deterministic apply base",
			"context_id", s.contextID.String(),
			"delta_id", delta.ID.String(),
			"expected_root_hash", delta.ExpectedRootHash.String(),
			"actual_root_hash", newRootHash.String())
	}

	// Update heads: remove any parent that was a head, add this delta.
	for _, p := range delta.Parents {
		delete(s.heads, p)
	}
	s.heads[delta.ID] = struct{}{}
	if len(delta.Parents) == 0 || (len(delta.Parents) == 1 && delta.Parents[0].IsZero()) {
		delete(s.heads, primitives.ZeroID)
	}

	s.applied[delta.ID] = delta
	s.heightByAuthor[delta.Author] = delta.Height

	for _, p := range delta.Parents {
		if s.childrenOf[p] == nil {
			s.childrenOf[p] = make(map[primitives.ID]struct{})
		}
		s.childrenOf[p][delta.ID] = struct{}{}
	}

	if s.persister != nil {
		if err := s.persister.PersistDelta(s.contextID, delta, newRootHash, s.heads); err != nil {
			return nil, errors.NewFatalError("dag.persist", err)
		}
	}

	cascaded := []CascadedEvents{{DeltaID: delta.ID, Events: delta.Events}}

	// Cascade: children of this delta waiting only on it become ready.
	ready := s.drainWaiters(delta.ID)
	for _, child := range ready {
		// Cascade extension: D.parents = [last_applied] and the original
		// base at the start of this cascade was itself deterministic.
		childBaseDeterministic := baseDeterministic && len(child.Parents) == 1 && child.Parents[0] == delta.ID
		childCascaded, err := s.applyLocked(child, childBaseDeterministic)
		if err != nil {
			return nil, err
		}
		cascaded = append(cascaded, childCascaded...)
	}

	return cascaded, nil
}

// drainWaiters removes and returns pending deltas that become ready now
// that parentID has applied (all of their other parents already applied).
func (s *Store) drainWaiters(parentID primitives.ID) []*primitives.Delta {
	waiters := s.waitingOn[parentID]
	delete(s.waitingOn, parentID)

	var ready []*primitives.Delta
	for childID := range waiters {
		child, ok := s.pending[childID]
		if !ok {
			continue
		}
		if !s.parentsReady(child.Parents) {
			continue
		}
		delete(s.pending, childID)
		s.removeFromPendingOrder(childID)
		for _, p := range child.Parents {
			if set, ok := s.waitingOn[p]; ok {
				delete(set, childID)
				if len(set) == 0 {
					delete(s.waitingOn, p)
				}
			}
		}
		ready = append(ready, child)
	}
	return ready
}

func (s *Store) bufferPendingLocked(delta *primitives.Delta) {
	s.pending[delta.ID] = delta
	s.pendingOrder = append(s.pendingOrder, delta.ID)

	for _, p := range delta.Parents {
		if p.IsZero() {
			continue
		}
		if _, ok := s.applied[p]; ok {
			continue
		}
		if s.waitingOn[p] == nil {
			s.waitingOn[p] = make(map[primitives.ID]struct{})
		}
		s.waitingOn[p][delta.ID] = struct{}{}
	}

	if len(s.pendingOrder) > s.pendingLimit {
		s.evictEldestLocked()
	}
}

// evictEldestLocked drops the oldest pending delta and anything
// transitively waiting on it, per the pending-buffer bound in §4.1/§5.
func (s *Store) evictEldestLocked() {
	if len(s.pendingOrder) == 0 {
		return
	}
	eldest := s.pendingOrder[0]
	s.evictLocked(eldest)
	s.log.Warn("pending buffer overflow, evicted eldest delta",
		"context_id", s.contextID.String(), "delta_id", eldest.String())
}

func (s *Store) evictLocked(deltaID primitives.ID) {
	delta, ok := s.pending[deltaID]
	if !ok {
		return
	}
	delete(s.pending, deltaID)
	s.removeFromPendingOrder(deltaID)

	for _, p := range delta.Parents {
		if set, ok := s.waitingOn[p]; ok {
			delete(set, deltaID)
			if len(set) == 0 {
				delete(s.waitingOn, p)
			}
		}
	}

	// Dependents can never apply without this delta; evict them too.
	dependents := s.waitingOn[deltaID]
	delete(s.waitingOn, deltaID)
	for dependentID := range dependents {
		s.evictLocked(dependentID)
	}
}

func (s *Store) removeFromPendingOrder(id primitives.ID) {
	for i, existing := range s.pendingOrder {
		if existing == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			return
		}
	}
}

// GetMissingParents returns the set of delta IDs referenced by pending
// deltas but not present locally, and re-attempts cascading (to catch
// deltas loaded from durable storage whose parents have since arrived).
func (s *Store) GetMissingParents() MissingParentsResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cascaded []CascadedEvents
	for parentID, waiters := range s.waitingOn {
		if _, ok := s.applied[parentID]; ok && len(waiters) > 0 {
			ready := s.drainWaiters(parentID)
			for _, child := range ready {
				childCascaded, err := s.applyLocked(child, false)
				if err != nil {
					continue
				}
				cascaded = append(cascaded, childCascaded...)
			}
		}
	}

	missing := make(map[primitives.ID]struct{})
	for parentID := range s.waitingOn {
		if _, ok := s.applied[parentID]; !ok {
			missing[parentID] = struct{}{}
		}
	}

	return MissingParentsResult{MissingIDs: missing, Cascaded: cascaded}
}

// PendingCount returns the number of deltas currently buffered pending
// their parents.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// AppliedCount returns the number of deltas applied so far, used as the
// entity-count proxy in a handshake fingerprint (§4.3).
func (s *Store) AppliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// AuthorHeights returns a copy of the per-author height table, used to
// compute the last_author_heights field of a handshake fingerprint.
func (s *Store) AuthorHeights() map[primitives.PublicKey]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[primitives.PublicKey]uint64, len(s.heightByAuthor))
	for k, v := range s.heightByAuthor {
		out[k] = v
	}
	return out
}

// IsUninitialized reports whether the context's DAG is still at its
// genesis state (heads = {zero}, nothing applied).
func (s *Store) IsUninitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, zeroHead := s.heads[primitives.ZeroID]
	return zeroHead && len(s.heads) == 1 && len(s.applied) == 0
}

// MaxHeight returns the highest per-author height applied so far, used as
// a cheap tree-depth proxy by the sync protocol selector's fingerprint.
func (s *Store) MaxHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for _, h := range s.heightByAuthor {
		if h > max {
			max = h
		}
	}
	return max
}
