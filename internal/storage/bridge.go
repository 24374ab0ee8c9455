package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
)

// Column prefixes for the datastore schema (§6). Keys are opaque to the
// underlying datastore; these prefixes are the core's own semantic
// partitioning within that keyspace.
const (
	columnContextMeta  = "cm"
	columnDelta        = "dl"
	columnIdentity     = "id"
	columnContextState = "cs"
	columnBlobMeta     = "bm"
)

func contextMetaKey(contextID primitives.ID) []byte {
	return []byte(fmt.Sprintf("%s:%s", columnContextMeta, contextID))
}

var contextMetaPrefix = []byte(columnContextMeta + ":")

func deltaKey(contextID, deltaID primitives.ID) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", columnDelta, contextID, deltaID))
}

func deltaPrefix(contextID primitives.ID) []byte {
	return []byte(fmt.Sprintf("%s:%s:", columnDelta, contextID))
}

func identityKey(contextID primitives.ID, publicKey primitives.PublicKey) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", columnIdentity, contextID, publicKey))
}

func identityPrefix(contextID primitives.ID) []byte {
	return []byte(fmt.Sprintf("%s:%s:", columnIdentity, contextID))
}

func contextStateKey(contextID primitives.ID, entityKey []byte) []byte {
	prefix := []byte(fmt.Sprintf("%s:%s:", columnContextState, contextID))
	return append(prefix, entityKey...)
}

func blobMetaKey(blobID primitives.ID) []byte {
	return []byte(fmt.Sprintf("%s:%s", columnBlobMeta, blobID))
}

// ContextMetaRecord is the persisted form of context_meta[ctx].
type ContextMetaRecord struct {
	ApplicationID  primitives.ID   `json:"application_id"`
	RootHash       primitives.ID   `json:"root_hash"`
	DAGHeads       []primitives.ID `json:"dag_heads"`
	ConfigRevision uint64          `json:"config_revision"`
}

// IdentityRecord is the persisted form of identity[ctx, public_key].
type IdentityRecord struct {
	SenderKey  []byte `json:"sender_key,omitempty"`
	Owned      bool   `json:"owned"`
	PrivateKey []byte `json:"private_key,omitempty"`
}

// BlobMetaRecord is the persisted form of blob_meta[blob_id].
type BlobMetaRecord struct {
	Size   uint64 `json:"size"`
	Mime   string `json:"mime"`
	Hash   primitives.ID `json:"hash"`
	Chunks uint32 `json:"chunks"`
}

// Bridge implements the storage bridge: durable persistence of applied
// deltas and derived context state over a ports.Datastore.
type Bridge struct {
	ds ports.Datastore
}

// NewBridge wraps a datastore as the storage bridge.
func NewBridge(ds ports.Datastore) *Bridge {
	return &Bridge{ds: ds}
}

// Datastore exposes the underlying keyed store for collaborators that need
// a raw column outside the context_meta/delta/identity/context_state/
// blob_meta schema (blob byte storage, see internal/node).
func (b *Bridge) Datastore() ports.Datastore {
	return b.ds
}

// PersistDelta implements dag.Persister: it records the delta, then the
// context's updated meta record, as two separate datastore writes. The
// pair is not atomic: if the second write fails, the delta is stored while
// the meta record still holds the previous root hash and heads.
func (b *Bridge) PersistDelta(contextID primitives.ID, delta *primitives.Delta, newRootHash primitives.ID, heads map[primitives.ID]struct{}) error {
	deltaBytes, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	if err := b.ds.Put(deltaKey(contextID, delta.ID), deltaBytes); err != nil {
		return fmt.Errorf("persist delta: %w", err)
	}

	meta, err := b.GetContextMeta(contextID)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &ContextMetaRecord{}
	}
	meta.RootHash = newRootHash
	meta.DAGHeads = meta.DAGHeads[:0]
	for h := range heads {
		meta.DAGHeads = append(meta.DAGHeads, h)
	}
	return b.PutContextMeta(contextID, meta)
}

// GetContextMeta loads the context_meta[ctx] record, or nil if absent.
func (b *Bridge) GetContextMeta(contextID primitives.ID) (*ContextMetaRecord, error) {
	raw, found, err := b.ds.Get(contextMetaKey(contextID))
	if err != nil {
		return nil, fmt.Errorf("get context meta: %w", err)
	}
	if !found {
		return nil, nil
	}
	var meta ContextMetaRecord
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal context meta: %w", err)
	}
	return &meta, nil
}

// PutContextMeta stores the context_meta[ctx] record.
func (b *Bridge) PutContextMeta(contextID primitives.ID, meta *ContextMetaRecord) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal context meta: %w", err)
	}
	return b.ds.Put(contextMetaKey(contextID), raw)
}

// ListContextIDs returns every context with a persisted context_meta
// record, used to rebuild a node's context registry on startup.
func (b *Bridge) ListContextIDs() ([]primitives.ID, error) {
	var out []primitives.ID
	err := b.ds.Range(contextMetaPrefix, func(key, _ []byte) error {
		raw, err := hex.DecodeString(string(key[len(contextMetaPrefix):]))
		if err != nil {
			return fmt.Errorf("decode context meta key: %w", err)
		}
		contextID, ok := primitives.IDFromBytes(raw)
		if !ok {
			return fmt.Errorf("malformed context meta key")
		}
		out = append(out, contextID)
		return nil
	})
	return out, err
}

// GetDelta loads a previously persisted delta by ID.
func (b *Bridge) GetDelta(contextID, deltaID primitives.ID) (*primitives.Delta, bool, error) {
	raw, found, err := b.ds.Get(deltaKey(contextID, deltaID))
	if err != nil || !found {
		return nil, false, err
	}
	var delta primitives.Delta
	if err := json.Unmarshal(raw, &delta); err != nil {
		return nil, false, fmt.Errorf("unmarshal delta: %w", err)
	}
	return &delta, true, nil
}

// LoadAllDeltas returns every delta persisted for contextID, used to
// rebuild the in-memory DAG on startup.
func (b *Bridge) LoadAllDeltas(contextID primitives.ID) ([]*primitives.Delta, error) {
	var deltas []*primitives.Delta
	err := b.ds.Range(deltaPrefix(contextID), func(_, value []byte) error {
		var delta primitives.Delta
		if err := json.Unmarshal(value, &delta); err != nil {
			return fmt.Errorf("unmarshal delta: %w", err)
		}
		deltas = append(deltas, &delta)
		return nil
	})
	return deltas, err
}

// GetIdentity loads the identity[ctx, public_key] record.
func (b *Bridge) GetIdentity(contextID primitives.ID, publicKey primitives.PublicKey) (*IdentityRecord, error) {
	raw, found, err := b.ds.Get(identityKey(contextID, publicKey))
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	if !found {
		return nil, nil
	}
	var rec IdentityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	return &rec, nil
}

// PutIdentity stores the identity[ctx, public_key] record.
func (b *Bridge) PutIdentity(contextID primitives.ID, publicKey primitives.PublicKey, rec *IdentityRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	return b.ds.Put(identityKey(contextID, publicKey), raw)
}

// ListIdentities returns every identity[ctx, *] record for contextID,
// keyed by public key, used to rebuild the in-memory sender-key table on
// startup.
func (b *Bridge) ListIdentities(contextID primitives.ID) (map[primitives.PublicKey]*IdentityRecord, error) {
	prefix := identityPrefix(contextID)
	out := make(map[primitives.PublicKey]*IdentityRecord)
	err := b.ds.Range(prefix, func(key, value []byte) error {
		raw, err := hex.DecodeString(string(key[len(prefix):]))
		if err != nil {
			return fmt.Errorf("decode identity key: %w", err)
		}
		publicKey, ok := primitives.IDFromBytes(raw)
		if !ok {
			return fmt.Errorf("malformed identity key for context %s", contextID)
		}
		var rec IdentityRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshal identity: %w", err)
		}
		out[publicKey] = &rec
		return nil
	})
	return out, err
}

// GetEntity loads one CRDT entity from context_state[ctx, entity_key].
func (b *Bridge) GetEntity(contextID primitives.ID, entityKey []byte) ([]byte, bool, error) {
	return b.ds.Get(contextStateKey(contextID, entityKey))
}

// PutEntity stores one CRDT entity.
func (b *Bridge) PutEntity(contextID primitives.ID, entityKey, value []byte) error {
	return b.ds.Put(contextStateKey(contextID, entityKey), value)
}

// GetBlobMeta loads blob_meta[blob_id].
func (b *Bridge) GetBlobMeta(blobID primitives.ID) (*BlobMetaRecord, error) {
	raw, found, err := b.ds.Get(blobMetaKey(blobID))
	if err != nil {
		return nil, fmt.Errorf("get blob meta: %w", err)
	}
	if !found {
		return nil, nil
	}
	var rec BlobMetaRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal blob meta: %w", err)
	}
	return &rec, nil
}

// PutBlobMeta stores blob_meta[blob_id].
func (b *Bridge) PutBlobMeta(blobID primitives.ID, rec *BlobMetaRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal blob meta: %w", err)
	}
	return b.ds.Put(blobMetaKey(blobID), raw)
}
