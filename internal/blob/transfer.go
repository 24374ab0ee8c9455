// Package blob implements the chunked binary transfer protocol (§4.10) used
// to move application bundles and other large artifacts over a direct
// blob/v1 stream, independent of the causal delta path.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calimero-network/core-sub003/internal/network/libp2p"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
	pkgerrors "github.com/calimero-network/core-sub003/pkg/errors"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

// Config tunes chunk size and the timeouts/flow-control pacing of a
// transfer (§4.10, §5 Timeouts).
type Config struct {
	ChunkSize        int
	ChunkTimeout     time.Duration
	TotalTimeout     time.Duration
	FlowControlEvery int
	FlowControlPause time.Duration
}

// DefaultConfig matches the spec's defaults: 8 KiB chunks, 30s per-chunk
// timeout, 300s total-transfer timeout, a 10ms pause every 10 chunks.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        8 * 1024,
		ChunkTimeout:     30 * time.Second,
		TotalTimeout:     300 * time.Second,
		FlowControlEvery: 10,
		FlowControlPause: 10 * time.Millisecond,
	}
}

// Store is the local blob CRUD surface this package reads from and writes
// to; declared locally so the package depends on neither internal/storage
// nor the concrete ports.NodeClient implementation.
type Store interface {
	HasBlob(ctx context.Context, blobID primitives.ID) (bool, error)
	GetBlob(ctx context.Context, blobID primitives.ID) ([]byte, bool, error)
	PutBlob(ctx context.Context, blobID primitives.ID, data []byte) error
}

// hashBlob computes the content digest a fetched blob must match against
// its requested blobID.
func hashBlob(data []byte) primitives.ID {
	return primitives.ID(sha256.Sum256(data))
}

// Provider serves blob/v1 requests from its local Store.
type Provider struct {
	store Store
	cfg   Config
	log   *logging.Logger
}

// NewProvider builds a Provider. A zero Config uses DefaultConfig.
func NewProvider(store Store, cfg Config, log *logging.Logger) *Provider {
	if cfg.ChunkSize == 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Provider{store: store, cfg: cfg, log: log.Component("blob-provider")}
}

// Serve handles one blob/v1 stream opened by a requester (§4.10 steps 1-3).
func (p *Provider) Serve(ctx context.Context, stream ports.Stream) error {
	_ = stream.SetDeadline(time.Now().Add(p.cfg.ChunkTimeout))
	raw, err := libp2p.ReadFrame(stream)
	if err != nil {
		return pkgerrors.NewNetworkError("read blob request", err)
	}
	var req protocol.BlobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return pkgerrors.NewValidationError("decode blob request", err)
	}

	found, err := p.store.HasBlob(ctx, req.BlobID)
	if err != nil {
		return pkgerrors.NewInternalError("check blob presence", err)
	}

	var data []byte
	if found {
		data, found, err = p.store.GetBlob(ctx, req.BlobID)
		if err != nil {
			return pkgerrors.NewInternalError("read blob", err)
		}
	}

	respBytes, err := json.Marshal(protocol.BlobResponse{Found: found, Size: uint64(len(data))})
	if err != nil {
		return pkgerrors.NewInternalError("marshal blob response", err)
	}
	_ = stream.SetDeadline(time.Now().Add(p.cfg.ChunkTimeout))
	if err := libp2p.WriteFrame(stream, respBytes); err != nil {
		return pkgerrors.NewNetworkError("write blob response", err)
	}
	if !found {
		p.log.Debug("blob not found", "blob_id", req.BlobID.String())
		return nil
	}

	return p.streamChunks(stream, data)
}

func (p *Provider) streamChunks(stream ports.Stream, data []byte) error {
	chunkSize := p.cfg.ChunkSize
	sent := 0
	for i := 0; ; i++ {
		start := i * chunkSize
		if start > len(data) {
			start = len(data)
		}
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		isFinal := end >= len(data)

		_ = stream.SetDeadline(time.Now().Add(p.cfg.ChunkTimeout))
		if err := libp2p.WriteFrame(stream, encodeChunk(data[start:end], isFinal)); err != nil {
			return pkgerrors.NewNetworkError("write blob chunk", err)
		}
		sent++
		if isFinal {
			return nil
		}
		if p.cfg.FlowControlEvery > 0 && sent%p.cfg.FlowControlEvery == 0 {
			time.Sleep(p.cfg.FlowControlPause)
		}
	}
}

// Requester fetches blobs from a provider over an already-open blob/v1
// stream (§4.10 step 4).
type Requester struct {
	store Store
	cfg   Config
	log   *logging.Logger
}

// NewRequester builds a Requester. A zero Config uses DefaultConfig.
func NewRequester(store Store, cfg Config, log *logging.Logger) *Requester {
	if cfg.ChunkSize == 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Requester{store: store, cfg: cfg, log: log.Component("blob-requester")}
}

// ErrNotFound is returned when the provider does not hold the blob.
var ErrNotFound = pkgerrors.NewPermanentError("fetch blob", fmt.Errorf("blob not found on peer"))

// Fetch requests blobID/contextID over stream, reassembles the chunked
// response, verifies its content hash, stores it locally, and returns the
// reassembled bytes.
func (r *Requester) Fetch(ctx context.Context, stream ports.Stream, blobID, contextID primitives.ID) ([]byte, error) {
	transferCtx, cancel := context.WithTimeout(ctx, r.cfg.TotalTimeout)
	defer cancel()

	reqBytes, err := json.Marshal(protocol.BlobRequest{BlobID: blobID, ContextID: contextID})
	if err != nil {
		return nil, pkgerrors.NewInternalError("marshal blob request", err)
	}
	_ = stream.SetDeadline(time.Now().Add(r.cfg.ChunkTimeout))
	if err := libp2p.WriteFrame(stream, reqBytes); err != nil {
		return nil, pkgerrors.NewNetworkError("send blob request", err)
	}

	_ = stream.SetDeadline(time.Now().Add(r.cfg.ChunkTimeout))
	respRaw, err := libp2p.ReadFrame(stream)
	if err != nil {
		return nil, pkgerrors.NewNetworkError("read blob response", err)
	}
	var resp protocol.BlobResponse
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		return nil, pkgerrors.NewValidationError("decode blob response", err)
	}
	if !resp.Found {
		return nil, ErrNotFound
	}

	collected := make([]byte, 0, resp.Size)
	for {
		select {
		case <-transferCtx.Done():
			return nil, pkgerrors.NewNetworkError("blob transfer", transferCtx.Err())
		default:
		}

		_ = stream.SetDeadline(time.Now().Add(r.cfg.ChunkTimeout))
		raw, err := libp2p.ReadFrame(stream)
		if err != nil {
			return nil, pkgerrors.NewNetworkError("read blob chunk", err)
		}
		data, isFinal, err := decodeChunk(raw)
		if err != nil {
			return nil, pkgerrors.NewValidationError("decode blob chunk", err)
		}
		collected = append(collected, data...)
		if isFinal {
			break
		}
	}

	if hashBlob(collected) != blobID {
		return nil, pkgerrors.NewPermanentError("verify blob hash", fmt.Errorf("content hash mismatch for blob %s", blobID.String()))
	}

	if err := r.store.PutBlob(ctx, blobID, collected); err != nil {
		return nil, pkgerrors.NewInternalError("store blob", err)
	}

	r.log.Debug("blob transfer complete", "blob_id", blobID.String(), "size", len(collected))
	return collected, nil
}
