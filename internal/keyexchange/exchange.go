// Package keyexchange implements the authenticated challenge-response
// protocol (§4.4) that transfers per-author sender keys between two peers
// who share context membership, over a direct framed stream.
package keyexchange

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/calimero-network/core-sub003/internal/crypto"
	"github.com/calimero-network/core-sub003/internal/network/libp2p"
	"github.com/calimero-network/core-sub003/internal/network/libp2p/protocol"
	"github.com/calimero-network/core-sub003/internal/ports"
	"github.com/calimero-network/core-sub003/internal/primitives"
	pkgerrors "github.com/calimero-network/core-sub003/pkg/errors"
	"github.com/calimero-network/core-sub003/pkg/logging"
)

// challengeNonceSize matches the sender-key AEAD key width; any width is
// fine cryptographically, this one just avoids introducing another constant.
const challengeNonceSize = 32

const (
	kindHello = "hello"
	kindKeys  = "keys"
)

// SenderKeyProvider is the local sender-key table this package reads from
// and writes to. Declared locally (rather than importing internal/storage)
// so this package has no dependency on a concrete datastore.
type SenderKeyProvider interface {
	KnownSenderKeys(contextID primitives.ID) map[primitives.PublicKey][]byte
	StoreSenderKey(contextID primitives.ID, author primitives.PublicKey, key []byte) error
}

// MembershipChecker answers whether a public key belongs to a context, used
// by the responder to reject exchange attempts from non-members.
type MembershipChecker interface {
	IsMember(ctx context.Context, contextID primitives.ID, publicKey primitives.PublicKey) (bool, error)
}

// Exchanger runs both sides of the key-exchange protocol.
type Exchanger struct {
	identity    *crypto.Identity
	keys        SenderKeyProvider
	members     MembershipChecker
	log         *logging.Logger
	stepTimeout time.Duration
}

// New builds an Exchanger. syncTimeout is the sync session's overall
// timeout; each protocol step is bounded to syncTimeout/3 per §4.4.
func New(identity *crypto.Identity, keys SenderKeyProvider, members MembershipChecker, log *logging.Logger, syncTimeout time.Duration) *Exchanger {
	if log == nil {
		log = logging.Nop()
	}
	return &Exchanger{
		identity:    identity,
		keys:        keys,
		members:     members,
		log:         log.Component("keyexchange"),
		stepTimeout: syncTimeout / 3,
	}
}

func additionalData(contextID primitives.ID, author primitives.PublicKey) []byte {
	out := make([]byte, 0, primitives.IDSize*2)
	out = append(out, contextID[:]...)
	out = append(out, author[:]...)
	return out
}

func unmarshalPublicKey(raw primitives.PublicKey) (libp2pcrypto.PubKey, error) {
	return libp2pcrypto.UnmarshalEd25519PublicKey(raw[:])
}

func decodePayload(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

// resetDeadline re-arms the stream's deadline ahead of the next read or
// write, giving each protocol step its own sync_timeout/3 budget rather
// than sharing one deadline across the whole handshake.
func (e *Exchanger) resetDeadline(stream ports.Stream) {
	if e.stepTimeout > 0 {
		_ = stream.SetDeadline(time.Now().Add(e.stepTimeout))
	}
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}
	return nonce, nil
}

func (e *Exchanger) encryptKnownSenderKeys(contextID primitives.ID, sessionSecret []byte) (map[primitives.PublicKey]protocol.EncryptedSenderKey, error) {
	known := e.keys.KnownSenderKeys(contextID)
	out := make(map[primitives.PublicKey]protocol.EncryptedSenderKey, len(known))
	for author, key := range known {
		nonce, ciphertext, err := crypto.EncryptSenderKey(sessionSecret, key, additionalData(contextID, author))
		if err != nil {
			return nil, pkgerrors.NewInternalError("encrypt sender key", err)
		}
		out[author] = protocol.EncryptedSenderKey{Nonce: nonce, Ciphertext: ciphertext}
	}
	return out, nil
}

func (e *Exchanger) storeDecryptedSenderKeys(contextID primitives.ID, sessionSecret []byte, encrypted map[primitives.PublicKey]protocol.EncryptedSenderKey) error {
	for author, enc := range encrypted {
		key, err := crypto.DecryptSenderKey(sessionSecret, enc.Nonce, enc.Ciphertext, additionalData(contextID, author))
		if err != nil {
			return pkgerrors.NewPermanentError("decrypt sender key", err)
		}
		if err := e.keys.StoreSenderKey(contextID, author, key); err != nil {
			return pkgerrors.NewInternalError("store sender key", err)
		}
	}
	return nil
}

// Initiate runs the initiator side of the protocol (§4.4 steps 1, 2, 4, 6) over
// stream, which must already be open with protocol tag key-exchange/v1.
func (e *Exchanger) Initiate(ctx context.Context, stream ports.Stream, contextID primitives.ID) error {
	localPub, err := e.identity.PublicKeyID()
	if err != nil {
		return pkgerrors.NewInternalError("local public key", err)
	}
	nonceA, err := randomNonce()
	if err != nil {
		return pkgerrors.NewInternalError("generate nonce", err)
	}
	ephA, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return pkgerrors.NewInternalError("generate ephemeral key", err)
	}

	helloResp, err := libp2p.Request(ctx, stream, kindHello, protocol.KeyExchangeHello{
		ContextID:      contextID,
		PublicKey:      localPub,
		ChallengeNonce: nonceA,
		EphemeralKey:   ephA.Public,
	}, e.stepTimeout)
	if err != nil {
		return pkgerrors.NewNetworkError("send hello", err)
	}

	var responderHello protocol.KeyExchangeHello
	if err := decodePayload(helloResp.Payload, &responderHello); err != nil {
		return pkgerrors.NewValidationError("decode responder hello", err)
	}

	responderPub, err := unmarshalPublicKey(responderHello.PublicKey)
	if err != nil {
		return pkgerrors.NewValidationError("unmarshal responder public key", err)
	}
	sigMsg := append(append([]byte{}, nonceA...), contextID[:]...)
	ok, err := crypto.Verify(responderPub, sigMsg, responderHello.Signature)
	if err != nil || !ok {
		return pkgerrors.NewPermanentError("verify responder signature", fmt.Errorf("signature invalid"))
	}

	sessionSecret, err := crypto.SessionSecret(ephA.Private, responderHello.EphemeralKey, contextID[:])
	if err != nil {
		return pkgerrors.NewInternalError("derive session secret", err)
	}

	sigA, err := e.identity.Sign(append(append([]byte{}, responderHello.ChallengeNonce...), contextID[:]...))
	if err != nil {
		return pkgerrors.NewInternalError("sign challenge", err)
	}
	encryptedOwn, err := e.encryptKnownSenderKeys(contextID, sessionSecret)
	if err != nil {
		return err
	}

	keysResp, err := libp2p.Request(ctx, stream, kindKeys, protocol.KeyExchangeKeys{
		Signature:           sigA,
		EncryptedSenderKeys: encryptedOwn,
	}, e.stepTimeout)
	if err != nil {
		return pkgerrors.NewNetworkError("send keys", err)
	}

	var responderKeys protocol.KeyExchangeKeys
	if err := decodePayload(keysResp.Payload, &responderKeys); err != nil {
		return pkgerrors.NewValidationError("decode responder keys", err)
	}
	if err := e.storeDecryptedSenderKeys(contextID, sessionSecret, responderKeys.EncryptedSenderKeys); err != nil {
		return err
	}

	e.log.Debug("key exchange complete (initiator)", "context_id", contextID.String(), "received_keys", len(responderKeys.EncryptedSenderKeys))
	return nil
}

// Respond runs the responder side of the protocol (§4.4 steps 3,5) over
// stream, reading the initiator's opening hello as the first request.
func (e *Exchanger) Respond(ctx context.Context, stream ports.Stream) error {
	e.resetDeadline(stream)

	helloReq, err := libp2p.ReadRequest(stream)
	if err != nil {
		return pkgerrors.NewNetworkError("read hello", err)
	}
	var initiatorHello protocol.KeyExchangeHello
	if err := decodePayload(helloReq.Payload, &initiatorHello); err != nil {
		return pkgerrors.NewValidationError("decode initiator hello", err)
	}

	isMember, err := e.members.IsMember(ctx, initiatorHello.ContextID, initiatorHello.PublicKey)
	if err != nil {
		return pkgerrors.NewInternalError("check membership", err)
	}
	if !isMember {
		return pkgerrors.NewPermanentError("key exchange", fmt.Errorf("initiator is not a context member"))
	}

	localPub, err := e.identity.PublicKeyID()
	if err != nil {
		return pkgerrors.NewInternalError("local public key", err)
	}
	nonceB, err := randomNonce()
	if err != nil {
		return pkgerrors.NewInternalError("generate nonce", err)
	}
	ephB, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return pkgerrors.NewInternalError("generate ephemeral key", err)
	}
	sigB, err := e.identity.Sign(append(append([]byte{}, initiatorHello.ChallengeNonce...), initiatorHello.ContextID[:]...))
	if err != nil {
		return pkgerrors.NewInternalError("sign challenge", err)
	}

	e.resetDeadline(stream)
	if err := libp2p.Respond(stream, helloReq.CorrelationID, kindHello, protocol.KeyExchangeHello{
		ContextID:      initiatorHello.ContextID,
		PublicKey:      localPub,
		ChallengeNonce: nonceB,
		Signature:      sigB,
		EphemeralKey:   ephB.Public,
	}); err != nil {
		return pkgerrors.NewNetworkError("send hello reply", err)
	}

	e.resetDeadline(stream)
	keysReq, err := libp2p.ReadRequest(stream)
	if err != nil {
		return pkgerrors.NewNetworkError("read keys", err)
	}
	var initiatorKeys protocol.KeyExchangeKeys
	if err := decodePayload(keysReq.Payload, &initiatorKeys); err != nil {
		return pkgerrors.NewValidationError("decode initiator keys", err)
	}

	initiatorPub, err := unmarshalPublicKey(initiatorHello.PublicKey)
	if err != nil {
		return pkgerrors.NewValidationError("unmarshal initiator public key", err)
	}
	sigMsg := append(append([]byte{}, nonceB...), initiatorHello.ContextID[:]...)
	ok, err := crypto.Verify(initiatorPub, sigMsg, initiatorKeys.Signature)
	if err != nil || !ok {
		return pkgerrors.NewPermanentError("verify initiator signature", fmt.Errorf("signature invalid"))
	}

	sessionSecret, err := crypto.SessionSecret(ephB.Private, initiatorHello.EphemeralKey, initiatorHello.ContextID[:])
	if err != nil {
		return pkgerrors.NewInternalError("derive session secret", err)
	}
	if err := e.storeDecryptedSenderKeys(initiatorHello.ContextID, sessionSecret, initiatorKeys.EncryptedSenderKeys); err != nil {
		return err
	}

	encryptedOwn, err := e.encryptKnownSenderKeys(initiatorHello.ContextID, sessionSecret)
	if err != nil {
		return err
	}
	e.resetDeadline(stream)
	if err := libp2p.Respond(stream, keysReq.CorrelationID, kindKeys, protocol.KeyExchangeKeys{
		EncryptedSenderKeys: encryptedOwn,
	}); err != nil {
		return pkgerrors.NewNetworkError("send keys reply", err)
	}

	e.log.Debug("key exchange complete (responder)", "context_id", initiatorHello.ContextID.String(), "received_keys", len(initiatorKeys.EncryptedSenderKeys))
	return nil
}
