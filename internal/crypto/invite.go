package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/calimero-network/core-sub003/internal/primitives"
)

// inviteTokenVersion guards the wire shape of an InviteToken so a future
// field change can be rejected cleanly rather than silently misparsed.
const inviteTokenVersion = 1

// InviteToken is the out-of-band message an existing context member hands
// to a peer it wants to admit: which context to join, who already belongs
// to it, and which addresses to dial to reach the inviter.
type InviteToken struct {
	Version        int                       `json:"v"`
	ContextID      primitives.ID             `json:"context_id"`
	ApplicationID  primitives.ID             `json:"application_id"`
	Members        []primitives.PublicKey    `json:"members"`
	BootstrapPeers []InviteBootstrapPeer     `json:"bootstrap_peers"`
	InvitedBy      primitives.PublicKey      `json:"invited_by"`
}

// InviteBootstrapPeer is one dialable address for the inviting node.
type InviteBootstrapPeer struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// NewInviteToken builds an InviteToken for contextID naming the inviter's
// own peer ID and listen addresses as the only bootstrap peer.
func NewInviteToken(contextID, applicationID primitives.ID, members []primitives.PublicKey, invitedBy primitives.PublicKey, selfPeerID peer.ID, selfAddrs []multiaddr.Multiaddr) *InviteToken {
	addrs := make([]string, 0, len(selfAddrs))
	for _, a := range selfAddrs {
		addrs = append(addrs, a.String())
	}
	return &InviteToken{
		Version:       inviteTokenVersion,
		ContextID:     contextID,
		ApplicationID: applicationID,
		Members:       members,
		InvitedBy:     invitedBy,
		BootstrapPeers: []InviteBootstrapPeer{
			{PeerID: selfPeerID.String(), Addrs: addrs},
		},
	}
}

// Encode serializes the token as a compact base64 string suitable for
// sharing over any out-of-band channel (chat, QR code, clipboard).
func (t *InviteToken) Encode() (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal invite token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeInviteToken parses a token produced by Encode.
func DecodeInviteToken(encoded string) (*InviteToken, error) {
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode invite token: %w", err)
	}
	var t InviteToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse invite token: %w", err)
	}
	if t.Version != inviteTokenVersion {
		return nil, fmt.Errorf("unsupported invite token version %d", t.Version)
	}
	return &t, nil
}

// AddrInfos resolves the token's bootstrap peers into libp2p AddrInfo
// values ready to pass to a network node's Bootstrap call.
func (t *InviteToken) AddrInfos() ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(t.BootstrapPeers))
	for _, bp := range t.BootstrapPeers {
		pid, err := peer.Decode(bp.PeerID)
		if err != nil {
			return nil, fmt.Errorf("decode bootstrap peer id %q: %w", bp.PeerID, err)
		}
		var addrs []multiaddr.Multiaddr
		for _, raw := range bp.Addrs {
			ma, err := multiaddr.NewMultiaddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse bootstrap addr %q: %w", raw, err)
			}
			addrs = append(addrs, ma)
		}
		infos = append(infos, peer.AddrInfo{ID: pid, Addrs: addrs})
	}
	return infos, nil
}

// MemberSet returns the token's member list as a set, with the inviter
// included, ready to hand to JoinContext.
func (t *InviteToken) MemberSet() map[primitives.PublicKey]struct{} {
	set := make(map[primitives.PublicKey]struct{}, len(t.Members)+1)
	for _, m := range t.Members {
		set[m] = struct{}{}
	}
	set[t.InvitedBy] = struct{}{}
	return set
}
