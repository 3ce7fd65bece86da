package mesh

import (
	"github.com/unicornultrafoundation/bitchat/internal/delivery"
	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/wire"
)

// AppDelegate is the full app-facing callback surface the mesh layer drives
//. Router.Delegate covers only the subset the packet pipeline
// invokes directly; AppDelegate additionally covers peer-presence and
// identity-binding events sourced from the session manager and transport
// rather than from a single inbound packet, plus the favorite and
// channel-decryption queries below.
type AppDelegate interface {
	Delegate

	OnPeerConnected(peerID identity.PeerID)
	OnPeerDisconnected(peerID identity.PeerID)
	OnPeerListChanged(peers []identity.PeerID)
	OnIdentityBound(peerID identity.PeerID, fingerprint identity.Fingerprint)

	// IsFavorite reports whether fingerprint is one of the app's locally
	// marked favorites, consulted by store-and-forward.
	IsFavorite(fingerprint identity.Fingerprint) bool

	// DecryptChannelMessage attempts to decrypt a channel-keyed payload,
	// returning ok=false if no known channel key applies.
	DecryptChannelMessage(channelID string, ciphertext []byte) (plaintext []byte, ok bool)
}

// NoopDelegate is a zero-value AppDelegate that drops every callback; useful
// as an embed for tests that only care about a subset of events.
type NoopDelegate struct{}

func (NoopDelegate) OnMessageReceived(identity.PeerID, wire.Type, []byte)  {}
func (NoopDelegate) OnDeliveryAck(delivery.Ack)                            {}
func (NoopDelegate) OnReadReceipt(string, string)                          {}
func (NoopDelegate) OnPeerConnected(identity.PeerID)                       {}
func (NoopDelegate) OnPeerDisconnected(identity.PeerID)                    {}
func (NoopDelegate) OnPeerListChanged([]identity.PeerID)                   {}
func (NoopDelegate) OnIdentityBound(identity.PeerID, identity.Fingerprint) {}
func (NoopDelegate) IsFavorite(identity.Fingerprint) bool                  { return false }
func (NoopDelegate) DecryptChannelMessage(string, []byte) ([]byte, bool)   { return nil, false }
