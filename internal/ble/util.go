package ble

import (
	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/wire"
)

// decodeHexPeerID parses a peer-id's 16-hex-char String() rendering back
// into an identity.PeerID.
func decodeHexPeerID(s string) (identity.PeerID, error) {
	return identity.PeerIDFromHex(s)
}

// senderIDFromRaw peeks the sender peer-id out of an encoded wire packet
// without fully validating it, used to opportunistically rekey a
// scan-derived temporary connection identity once real traffic arrives.
func senderIDFromRaw(raw []byte) (identity.PeerID, bool) {
	p, err := wire.Decode(raw)
	if err != nil {
		return identity.PeerID{}, false
	}
	return identity.PeerID(p.SenderID), true
}
