package main

import (
	"fmt"
	"log/slog"

	"github.com/unicornultrafoundation/bitchat/internal/delivery"
	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/mesh"
	"github.com/unicornultrafoundation/bitchat/internal/wire"
)

// consoleDelegate prints mesh events to stdout, the daemon's default
// headless delegate. A GUI or bridge process can implement mesh.AppDelegate
// instead and swap this out.
type consoleDelegate struct {
	mesh.NoopDelegate
	log *slog.Logger
}

func (d *consoleDelegate) OnMessageReceived(sender identity.PeerID, t wire.Type, plaintext []byte) {
	fmt.Printf("[%s] %s: %s\n", t, sender, plaintext)
}

func (d *consoleDelegate) OnDeliveryAck(ack delivery.Ack) {
	d.log.Info("delivery ack", "ack_id", ack.AckID, "message_id", ack.OriginalMessageID)
}

func (d *consoleDelegate) OnPeerConnected(peerID identity.PeerID) {
	fmt.Printf("* %s connected\n", peerID)
}

func (d *consoleDelegate) OnPeerDisconnected(peerID identity.PeerID) {
	fmt.Printf("* %s disconnected\n", peerID)
}
