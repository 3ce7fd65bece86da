package ble

import (
	"testing"
	"time"

	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/powermode"
	"github.com/unicornultrafoundation/bitchat/internal/wire"
)

func TestDutyWindows(t *testing.T) {
	cases := []struct {
		mode        powermode.Mode
		wantScan    time.Duration
		wantRestMin time.Duration
	}{
		{powermode.Performance, 10 * time.Second, 0},
		{powermode.Balanced, 4 * time.Second, 4 * time.Second},
		{powermode.PowerSaver, 2 * time.Second, 8 * time.Second},
		{powermode.UltraLow, 1 * time.Second, 19 * time.Second},
	}
	for _, c := range cases {
		tr := &Transport{mode: func() powermode.Mode { return c.mode }}
		scan, rest := tr.dutyWindows()
		if scan != c.wantScan || rest != c.wantRestMin {
			t.Errorf("mode %s: got (%s, %s), want (%s, %s)", c.mode, scan, rest, c.wantScan, c.wantRestMin)
		}
	}
}

func TestDutyWindowsNilModeDefaultsBalanced(t *testing.T) {
	tr := &Transport{}
	scan, rest := tr.dutyWindows()
	if scan != 4*time.Second || rest != 4*time.Second {
		t.Fatalf("nil mode should default to Balanced window, got (%s, %s)", scan, rest)
	}
}

func TestTempPeerIDFromLocalName(t *testing.T) {
	var want identity.PeerID
	want[0] = 0xAB
	want[7] = 0xCD

	got := tempPeerIDFromLocalName(want.String())
	if got != want {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestTempPeerIDFromLocalNameUnparseable(t *testing.T) {
	got := tempPeerIDFromLocalName("not-hex")
	if got != (identity.PeerID{}) {
		t.Fatalf("unparseable name should fall back to zero id, got %x", got)
	}
}

func TestDecodeHexPeerID(t *testing.T) {
	var id identity.PeerID
	id[3] = 0x42

	got, err := decodeHexPeerID(id.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != id {
		t.Fatalf("got %x, want %x", got, id)
	}

	if _, err := decodeHexPeerID("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestSenderIDFromRaw(t *testing.T) {
	var sender identity.PeerID
	sender[0] = 0x11

	pkt := &wire.Packet{
		Version:   wire.CurrentVersion,
		Type:      wire.TypeMessage,
		TTL:       5,
		Timestamp: 1000,
		SenderID:  [wire.PeerIDSize]byte(sender),
		Payload:   []byte("hi"),
	}
	raw, err := wire.Encode(pkt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, ok := senderIDFromRaw(raw)
	if !ok {
		t.Fatal("expected ok=true for valid packet")
	}
	if got != sender {
		t.Fatalf("got %x, want %x", got, sender)
	}

	if _, ok := senderIDFromRaw([]byte{0x00}); ok {
		t.Fatal("expected ok=false for malformed packet")
	}
}

func TestConnectionBookkeeping(t *testing.T) {
	tr := &Transport{conns: make(map[identity.PeerID]*connection)}

	var p1, p2 identity.PeerID
	p1[0] = 1
	p2[0] = 2

	tr.trackPeripheralPeer(p1)
	tr.trackPeripheralPeer(p2)
	tr.trackPeripheralPeer(p1) // idempotent

	if n := tr.ActivePeerCount(); n != 2 {
		t.Fatalf("ActivePeerCount = %d, want 2", n)
	}

	peers := tr.ConnectedPeers()
	if len(peers) != 2 {
		t.Fatalf("ConnectedPeers len = %d, want 2", len(peers))
	}

	got, ok := tr.RandomConnectedPeer()
	if !ok {
		t.Fatal("expected a connected peer")
	}
	if got != p1 && got != p2 {
		t.Fatalf("RandomConnectedPeer returned unknown peer %x", got)
	}
}

func TestRandomConnectedPeerEmpty(t *testing.T) {
	tr := &Transport{conns: make(map[identity.PeerID]*connection)}
	if _, ok := tr.RandomConnectedPeer(); ok {
		t.Fatal("expected ok=false with no connected peers")
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	tr := &Transport{conns: make(map[identity.PeerID]*connection)}
	var p identity.PeerID
	p[0] = 9

	if err := tr.SendTo(p, []byte("x")); err == nil {
		t.Fatal("expected error sending to an unconnected peer")
	}
}

func TestRekeyOnFirstPacket(t *testing.T) {
	tr := &Transport{conns: make(map[identity.PeerID]*connection)}

	var tempID, realID identity.PeerID
	tempID[0] = 0xAA
	realID[0] = 0xBB

	conn := &connection{peerID: tempID, isCentral: true}
	tr.conns[tempID] = conn

	pkt := &wire.Packet{
		Version:  wire.CurrentVersion,
		Type:     wire.TypeMessage,
		SenderID: [wire.PeerIDSize]byte(realID),
		Payload:  []byte("hello"),
	}
	raw, err := wire.Encode(pkt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tr.rekeyOnFirstPacket(conn, raw)

	if conn.peerID != realID {
		t.Fatalf("connection peerID = %x, want %x", conn.peerID, realID)
	}
	if _, ok := tr.conns[tempID]; ok {
		t.Fatal("old temp peer-id entry should have been removed")
	}
	if _, ok := tr.conns[realID]; !ok {
		t.Fatal("new real peer-id entry should be present")
	}
}
