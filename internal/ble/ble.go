// Package ble implements the dual-role (central+peripheral) BLE mesh
// transport, grounded on the central/peripheral dance in
// arnnvv-bluetalk's bluetooth.go, generalized from one peer to a pool.
package ble

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/powermode"
	"github.com/unicornultrafoundation/bitchat/internal/wire"
)

// serviceUUID is BitChat's fixed GATT service, advertised by every node so
// peers can discover each other without prior pairing.
var serviceUUID = bluetooth.NewUUID([16]byte{
	0xb1, 0x7c, 0x48, 0xa0, 0xd5, 0x21, 0x4b, 0x4e,
	0x9f, 0x61, 0x5a, 0xa1, 0xd3, 0x0e, 0x7c, 0x01,
})

// dataCharUUID is the single multiplexed characteristic used for all wire
// traffic in both directions, rather than separate notify/write channels.
var dataCharUUID = bluetooth.NewUUID([16]byte{
	0xb1, 0x7c, 0x48, 0xa0, 0xd5, 0x21, 0x4b, 0x4e,
	0x9f, 0x61, 0x5a, 0xa1, 0xd3, 0x0e, 0x7c, 0x02,
})

const (
	// rssiFloor rejects scan results weaker than -90dBm as unreliable
	//.
	rssiFloor = -90

	// writeWithResponseThreshold: payloads above this size, or handshake
	// packets, use write-with-response for reliable delivery; everything
	// else uses write-without-response for throughput.
	writeWithResponseThreshold = 512

	maxConnectAttempts = 3
)

// PacketSink receives decoded inbound bytes from any connected peer.
type PacketSink interface {
	HandleInbound(raw []byte, fromPeer identity.PeerID) error
}

// Transport is the dual-role BLE adapter: it advertises and scans
// simultaneously, maintains a pool of connections keyed by the peer's
// ephemeral peer-id, and duty-cycles scanning per the configured power mode.
type Transport struct {
	adapter  *bluetooth.Adapter
	local    identity.PeerID
	sink     PacketSink
	mode     func() powermode.Mode
	log      *slog.Logger

	mu    sync.RWMutex
	conns map[identity.PeerID]*connection

	// notifyChar is our own GATT characteristic handle used to send data to
	// peers connected to us as their central (peripheral role). tinygo's
	// server-side API notifies every subscribed central on Write, so a
	// peripheral-role "SendTo" is really "include this peer in the next
	// notify" — acceptable given BLE's broadcast-to-subscribers model, but
	// it means a peripheral-role unicast cannot exclude other subscribed
	// centrals the way a central-role unicast write can.
	notifyChar bluetooth.Characteristic

	attemptsMu sync.Mutex
	attempts   map[string]*backoffState
}

type connection struct {
	peerID    identity.PeerID
	device    bluetooth.Device
	dataChar  bluetooth.DeviceCharacteristic
	isCentral bool
}

type backoffState struct {
	attempts int
	nextTry  time.Time
}

// NewTransport wires a Transport to the default BLE adapter. mode may be
// nil, in which case scanning/advertising always run at Balanced duty cycle.
func NewTransport(local identity.PeerID, sink PacketSink, mode func() powermode.Mode, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		adapter:  bluetooth.DefaultAdapter,
		local:    local,
		sink:     sink,
		mode:     mode,
		log:      log.With("component", "ble"),
		conns:    make(map[identity.PeerID]*connection),
		attempts: make(map[string]*backoffState),
	}
}

// Start enables the adapter, registers the GATT service, and begins the
// advertise/scan duty cycle until ctx is canceled.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			t.dropByDevice(device)
		}
	})

	if err := t.registerService(); err != nil {
		return fmt.Errorf("ble: register service: %w", err)
	}

	go t.dutyCycleLoop(ctx)
	return nil
}

func (t *Transport) registerService() error {
	return t.adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:   dataCharUUID,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission | bluetooth.CharacteristicNotifyPermission,
				Handle: &t.notifyChar,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					buf := append([]byte(nil), value...)
					peerID, ok := senderIDFromRaw(buf)
					if ok {
						t.trackPeripheralPeer(peerID)
					} else {
						peerID = identity.PeerID{}
					}
					if err := t.sink.HandleInbound(buf, peerID); err != nil {
						t.log.Debug("inbound packet rejected", "error", err)
					}
				},
			},
		},
	})
}

// trackPeripheralPeer registers a connection entry for a peer connected to
// us as a central, so SendTo/Broadcast can reach it via notify.
func (t *Transport) trackPeripheralPeer(peerID identity.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[peerID]; ok {
		return
	}
	t.conns[peerID] = &connection{peerID: peerID, isCentral: false}
}

// dutyCycleLoop alternates advertise+scan windows sized by the current
// power mode, duty-cycled to conserve battery.
func (t *Transport) dutyCycleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		adv := t.adapter.DefaultAdvertisement()
		_ = adv.Configure(bluetooth.AdvertisementOptions{
			LocalName:    t.local.String(),
			ServiceUUIDs: []bluetooth.UUID{serviceUUID},
		})
		_ = adv.Start()

		scanWindow, restWindow := t.dutyWindows()
		scanCtx, cancelScan := context.WithTimeout(ctx, scanWindow)
		t.scan(scanCtx)
		cancelScan()
		_ = adv.Stop()

		select {
		case <-ctx.Done():
			return
		case <-time.After(restWindow):
		}
	}
}

// dutyWindows returns (scan, rest) durations for the current power mode.
func (t *Transport) dutyWindows() (time.Duration, time.Duration) {
	switch t.powerMode() {
	case powermode.Performance:
		return 10 * time.Second, 0
	case powermode.PowerSaver:
		return 2 * time.Second, 8 * time.Second
	case powermode.UltraLow:
		return 1 * time.Second, 19 * time.Second
	default: // Balanced
		return 4 * time.Second, 4 * time.Second
	}
}

func (t *Transport) powerMode() powermode.Mode {
	if t.mode == nil {
		return powermode.Balanced
	}
	return t.mode()
}

func (t *Transport) scan(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = t.adapter.StopScan()
	}()
	go func() {
		_ = t.adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.RSSI < rssiFloor {
				return
			}
			if !result.HasServiceUUID(serviceUUID) {
				return
			}
			t.maybeConnect(a, result)
		})
		close(done)
	}()
	<-done
}

func (t *Transport) maybeConnect(a *bluetooth.Adapter, result bluetooth.ScanResult) {
	addrKey := result.Address.String()

	t.attemptsMu.Lock()
	bo, ok := t.attempts[addrKey]
	if !ok {
		bo = &backoffState{}
		t.attempts[addrKey] = bo
	}
	if bo.attempts >= maxConnectAttempts || time.Now().Before(bo.nextTry) {
		t.attemptsMu.Unlock()
		return
	}
	bo.attempts++
	bo.nextTry = time.Now().Add(time.Duration(1<<uint(bo.attempts)) * time.Second)
	t.attemptsMu.Unlock()

	device, err := a.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		t.log.Debug("connect failed", "addr", addrKey, "error", err)
		return
	}

	srvcs, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(srvcs) == 0 {
		device.Disconnect()
		return
	}
	chars, err := srvcs[0].DiscoverCharacteristics([]bluetooth.UUID{dataCharUUID})
	if err != nil || len(chars) == 0 {
		device.Disconnect()
		return
	}
	dataChar := chars[0]

	tempID := tempPeerIDFromLocalName(result.LocalName())
	conn := &connection{peerID: tempID, device: device, dataChar: dataChar, isCentral: true}

	if err := dataChar.EnableNotifications(func(value []byte) {
		buf := append([]byte(nil), value...)
		t.rekeyOnFirstPacket(conn, buf)
		if err := t.sink.HandleInbound(buf, conn.peerID); err != nil {
			t.log.Debug("inbound packet rejected", "peer_id", conn.peerID, "error", err)
		}
	}); err != nil {
		device.Disconnect()
		return
	}

	t.mu.Lock()
	t.conns[tempID] = conn
	t.mu.Unlock()

	t.attemptsMu.Lock()
	delete(t.attempts, addrKey)
	t.attemptsMu.Unlock()
}

// tempPeerIDFromLocalName recovers the advertised peer-id from a scan
// result's local name, falling back to a zero id if unparseable.
func tempPeerIDFromLocalName(name string) identity.PeerID {
	var id identity.PeerID
	b, err := decodeHexPeerID(name)
	if err == nil {
		id = b
	}
	return id
}

// rekeyOnFirstPacket re-keys a connection from its temporary scan-derived
// peer-id to the peer-id actually carried in the first inbound packet, since
// local-name advertising is not authoritative once the peer rotates.
func (t *Transport) rekeyOnFirstPacket(conn *connection, raw []byte) {
	senderID, ok := senderIDFromRaw(raw)
	if !ok || senderID == conn.peerID {
		return
	}
	t.mu.Lock()
	delete(t.conns, conn.peerID)
	conn.peerID = senderID
	t.conns[senderID] = conn
	t.mu.Unlock()
}

func (t *Transport) dropByDevice(device bluetooth.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.conns {
		if c.device.Address.String() == device.Address.String() {
			delete(t.conns, id)
			return
		}
	}
}

// SendTo writes data to a single connected peer, selecting write-with- or
// without-response per payload size and packet type.
func (t *Transport) SendTo(peer identity.PeerID, data []byte) error {
	t.mu.RLock()
	conn, ok := t.conns[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ble: peer not connected: %s", peer)
	}
	return t.write(conn, data)
}

func (t *Transport) write(conn *connection, data []byte) error {
	if !conn.isCentral {
		_, err := t.notifyChar.Write(data)
		return err
	}
	handshake := len(data) > 1 &&
		(wire.Type(data[1]) == wire.TypeNoiseHandshakeInit || wire.Type(data[1]) == wire.TypeNoiseHandshakeResp)
	if len(data) > writeWithResponseThreshold || handshake {
		_, err := conn.dataChar.WriteWithResponse(data)
		return err
	}
	_, err := conn.dataChar.WriteWithoutResponse(data)
	return err
}

// Broadcast writes data to every connected peer except exclude, returning
// the count of peers it was sent to.
func (t *Transport) Broadcast(data []byte, exclude identity.PeerID) int {
	t.mu.RLock()
	conns := make([]*connection, 0, len(t.conns))
	for id, c := range t.conns {
		if id == exclude {
			continue
		}
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := t.write(c, data); err != nil {
			t.log.Debug("broadcast write failed", "peer_id", c.peerID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// ActivePeerCount returns the number of currently connected peers.
func (t *Transport) ActivePeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// ConnectedPeers returns a snapshot of connected peer-ids.
func (t *Transport) ConnectedPeers() []identity.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]identity.PeerID, 0, len(t.conns))
	for id := range t.conns {
		out = append(out, id)
	}
	return out
}

// RandomConnectedPeer implements mesh.ConnectedPeerPicker for cover traffic.
func (t *Transport) RandomConnectedPeer() (identity.PeerID, bool) {
	peers := t.ConnectedPeers()
	if len(peers) == 0 {
		return identity.PeerID{}, false
	}
	return peers[rand.IntN(len(peers))], true
}
