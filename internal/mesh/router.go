// Package mesh implements the mesh router: per-packet replay
// and duplicate rejection, dispatch by packet type, adaptive-TTL flooding
// with relay jitter, store-and-forward for offline favorites, and
// delivery-ack/read-receipt routing.
package mesh

import (
	cryptorand "crypto/rand"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/unicornultrafoundation/bitchat/internal/dedup"
	"github.com/unicornultrafoundation/bitchat/internal/delivery"
	"github.com/unicornultrafoundation/bitchat/internal/fragment"
	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/session"
	"github.com/unicornultrafoundation/bitchat/internal/version"
	"github.com/unicornultrafoundation/bitchat/internal/wire"
)

// replayWindow is the maximum tolerated skew between a packet's timestamp
// and local time before it is dropped.
const replayWindow = 5 * time.Minute

var (
	// ErrZeroTTL covers packets dropped for ttl==0.
	ErrZeroTTL = errors.New("mesh: zero ttl")
	// ErrEmptyPayload covers packets dropped for an empty payload.
	ErrEmptyPayload = errors.New("mesh: empty payload")
	// ErrReplayWindow covers packets dropped for stale/future timestamps.
	ErrReplayWindow = errors.New("mesh: outside replay window")
	// ErrDuplicate covers packets dropped as already-seen.
	ErrDuplicate = errors.New("mesh: duplicate packet")
)

// Transport is the outbound send surface the router drives; implemented by
// the BLE transport (C9) or, in tests, a fake.
type Transport interface {
	SendTo(peer identity.PeerID, data []byte) error
	Broadcast(data []byte, exclude identity.PeerID) (sent int)
	ActivePeerCount() int
	ConnectedPeers() []identity.PeerID
}

// FavoriteChecker reports whether a fingerprint is one of the app's locally
// marked favorites.
type FavoriteChecker interface {
	IsFavorite(fp identity.Fingerprint) bool
}

// RetryEnqueuer accepts a locally originated packet that reached zero
// recipients, for later resend by the retry queue.
type RetryEnqueuer interface {
	Enqueue(messageID string, payload []byte, timestamp uint64) error
}

// Delegate is the subset of the app-layer delegate surface the router
// drives directly.
type Delegate interface {
	OnMessageReceived(senderPeerID identity.PeerID, packetType wire.Type, plaintext []byte)
	OnDeliveryAck(ack delivery.Ack)
	OnReadReceipt(messageID, ackID string)
}

// Router ties the codec, duplicate filter, fragment reassembler, session
// manager, and delivery tracker into the per-packet pipeline.
// Confined to the mesh queue: a single goroutine should drive
// HandleInbound and SendOriginated.
type Router struct {
	local     *identity.Identity
	rotator   *identity.Rotator
	dedup     *dedup.Filter
	reasm     *fragment.Reassembler
	sessions  *session.Manager
	tracker   *delivery.Tracker
	retryQ    RetryEnqueuer
	storeFwd  *StoreForward
	transport Transport
	favorites FavoriteChecker
	delegate  Delegate
	versions  *version.Gate
	log       *slog.Logger
	now       func() time.Time
	sleep     func(time.Duration)
}

// NewRouter wires a Router from its component dependencies.
func NewRouter(
	local *identity.Identity,
	rotator *identity.Rotator,
	dedupFilter *dedup.Filter,
	reasm *fragment.Reassembler,
	sessions *session.Manager,
	tracker *delivery.Tracker,
	retryQ RetryEnqueuer,
	storeFwd *StoreForward,
	transport Transport,
	favorites FavoriteChecker,
	delegate Delegate,
	log *slog.Logger,
) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		local:     local,
		rotator:   rotator,
		dedup:     dedupFilter,
		reasm:     reasm,
		sessions:  sessions,
		tracker:   tracker,
		retryQ:    retryQ,
		storeFwd:  storeFwd,
		transport: transport,
		favorites: favorites,
		delegate:  delegate,
		versions:  version.NewGate(),
		log:       log.With("component", "mesh"),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// SetTransport binds the outbound transport, used when the transport itself
// depends on the router as its inbound PacketSink and so cannot be built
// before NewRouter returns.
func (r *Router) SetTransport(t Transport) {
	r.transport = t
}

// Sessions exposes the session table for diagnostics.
func (r *Router) Sessions() *session.Manager { return r.sessions }

// Tracker exposes the delivery tracker for diagnostics.
func (r *Router) Tracker() *delivery.Tracker { return r.tracker }

// ConnectedPeers delegates to the underlying transport, for diagnostics.
func (r *Router) ConnectedPeers() []identity.PeerID {
	if r.transport == nil {
		return nil
	}
	return r.transport.ConnectedPeers()
}

// HandleInbound runs one received encoded packet through the inbound
// pipeline: validity checks, duplicate suppression, dispatch, and relay.
func (r *Router) HandleInbound(raw []byte, fromPeer identity.PeerID) error {
	p, err := wire.Decode(raw)
	if err != nil {
		return err
	}

	if p.TTL == 0 {
		return ErrZeroTTL
	}
	if len(p.Payload) == 0 {
		return ErrEmptyPayload
	}
	nowMS := uint64(r.now().UnixMilli())
	if diff := absDiffUint64(nowMS, p.Timestamp); diff > uint64(replayWindow.Milliseconds()) {
		return ErrReplayWindow
	}

	isFragment := p.Type == wire.TypeFragmentStart || p.Type == wire.TypeFragmentContinue || p.Type == wire.TypeFragmentEnd
	dupID := dedup.NewID(p.Timestamp, p.SenderID, p.Payload, uint8(p.Type))
	if r.dedup.Seen(dupID) {
		return ErrDuplicate
	}

	forUs := p.IsBroadcast() || r.rotator.IsOurs(peerIDFromBytes(p.RecipientID))

	if isFragment {
		// Fragments are relayed independently of reassembly progress.
		r.maybeRelay(p, fromPeer)
		r.handleFragment(p)
		return nil
	}

	if forUs {
		r.dispatch(p)
	}
	if !p.HasRecipient || p.IsBroadcast() || !forUs {
		r.maybeRelay(p, fromPeer)
	}
	return nil
}

// dispatch routes one addressed-to-us, non-fragment packet by type: version
// negotiation and handshake messages are consumed here; delivery acks and
// read receipts feed the tracker; an identity announce migrates a session
// across a peer-id rotation; everything else is application payload,
// decrypted first if private.
func (r *Router) dispatch(p *wire.Packet) {
	sender := peerIDFromBytes(p.SenderID)
	switch p.Type {
	case wire.TypeVersionHello:
		r.handleVersionHello(p, sender)
	case wire.TypeVersionAck:
		r.handleVersionAck(p, sender)
	case wire.TypeNoiseHandshakeInit:
		r.handleHandshakeInit(p, sender)
	case wire.TypeNoiseHandshakeResp:
		r.handleHandshakeResp(p, sender)
	case wire.TypeNoiseIdentityAnnounce:
		r.handleIdentityAnnounce(p, sender)
	case wire.TypeDeliveryAck:
		r.handleDeliveryAck(p, sender)
	case wire.TypeReadReceipt:
		r.handleReadReceipt(p, sender)
	default:
		r.deliverUp(p)
	}
}

func peerIDFromBytes(b [identity.PeerIDSize]byte) identity.PeerID {
	return identity.PeerID(b)
}

func absDiffUint64(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (r *Router) handleFragment(p *wire.Packet) {
	part, err := decodeFragmentPart(p)
	if err != nil {
		r.log.Debug("malformed fragment part", "error", err)
		return
	}
	data, originalType, done, err := r.reasm.Add(part)
	if err != nil {
		r.log.Debug("fragment reassembly error", "error", err)
		return
	}
	if !done {
		return
	}
	reassembled, err := wire.Decode(data)
	if err != nil {
		r.log.Debug("reassembled packet malformed", "error", err)
		return
	}
	reassembled.Type = wire.Type(originalType)
	r.dispatch(reassembled)
}

// decodeFragmentPart extracts a fragment.Part from a wire packet whose
// payload is (fragmentID:8B, index:u16, total:u16, originalType:1B, slice...).
func decodeFragmentPart(p *wire.Packet) (fragment.Part, error) {
	if len(p.Payload) < 13 {
		return fragment.Part{}, wire.ErrMalformedHeader
	}
	var part fragment.Part
	copy(part.FragmentID[:], p.Payload[0:8])
	part.Index = uint16(p.Payload[8])<<8 | uint16(p.Payload[9])
	part.Total = uint16(p.Payload[10])<<8 | uint16(p.Payload[11])
	part.OriginalType = p.Payload[12]
	part.Slice = append([]byte(nil), p.Payload[13:]...)

	switch p.Type {
	case wire.TypeFragmentStart:
		part.Phase = fragment.PhaseStart
	case wire.TypeFragmentContinue:
		part.Phase = fragment.PhaseContinue
	case wire.TypeFragmentEnd:
		part.Phase = fragment.PhaseEnd
	}
	return part, nil
}

// messageIDFor derives the cross-node correlation id for a user message
// packet: sender and recipient both compute it from the same wire fields
// (over the ciphertext, before fragmentation), so no separate id needs to
// travel on the wire.
func messageIDFor(p *wire.Packet) string {
	return dedup.NewID(p.Timestamp, p.SenderID, p.Payload, uint8(p.Type)).String()
}

func (r *Router) deliverUp(p *wire.Packet) {
	plaintext := p.Payload
	isPrivate := p.HasRecipient && !p.IsBroadcast()

	if isPrivate {
		dec, err := r.sessions.Decrypt(peerIDFromBytes(p.SenderID), p.Payload)
		if err != nil {
			r.log.Debug("decrypt failed for inbound private packet", "error", err)
			return
		}
		if IsCoverTraffic(dec) {
			return
		}
		plaintext = dec
		r.mintAndSendAck(p)
	}

	r.delegate.OnMessageReceived(peerIDFromBytes(p.SenderID), p.Type, plaintext)
}

// mintAndSendAck builds a DeliveryAck correlated to p by messageIDFor,
// encrypts it under the same session p was decrypted with, and routes it
// back to the sender with ttl=3.
func (r *Router) mintAndSendAck(p *wire.Packet) {
	sender := peerIDFromBytes(p.SenderID)
	ack := delivery.Ack{
		AckID:             randomID(),
		OriginalMessageID: messageIDFor(p),
		RecipientID:       peerIDFromBytes(p.RecipientID).String(),
	}
	ciphertext, err := r.sessions.Encrypt(sender, delivery.EncodeAck(ack))
	if err != nil {
		r.log.Debug("failed to encrypt delivery ack", "error", err, "peer_id", sender)
		return
	}
	ackPacket := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeDeliveryAck,
		Timestamp:    uint64(r.now().UnixMilli()),
		SenderID:     [8]byte(r.rotator.Current()),
		RecipientID:  [8]byte(sender),
		HasRecipient: true,
		Payload:      ciphertext,
	}
	if _, err := r.sendWithTTL(ackPacket, 3); err != nil {
		r.log.Debug("failed to send delivery ack", "error", err, "peer_id", sender)
	}
}

// handleDeliveryAck processes an inbound, Noise-encrypted DeliveryAck
// addressed to us, feeding it into the tracker and the app delegate.
func (r *Router) handleDeliveryAck(p *wire.Packet, sender identity.PeerID) {
	dec, err := r.sessions.Decrypt(sender, p.Payload)
	if err != nil {
		r.log.Debug("decrypt failed for inbound delivery ack", "error", err, "peer_id", sender)
		return
	}
	ack, err := delivery.DecodeAck(dec)
	if err != nil {
		r.log.Debug("malformed delivery ack", "error", err, "peer_id", sender)
		return
	}
	r.tracker.OnAck(ack)
	r.delegate.OnDeliveryAck(ack)
}

// handleReadReceipt processes an inbound, Noise-encrypted ReadReceipt
// addressed to us, feeding it into the tracker and the app delegate.
func (r *Router) handleReadReceipt(p *wire.Packet, sender identity.PeerID) {
	dec, err := r.sessions.Decrypt(sender, p.Payload)
	if err != nil {
		r.log.Debug("decrypt failed for inbound read receipt", "error", err, "peer_id", sender)
		return
	}
	rr, err := delivery.DecodeReadReceipt(dec)
	if err != nil {
		r.log.Debug("malformed read receipt", "error", err, "peer_id", sender)
		return
	}
	r.tracker.OnReadReceipt(rr.MessageID, rr.AckID)
	r.delegate.OnReadReceipt(rr.MessageID, rr.AckID)
}

// SendReadReceipt notifies peer that a previously delivered message has
// been read, triggered by the app layer when the relevant chat view opens.
func (r *Router) SendReadReceipt(peer identity.PeerID, messageID, ackID string) error {
	ciphertext, err := r.sessions.Encrypt(peer, delivery.EncodeReadReceipt(delivery.ReadReceipt{MessageID: messageID, AckID: ackID}))
	if err != nil {
		return err
	}
	p := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeReadReceipt,
		Timestamp:    uint64(r.now().UnixMilli()),
		SenderID:     [8]byte(r.rotator.Current()),
		RecipientID:  [8]byte(peer),
		HasRecipient: true,
		Payload:      ciphertext,
	}
	_, err = r.sendWithTTL(p, 3)
	return err
}

// handleVersionHello replies with this node's negotiated Ack and, unless
// rejected, records the agreed version so Noise traffic toward sender is no
// longer withheld.
func (r *Router) handleVersionHello(p *wire.Packet, sender identity.PeerID) {
	hello, err := version.DecodeHello(p.Payload)
	if err != nil {
		r.log.Debug("malformed version hello", "error", err, "peer_id", sender)
		return
	}
	ack := version.Negotiate(hello)
	if ack.Rejected {
		r.versions.Clear(sender)
	} else {
		r.versions.SetAgreed(sender, ack.Agreed)
	}
	reply := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeVersionAck,
		Timestamp:    uint64(r.now().UnixMilli()),
		SenderID:     [8]byte(r.rotator.Current()),
		RecipientID:  [8]byte(sender),
		HasRecipient: true,
		Payload:      version.EncodeAck(ack),
	}
	if _, err := r.sendWithTTL(reply, 1); err != nil {
		r.log.Debug("failed to send version ack", "error", err, "peer_id", sender)
	}
}

// handleVersionAck completes the negotiation this node initiated with
// sendVersionHello, then starts the Noise-XX handshake if this side is the
// one due to initiate.
func (r *Router) handleVersionAck(p *wire.Packet, sender identity.PeerID) {
	ack, err := version.DecodeAck(p.Payload)
	if err != nil {
		r.log.Debug("malformed version ack", "error", err, "peer_id", sender)
		return
	}
	if ack.Rejected {
		r.log.Info("version negotiation rejected", "peer_id", sender, "reason", ack.Reason)
		r.versions.Clear(sender)
		return
	}
	r.versions.SetAgreed(sender, ack.Agreed)
	if err := r.initiateHandshake(sender); err != nil &&
		!errors.Is(err, session.ErrAlreadyEstablished) &&
		!errors.Is(err, session.ErrHandshakeSuppressed) {
		r.log.Debug("failed to initiate handshake after version agreement", "error", err, "peer_id", sender)
	}
}

// EnsureSession starts establishing a Noise session toward peer if none
// exists yet: version negotiation first if not already agreed, then the
// Noise-XX initiator handshake. Safe to call repeatedly.
func (r *Router) EnsureSession(peer identity.PeerID) error {
	if _, ok := r.versions.Agreed(peer); !ok {
		return r.sendVersionHello(peer)
	}
	return r.initiateHandshake(peer)
}

func (r *Router) sendVersionHello(peer identity.PeerID) error {
	p := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeVersionHello,
		Timestamp:    uint64(r.now().UnixMilli()),
		SenderID:     [8]byte(r.rotator.Current()),
		RecipientID:  [8]byte(peer),
		HasRecipient: true,
		Payload:      version.EncodeHello(version.NewHello()),
	}
	_, err := r.sendWithTTL(p, 1)
	return err
}

// initiateHandshake starts the Noise-XX handshake toward peer, applying the
// simultaneous-handshake tie-break: only the lexicographically smaller
// peer-id initiates, the other waits for the inbound handshake-init.
func (r *Router) initiateHandshake(peer identity.PeerID) error {
	if !session.ShouldInitiate(r.rotator.Current(), peer) {
		return nil
	}
	msg, err := r.sessions.Initiate(peer)
	if err != nil {
		return err
	}
	p := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeNoiseHandshakeInit,
		Timestamp:    uint64(r.now().UnixMilli()),
		SenderID:     [8]byte(r.rotator.Current()),
		RecipientID:  [8]byte(peer),
		HasRecipient: true,
		Payload:      msg,
	}
	_, err = r.SendOriginated(p)
	return err
}

// Rekey re-initiates the Noise-XX handshake for an established session that
// has crossed session.Manager.NeedsRekey's threshold.
func (r *Router) Rekey(peer identity.PeerID) error {
	msg, err := r.sessions.Rekey(peer)
	if err != nil {
		return err
	}
	p := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeNoiseHandshakeInit,
		Timestamp:    uint64(r.now().UnixMilli()),
		SenderID:     [8]byte(r.rotator.Current()),
		RecipientID:  [8]byte(peer),
		HasRecipient: true,
		Payload:      msg,
	}
	_, err = r.SendOriginated(p)
	return err
}

func (r *Router) handleHandshakeInit(p *wire.Packet, sender identity.PeerID) {
	if _, ok := r.versions.Agreed(sender); !ok {
		r.log.Debug("handshake init before version agreement, dropping", "peer_id", sender)
		return
	}
	reply, established, err := r.sessions.Accept(sender, p.Payload)
	if err != nil {
		r.log.Debug("handshake init rejected", "error", err, "peer_id", sender)
		return
	}
	if reply != nil {
		rp := &wire.Packet{
			Version:      wire.CurrentVersion,
			Type:         wire.TypeNoiseHandshakeResp,
			Timestamp:    uint64(r.now().UnixMilli()),
			SenderID:     [8]byte(r.rotator.Current()),
			RecipientID:  [8]byte(sender),
			HasRecipient: true,
			Payload:      reply,
		}
		if _, err := r.SendOriginated(rp); err != nil {
			r.log.Debug("failed to send handshake response", "error", err, "peer_id", sender)
		}
	}
	if established {
		r.announceIdentity(sender)
	}
}

func (r *Router) handleHandshakeResp(p *wire.Packet, sender identity.PeerID) {
	final, established, err := r.sessions.CompleteInitiatorHandshake(sender, p.Payload)
	if err != nil {
		r.log.Debug("handshake response rejected", "error", err, "peer_id", sender)
		return
	}
	if final != nil {
		fp := &wire.Packet{
			Version:      wire.CurrentVersion,
			Type:         wire.TypeNoiseHandshakeResp,
			Timestamp:    uint64(r.now().UnixMilli()),
			SenderID:     [8]byte(r.rotator.Current()),
			RecipientID:  [8]byte(sender),
			HasRecipient: true,
			Payload:      final,
		}
		if _, err := r.SendOriginated(fp); err != nil {
			r.log.Debug("failed to send final handshake message", "error", err, "peer_id", sender)
		}
	}
	if established {
		r.announceIdentity(sender)
	}
}

// announceIdentity sends our signed identity binding to peer once a session
// with it is established, so the other side can follow us across a future
// peer-id rotation. Nicknames are an app-layer concern, left empty here.
func (r *Router) announceIdentity(peer identity.PeerID) {
	current := r.rotator.Current()
	announce := r.local.NewAnnounce(current, "", r.now())
	p := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeNoiseIdentityAnnounce,
		Timestamp:    uint64(r.now().UnixMilli()),
		SenderID:     [8]byte(current),
		RecipientID:  [8]byte(peer),
		HasRecipient: true,
		Payload:      announce.Encode(),
	}
	if _, err := r.SendOriginated(p); err != nil {
		r.log.Debug("failed to send identity announce", "error", err, "peer_id", peer)
	}
}

// handleIdentityAnnounce verifies an inbound signed identity binding and, if
// a session already exists under the fingerprint's previous peer-id,
// migrates it to the announced one.
func (r *Router) handleIdentityAnnounce(p *wire.Packet, sender identity.PeerID) {
	announce, err := identity.DecodeAnnounce(p.Payload)
	if err != nil {
		r.log.Debug("malformed identity announce", "error", err, "peer_id", sender)
		return
	}
	if err := announce.Verify(); err != nil {
		r.log.Debug("identity announce failed verification", "error", err, "peer_id", sender)
		return
	}
	oldPeerID, ok := r.sessions.PeerIDForFingerprint(announce.Fingerprint)
	if !ok || oldPeerID == announce.PeerID {
		return
	}
	if err := r.sessions.Migrate(oldPeerID, announce.PeerID); err != nil {
		r.log.Debug("session migration on identity announce failed", "error", err, "peer_id", sender)
	}
}

func randomID() string {
	var b [8]byte
	_, _ = cryptorand.Read(b[:])
	return identity.PeerID(b).String()
}

// maybeRelay applies the relay rule: decrement TTL,
// decide probabilistically (with unconditional overrides), jitter, and
// rebroadcast to every connected peer except the one we received from.
func (r *Router) maybeRelay(p *wire.Packet, fromPeer identity.PeerID) {
	if p.TTL <= 1 {
		return
	}
	ttlAfter := p.TTL - 1
	activePeers := r.transport.ActivePeerCount()
	isPrivate := p.HasRecipient && !p.IsBroadcast()

	roll := rand.Float64()
	if !ShouldRelay(ttlAfter, activePeers, isPrivate, roll) {
		return
	}

	relayed := *p
	relayed.TTL = ttlAfter
	encoded, err := wire.Encode(&relayed)
	if err != nil {
		r.log.Debug("failed to encode relay packet", "error", err)
		return
	}

	r.sleep(Jitter())
	sent := r.transport.Broadcast(encoded, fromPeer)

	if isPrivate && p.HasRecipient {
		r.maybeStoreForOfflineFavorite(p, sent)
	}
}

func (r *Router) maybeStoreForOfflineFavorite(p *wire.Packet, relayedTo int) {
	if relayedTo > 0 {
		return
	}
	recipientFP, ok := r.sessions.FingerprintOf(peerIDFromBytes(p.RecipientID))
	if !ok || !r.favorites.IsFavorite(recipientFP) {
		return
	}
	encoded, err := wire.Encode(p)
	if err != nil {
		return
	}
	r.storeFwd.Cache(recipientFP, true, CachedMessage{
		MessageID:  randomID(),
		Packet:     encoded,
		OriginalTS: p.Timestamp,
	})
}

// FlushStoreForward delivers every cached message for a recipient that has
// just become reachable, spaced 20ms apart.
func (r *Router) FlushStoreForward(recipient identity.PeerID) {
	fp, ok := r.sessions.FingerprintOf(recipient)
	if !ok {
		return
	}
	for _, msg := range r.storeFwd.Flush(fp) {
		if err := r.transport.SendTo(recipient, msg.Packet); err != nil {
			r.log.Debug("store-and-forward flush failed", "error", err, "message_id", msg.MessageID)
		}
		r.sleep(20 * time.Millisecond)
	}
}

// SendPrivate encrypts plaintext for an established session toward peer and
// emits it as a private message packet. It implements mesh.EncryptSender for
// CoverTrafficGenerator, and is also the entry point for app-originated
// private messages: the send is tracked by the delivery tracker, keyed by a
// cross-node correlation id both ends derive from the packet's own wire
// fields, and enqueued for retry if it reaches zero recipients.
func (r *Router) SendPrivate(peer identity.PeerID, plaintext []byte) error {
	// Cover traffic never carries a real messageID the recipient will ack,
	// so it is sent but not tracked or queued for retry.
	tracked := !IsCoverTraffic(plaintext)

	ciphertext, err := r.sessions.Encrypt(peer, plaintext)
	if err != nil {
		return err
	}
	p := &wire.Packet{
		Version:      wire.CurrentVersion,
		Type:         wire.TypeNoiseEncrypted,
		Timestamp:    uint64(r.now().UnixMilli()),
		SenderID:     [8]byte(r.rotator.Current()),
		RecipientID:  [8]byte(peer),
		HasRecipient: true,
		Payload:      ciphertext,
	}
	messageID := messageIDFor(p)

	kind := delivery.KindPrivate
	if fp, ok := r.sessions.FingerprintOf(peer); ok && r.favorites != nil && r.favorites.IsFavorite(fp) {
		kind = delivery.KindFavoritePrivate
	}

	sent, encoded, err := r.send(p, AdaptiveTTL(r.transport.ActivePeerCount()))
	if err != nil {
		return err
	}
	if !tracked {
		return nil
	}
	if r.tracker != nil {
		r.tracker.TrackSend(messageID, kind, encoded, 1)
	}
	if sent > 0 {
		if r.tracker != nil {
			r.tracker.MarkSent(messageID)
		}
		return nil
	}
	if r.retryQ != nil {
		if qerr := r.retryQ.Enqueue(messageID, encoded, p.Timestamp); qerr != nil {
			r.log.Debug("retry queue enqueue failed", "error", qerr, "message_id", messageID)
		}
	}
	return nil
}

// SendOriginated encodes, optionally fragments, and emits a locally
// originated packet with an adaptive TTL.
func (r *Router) SendOriginated(p *wire.Packet) (sent int, err error) {
	sent, _, err = r.send(p, AdaptiveTTL(r.transport.ActivePeerCount()))
	return sent, err
}

// sendWithTTL is like SendOriginated but assigns a fixed ttl instead of the
// adaptive one, for link-local protocol messages (version negotiation,
// delivery acks, read receipts) whose reach must not scale with mesh size.
func (r *Router) sendWithTTL(p *wire.Packet, ttl uint8) (sent int, err error) {
	sent, _, err = r.send(p, ttl)
	return sent, err
}

// Resend re-transmits a previously encoded packet verbatim, as issued by the
// retry queue for an entry that reached zero recipients on its original
// send.
func (r *Router) Resend(encoded []byte) (int, error) {
	p, err := wire.Decode(encoded)
	if err != nil {
		return 0, err
	}
	if p.HasRecipient && !p.IsBroadcast() {
		if err := r.transport.SendTo(peerIDFromBytes(p.RecipientID), encoded); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return r.transport.Broadcast(encoded, identity.PeerID{}), nil
}

// send is the shared encode/fragment/transmit path. It also returns the
// unfragmented encoded form, used by SendPrivate to enqueue a verbatim retry
// entry on a zero-recipient send.
func (r *Router) send(p *wire.Packet, ttl uint8) (sent int, encoded []byte, err error) {
	p.TTL = ttl
	encoded, err = wire.Encode(p)
	if err != nil {
		return 0, nil, err
	}

	if !fragment.NeedsFragmenting(len(encoded)) {
		if p.HasRecipient && !p.IsBroadcast() {
			if err := r.transport.SendTo(peerIDFromBytes(p.RecipientID), encoded); err != nil {
				return 0, encoded, err
			}
			return 1, encoded, nil
		}
		return r.transport.Broadcast(encoded, identity.PeerID{}), encoded, nil
	}

	parts, err := fragment.Split(encoded, uint8(p.Type))
	if err != nil {
		return 0, encoded, err
	}
	total := 0
	for _, part := range parts {
		fragPacket := &wire.Packet{
			Version:      wire.CurrentVersion,
			Type:         fragmentPhaseType(part.Phase),
			TTL:          p.TTL,
			Timestamp:    p.Timestamp,
			SenderID:     p.SenderID,
			RecipientID:  p.RecipientID,
			HasRecipient: p.HasRecipient,
			Payload:      fragmentPayload(part),
		}
		encodedPart, err := wire.Encode(fragPacket)
		if err != nil {
			return total, encoded, err
		}
		if p.HasRecipient && !p.IsBroadcast() {
			if err := r.transport.SendTo(peerIDFromBytes(p.RecipientID), encodedPart); err != nil {
				return total, encoded, err
			}
			total++
		} else {
			total += r.transport.Broadcast(encodedPart, identity.PeerID{})
		}
	}
	return total, encoded, nil
}

func fragmentPhaseType(phase fragment.Phase) wire.Type {
	switch phase {
	case fragment.PhaseStart:
		return wire.TypeFragmentStart
	case fragment.PhaseEnd:
		return wire.TypeFragmentEnd
	default:
		return wire.TypeFragmentContinue
	}
}

func fragmentPayload(part fragment.Part) []byte {
	buf := make([]byte, 13+len(part.Slice))
	copy(buf[0:8], part.FragmentID[:])
	buf[8] = byte(part.Index >> 8)
	buf[9] = byte(part.Index)
	buf[10] = byte(part.Total >> 8)
	buf[11] = byte(part.Total)
	buf[12] = part.OriginalType
	copy(buf[13:], part.Slice)
	return buf
}
