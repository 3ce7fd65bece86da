package mesh

import (
	"bytes"
	"context"
	"crypto/rand"
	"log/slog"
	mrand "math/rand/v2"
	"time"

	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/powermode"
)

// coverTrafficMarker prefixes cover-traffic plaintexts so the receiver can
// silently discard them.
var coverTrafficMarker = []byte("\x00BCCOVER\x00")

// IsCoverTraffic reports whether a decrypted plaintext is cover traffic and
// should be discarded without surfacing to the app layer.
func IsCoverTraffic(plaintext []byte) bool {
	return bytes.HasPrefix(plaintext, coverTrafficMarker)
}

func newCoverTrafficPlaintext() ([]byte, error) {
	padding := make([]byte, 8+mrand.IntN(24))
	if _, err := rand.Read(padding); err != nil {
		return nil, err
	}
	return append(append([]byte(nil), coverTrafficMarker...), padding...), nil
}

const (
	coverTrafficMinInterval = 30 * time.Second
	coverTrafficMaxInterval = 120 * time.Second
	// coverTrafficMinBattery is the battery-percentage gate below which
	// cover traffic is suppressed.
	coverTrafficMinBattery = 20
)

// BatterySource reports the host device's battery percentage, defaulting to
// full when the app layer never supplies one.
type BatterySource interface {
	BatteryPercent() int
}

// ConnectedPeerPicker returns a random currently-connected peer, or false if
// none are connected.
type ConnectedPeerPicker interface {
	RandomConnectedPeer() (identity.PeerID, bool)
}

// EncryptSender sends an encrypted private message to a peer, used here to
// dispatch cover traffic.
type EncryptSender interface {
	SendPrivate(peer identity.PeerID, plaintext []byte) error
}

// CoverTrafficGenerator periodically sends marker-prefixed encrypted
// messages to random connected peers, suppressed below a battery threshold
// and while the power mode is UltraLow.
type CoverTrafficGenerator struct {
	peers   ConnectedPeerPicker
	sender  EncryptSender
	battery BatterySource
	mode    func() powermode.Mode
	log     *slog.Logger
}

// NewCoverTrafficGenerator builds a generator. battery and mode may be nil,
// in which case battery is assumed full and mode Balanced.
func NewCoverTrafficGenerator(peers ConnectedPeerPicker, sender EncryptSender, battery BatterySource, mode func() powermode.Mode, log *slog.Logger) *CoverTrafficGenerator {
	if log == nil {
		log = slog.Default()
	}
	return &CoverTrafficGenerator{peers: peers, sender: sender, battery: battery, mode: mode, log: log.With("component", "cover-traffic")}
}

func (c *CoverTrafficGenerator) batteryPercent() int {
	if c.battery == nil {
		return 100
	}
	return c.battery.BatteryPercent()
}

func (c *CoverTrafficGenerator) powerMode() powermode.Mode {
	if c.mode == nil {
		return powermode.Balanced
	}
	return c.mode()
}

// suppressed reports whether cover traffic generation is currently gated
// off.
func (c *CoverTrafficGenerator) suppressed() bool {
	if c.powerMode() == powermode.UltraLow {
		return true
	}
	return c.batteryPercent() < coverTrafficMinBattery
}

func nextCoverTrafficDelay() time.Duration {
	span := coverTrafficMaxInterval - coverTrafficMinInterval
	return coverTrafficMinInterval + time.Duration(mrand.Int64N(int64(span)))
}

// tick attempts one round of cover traffic generation.
func (c *CoverTrafficGenerator) tick() {
	if c.suppressed() {
		return
	}
	peer, ok := c.peers.RandomConnectedPeer()
	if !ok {
		return
	}
	plaintext, err := newCoverTrafficPlaintext()
	if err != nil {
		c.log.Debug("failed to build cover traffic payload", "error", err)
		return
	}
	if err := c.sender.SendPrivate(peer, plaintext); err != nil {
		c.log.Debug("failed to send cover traffic", "peer_id", peer, "error", err)
	}
}

// Run drives the cover-traffic timer until ctx is canceled.
func (c *CoverTrafficGenerator) Run(ctx context.Context) {
	for {
		delay := nextCoverTrafficDelay()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			c.tick()
		}
	}
}
