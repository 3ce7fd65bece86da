// Package daemon wires every BitChat component into the running process:
// load identity, build the per-subsystem managers, start the transport and
// background loops, and tear them down cleanly on Stop.
package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/unicornultrafoundation/bitchat/internal/ble"
	"github.com/unicornultrafoundation/bitchat/internal/config"
	"github.com/unicornultrafoundation/bitchat/internal/dedup"
	"github.com/unicornultrafoundation/bitchat/internal/delivery"
	"github.com/unicornultrafoundation/bitchat/internal/diag"
	"github.com/unicornultrafoundation/bitchat/internal/fragment"
	"github.com/unicornultrafoundation/bitchat/internal/identity"
	"github.com/unicornultrafoundation/bitchat/internal/mesh"
	"github.com/unicornultrafoundation/bitchat/internal/retryqueue"
	"github.com/unicornultrafoundation/bitchat/internal/session"
	"github.com/unicornultrafoundation/bitchat/internal/simulator"
	"github.com/unicornultrafoundation/bitchat/internal/store"
)

// transport is what the daemon needs from either a real ble.Transport or a
// simulator.BleBackend: mesh.Transport's send/broadcast surface, cover
// traffic's peer picker, and a non-blocking Start.
type transport interface {
	mesh.Transport
	mesh.ConnectedPeerPicker
	Start(ctx context.Context) error
}

// Daemon owns every long-lived BitChat subsystem for one running node.
type Daemon struct {
	cfg       config.Config
	identity  *identity.Identity
	rotator   *identity.Rotator
	sessions  *session.Manager
	dedup     *dedup.Filter
	reasm     *fragment.Reassembler
	tracker   *delivery.Tracker
	storeFwd  *mesh.StoreForward
	retryQ    *retryqueue.Queue
	router    *mesh.Router
	cover     *mesh.CoverTrafficGenerator
	transport transport
	diag      *diag.Server
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a Daemon from configuration and an app delegate, loading or
// generating the local identity as a side effect.
func New(cfg config.Config, delegate mesh.AppDelegate, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	id, err := identity.LoadOrGenerate(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	log.Info("identity loaded", "fingerprint", id.Fingerprint, "dh_pubkey", id.DHPublicKeyHex()[:16]+"...")

	sessions := session.NewManager(id, log)
	rotator, err := identity.NewRotator(sessions)
	if err != nil {
		return nil, fmt.Errorf("create peer-id rotator: %w", err)
	}

	dedupFilter := dedup.New(sessions)
	reasm := fragment.NewReassembler(log)
	storeFwd := mesh.NewStoreForward()

	if cfg.StoreForwardEnable {
		db, err := store.Open(cfg.StoreForwardPath)
		if err != nil {
			return nil, fmt.Errorf("open favorite queue store: %w", err)
		}
		storeFwd = storeFwd.WithPersister(&storePersister{q: store.NewFavoriteQueue(db)})
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(rootCtx)

	d := &Daemon{
		cfg:      cfg,
		identity: id,
		rotator:  rotator,
		sessions: sessions,
		dedup:    dedupFilter,
		reasm:    reasm,
		storeFwd: storeFwd,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
	}

	d.tracker = delivery.NewTracker(d.retrySend, log)
	d.retryQ = retryqueue.New(d.retryOriginalSend, d.peerCount, log)

	favorites := newFavoriteSet(cfg.Favorites)
	router := mesh.NewRouter(id, rotator, dedupFilter, reasm, sessions, d.tracker, d.retryQ, storeFwd, nil, favorites, delegate, log)
	d.router = router

	var t transport
	if cfg.SimulatorURL != "" {
		t = simulator.NewBleBackend(cfg.SimulatorURL, rotator.Current(), router, log)
	} else {
		t = ble.NewTransport(rotator.Current(), router, cfg.Mode, log)
	}
	d.transport = t
	router.SetTransport(t)

	d.cover = mesh.NewCoverTrafficGenerator(t, router, nil, cfg.Mode, log)

	if cfg.DiagEnable {
		d.diag = diag.New(router, cfg.DiagListen)
	}

	return d, nil
}

// Start brings up the BLE transport and every background loop.
func (d *Daemon) Start() error {
	if err := d.transport.Start(d.ctx); err != nil {
		return fmt.Errorf("start ble transport: %w", err)
	}

	d.group.Go(func() error { d.retryQ.Run(d.ctx); return nil })
	d.group.Go(func() error { d.cover.Run(d.ctx); return nil })
	d.group.Go(func() error { d.rotationLoop(); return nil })
	d.group.Go(func() error { d.rekeyLoop(); return nil })
	d.group.Go(func() error { d.deliveryLoop(); return nil })

	if d.diag != nil {
		d.group.Go(func() error { return d.diag.Run(d.ctx) })
	}

	d.log.Info("bitchat daemon started", "peer_id", d.rotator.Current(), "device", d.cfg.DeviceName)
	return nil
}

// Stop cancels every background loop and waits for them to exit. A loop
// that failed and cancelled the shared group context is logged, not
// propagated, since the caller is already tearing the daemon down.
func (d *Daemon) Stop() {
	d.log.Info("bitchat daemon stopping")
	d.cancel()
	if err := d.group.Wait(); err != nil {
		d.log.Warn("background loop exited with error", "error", err)
	}
	d.log.Info("bitchat daemon stopped")
}

// Identity returns the local node identity.
func (d *Daemon) Identity() *identity.Identity { return d.identity }

// Router returns the mesh router, e.g. for app-originated sends.
func (d *Daemon) Router() *mesh.Router { return d.router }

// Diag returns the diagnostics server, or nil if diagnostics are disabled.
func (d *Daemon) Diag() *diag.Server { return d.diag }

func (d *Daemon) peerCount() int { return d.transport.ActivePeerCount() }

// retrySend is the delivery.RetryFunc: it is wired to the tracker so a
// timed-out favorite-private message is retransmitted verbatim.
func (d *Daemon) retrySend(messageID string, payload []byte, attempt int) error {
	_, err := d.retryOriginalSend(messageID, payload)
	return err
}

// retryOriginalSend is the retryqueue.SendFunc: it re-invokes the original
// send path by retransmitting the packet the router encoded at send time,
// preserving its message id and timestamp.
func (d *Daemon) retryOriginalSend(messageID string, payload []byte) (int, error) {
	return d.router.Resend(payload)
}

func (d *Daemon) rotationLoop() {
	ticker := rotationTicker()
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if newID, rotated, err := d.rotator.MaybeRotate(); err != nil {
				d.log.Warn("peer-id rotation failed", "error", err)
			} else if rotated {
				d.log.Info("peer-id rotated", "peer_id", newID)
			}
		}
	}
}

// rekeyLoop polls every established session for the elapsed-time/message-
// count rekey threshold and re-initiates the Noise-XX handshake for any
// that have crossed it.
func (d *Daemon) rekeyLoop() {
	ticker := rekeyTicker()
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for _, e := range d.sessions.Snapshot() {
				if e.State != session.StateEstablished || !d.sessions.NeedsRekey(e.PeerID) {
					continue
				}
				if err := d.router.Rekey(e.PeerID); err != nil {
					d.log.Debug("session rekey failed", "error", err, "peer_id", e.PeerID)
				}
			}
		}
	}
}

// deliveryLoop periodically sweeps the delivery tracker for in-flight
// messages that have passed their delivery deadline.
func (d *Daemon) deliveryLoop() {
	ticker := deliveryTicker()
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tracker.CheckTimeouts()
		}
	}
}
