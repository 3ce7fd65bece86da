// Package diag exposes a loopback-only HTTP surface for local development:
// connected peers, session table, and delivery-tracker snapshots. It
// carries no protocol semantics of its own and never touches the wire.
package diag

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unicornultrafoundation/bitchat/internal/mesh"
)

// Server is a loopback-only diagnostics HTTP server bound to a single
// running daemon's mesh router.
type Server struct {
	router *mesh.Router
	engine *gin.Engine
	srv    *http.Server
}

// New builds a diagnostics server. listen should be a loopback address
// such as "127.0.0.1:9696"; binding to a non-loopback address is the
// caller's mistake to make, not something this package enforces.
func New(router *mesh.Router, listen string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		router: router,
		engine: engine,
		srv:    &http.Server{Addr: listen, Handler: engine},
	}
	s.setupRoutes()
	return s
}

// Engine returns the underlying gin engine, e.g. for tests driving routes
// without a listening socket.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/peers", s.listPeers)
	s.engine.GET("/sessions", s.listSessions)
	s.engine.GET("/delivery", s.listDelivery)
}

// Run starts serving until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("diagnostics server: %w", err)
	}
}

type peerView struct {
	PeerID string `json:"peer_id"`
}

func (s *Server) listPeers(c *gin.Context) {
	peers := s.router.ConnectedPeers()
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView{PeerID: p.String()})
	}
	c.JSON(http.StatusOK, out)
}

type sessionView struct {
	PeerID       string `json:"peer_id"`
	Fingerprint  string `json:"fingerprint"`
	State        string `json:"state"`
	MessagesSent uint64 `json:"messages_sent"`
}

func (s *Server) listSessions(c *gin.Context) {
	entries := s.router.Sessions().Snapshot()
	out := make([]sessionView, 0, len(entries))
	for _, e := range entries {
		out = append(out, sessionView{
			PeerID:       e.PeerID.String(),
			Fingerprint:  e.Fingerprint.String(),
			State:        e.State.String(),
			MessagesSent: e.MessagesSent,
		})
	}
	c.JSON(http.StatusOK, out)
}

type deliveryView struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Expected  int    `json:"expected"`
	AckedBy   int    `json:"acked_by"`
	Attempts  int    `json:"attempts"`
}

func (s *Server) listDelivery(c *gin.Context) {
	snaps := s.router.Tracker().Snapshot()
	out := make([]deliveryView, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, deliveryView{
			MessageID: sn.MessageID,
			Kind:      sn.Kind.String(),
			State:     sn.State.String(),
			Expected:  sn.Expected,
			AckedBy:   sn.AckedBy,
			Attempts:  sn.Attempts,
		})
	}
	c.JSON(http.StatusOK, out)
}
