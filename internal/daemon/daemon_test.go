package daemon

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/unicornultrafoundation/bitchat/internal/config"
	"github.com/unicornultrafoundation/bitchat/internal/mesh"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.IdentityPath = filepath.Join(t.TempDir(), "identity.json")
	// Route the transport through the simulator backend rather than real BLE
	// hardware; an unreachable hub is fine since Start never blocks on it.
	cfg.SimulatorURL = "ws://127.0.0.1:0/radio"
	cfg.StoreForwardEnable = false
	return *cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNewAndStartStop(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, mesh.NoopDelegate{}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if d.Identity() == nil {
		t.Fatal("expected a generated identity")
	}
	if d.Router() == nil {
		t.Fatal("expected a router")
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// give background loops a moment to spin up before tearing down.
	time.Sleep(10 * time.Millisecond)

	d.Stop()
}

func TestNewLoadsExistingIdentity(t *testing.T) {
	cfg := testConfig(t)

	d1, err := New(cfg, mesh.NoopDelegate{}, discardLogger())
	if err != nil {
		t.Fatalf("New (first): %v", err)
	}
	fp1 := d1.Identity().Fingerprint

	d2, err := New(cfg, mesh.NoopDelegate{}, discardLogger())
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}
	fp2 := d2.Identity().Fingerprint

	if fp1 != fp2 {
		t.Fatalf("expected the same identity to be reloaded from disk, got %s vs %s", fp1, fp2)
	}
}

func TestDiagDisabledByDefault(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, mesh.NoopDelegate{}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.diag != nil {
		t.Fatal("diagnostics server should be nil when DiagEnable is false")
	}
}

func TestDiagEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiagEnable = true
	cfg.DiagListen = "127.0.0.1:0"

	d, err := New(cfg, mesh.NoopDelegate{}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.diag == nil {
		t.Fatal("expected a diagnostics server when DiagEnable is true")
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	d.Stop()
}
