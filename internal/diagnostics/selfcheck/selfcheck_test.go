package selfcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"guardbridge/internal/config"
)

type fakeVault struct{ err error }

func (f *fakeVault) HealthCheck(context.Context) error { return f.err }

func listenLocal(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln, fmt.Sprintf("http://%s", ln.Addr().String())
}

func baseConfig(endpoint string) *config.Config {
	cfg := &config.Config{}
	cfg.Azure.Endpoint = endpoint
	cfg.DeadLetter.Destination = "none"
	return cfg
}

func TestRunPassesWithReachableEndpoint(t *testing.T) {
	_, endpoint := listenLocal(t)
	if err := Run(context.Background(), baseConfig(endpoint), Dependencies{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunFailsOnUnreachableEndpoint(t *testing.T) {
	ln, endpoint := listenLocal(t)
	ln.Close()
	if err := Run(context.Background(), baseConfig(endpoint), Dependencies{}); err == nil {
		t.Fatal("expected connectivity error")
	}
}

func TestRunFailsOnMissingEndpoint(t *testing.T) {
	if err := Run(context.Background(), baseConfig(""), Dependencies{}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestRunChecksVaultWhenEnabled(t *testing.T) {
	_, endpoint := listenLocal(t)
	cfg := baseConfig(endpoint)
	cfg.Secrets.Vault.Enabled = true

	if err := Run(context.Background(), cfg, Dependencies{}); err == nil {
		t.Fatal("expected error when vault enabled without client")
	}

	boom := errors.New("sealed")
	err := Run(context.Background(), cfg, Dependencies{Vault: &fakeVault{err: boom}})
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped vault error, got %v", err)
	}

	if err := Run(context.Background(), cfg, Dependencies{Vault: &fakeVault{}}); err != nil {
		t.Fatalf("Run with healthy vault: %v", err)
	}
}

func TestRunProbesSpillDir(t *testing.T) {
	_, endpoint := listenLocal(t)
	cfg := baseConfig(endpoint)
	cfg.DeadLetter.Destination = "spill"
	cfg.DeadLetter.SpillDir = filepath.Join(t.TempDir(), "dlq")

	if err := Run(context.Background(), cfg, Dependencies{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(cfg.DeadLetter.SpillDir); err != nil {
		t.Fatalf("spill dir not created: %v", err)
	}
	entries, err := os.ReadDir(cfg.DeadLetter.SpillDir)
	if err != nil {
		t.Fatalf("read spill dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("probe file left behind: %v", entries)
	}
}

func TestRunFailsOnEmptySpillDir(t *testing.T) {
	_, endpoint := listenLocal(t)
	cfg := baseConfig(endpoint)
	cfg.DeadLetter.Destination = "spill"
	if err := Run(context.Background(), cfg, Dependencies{}); err == nil {
		t.Fatal("expected error for unset spill dir")
	}
}
