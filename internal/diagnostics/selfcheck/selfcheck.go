// Package selfcheck validates external dependencies at startup so the
// process aborts on misconfiguration instead of failing its first batch.
package selfcheck

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"guardbridge/internal/config"
)

// Dependencies surfaces optional clients required for checks.
type Dependencies struct {
	Vault interface{ HealthCheck(context.Context) error }
}

// Run executes startup dependency validation.
func Run(ctx context.Context, cfg *config.Config, deps Dependencies) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.Secrets.Vault.Enabled {
		if deps.Vault == nil {
			return fmt.Errorf("vault enabled but no client available for health check")
		}
		if err := deps.Vault.HealthCheck(ctx); err != nil {
			return fmt.Errorf("vault health check failed: %w", err)
		}
	}
	if err := checkIngestEndpoint(ctx, cfg.Azure.Endpoint); err != nil {
		return err
	}
	if cfg.DeadLetter.Destination == "spill" {
		if err := ensureWritableDir(cfg.DeadLetter.SpillDir); err != nil {
			return err
		}
	}
	return nil
}

func checkIngestEndpoint(ctx context.Context, endpoint string) error {
	raw := strings.TrimSpace(endpoint)
	if raw == "" {
		return fmt.Errorf("azure.endpoint required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("azure.endpoint %q is not a valid URL", raw)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "443")
	}
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("ingestion endpoint connectivity (%s) failed: %w", host, err)
	}
	_ = conn.Close()
	return nil
}

func ensureWritableDir(dir string) error {
	path := strings.TrimSpace(dir)
	if path == "" {
		return fmt.Errorf("spill directory not configured")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create spill directory %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(path, ".probe-*")
	if err != nil {
		return fmt.Errorf("write probe file in %s: %w", path, err)
	}
	tmp.Close()
	os.Remove(tmp.Name())
	_, err = filepath.Abs(path)
	return err
}
