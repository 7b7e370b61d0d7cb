package app

import (
	"context"
	"testing"
	"time"

	"shoten/internal/config"
)

func TestRunStopsWithContext(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Capture.DestinationDir = t.TempDir()
	cfg.Device.ScanInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, cfg)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunRejectsBrokenStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Capture.DestinationDir = t.TempDir()
	cfg.Storage.Enabled = true
	cfg.Storage.Endpoint = "http://localhost:9000"
	cfg.Storage.Bucket = "captures"
	cfg.Storage.AccessKeyFile = "/nonexistent/access"
	cfg.Storage.SecretKeyFile = "/nonexistent/secret"

	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected storage initialization error")
	}
}
