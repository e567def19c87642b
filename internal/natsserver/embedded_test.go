package natsserver

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartExternalIsNoop(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestEmbeddedRequiresConfiguredToken(t *testing.T) {
	cfg := config.BusConfig{Embedded: true, Port: -1, Token: "s3cret", ConnectTimeout: 2000}
	srv, err := Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	if !strings.HasPrefix(srv.ClientURL(), "nats://127.0.0.1:") {
		t.Fatalf("expected loopback url, got %s", srv.ClientURL())
	}

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(cfg, newLogger())
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	client.Close()

	cfg.Token = "wrong"
	if _, err := bus.Connect(cfg, newLogger()); err == nil {
		t.Fatal("expected connect with wrong token to fail")
	}
}

func TestOptionsRejectsMixedAuth(t *testing.T) {
	if _, err := options(config.BusConfig{Token: "t", Username: "u"}); err == nil {
		t.Fatal("expected mixed auth to be rejected")
	}
	opts, err := options(config.BusConfig{Port: 4222, StoreDir: t.TempDir(), Username: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if !opts.JetStream || opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("unexpected options %+v", opts)
	}
}
