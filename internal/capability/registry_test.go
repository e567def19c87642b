package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/node"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func speechCapabilities(t *testing.T) []Capability {
	t.Helper()
	r := node.NewRegistry()
	if err := node.RegisterDefaults(r, nil, nil, newLogger()); err != nil {
		t.Fatal(err)
	}
	return FromNodeClasses(r.Classes())
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "node-host", HeartbeatInterval: 50, HeartbeatTimeout: 500}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestFromNodeClasses(t *testing.T) {
	caps := speechCapabilities(t)
	if len(caps) != 1 {
		t.Fatalf("expected 1 capability, got %d", len(caps))
	}
	if caps[0].Name != "node.GeminiTTSNode" {
		t.Fatalf("unexpected name %s", caps[0].Name)
	}
	if caps[0].Attributes["display_name"] != "Gemini Text-to-Speech" || caps[0].Attributes["category"] != "audio" {
		t.Fatalf("unexpected attributes %v", caps[0].Attributes)
	}

	info := NodeInfo{Capabilities: append(caps, Capability{Name: "other"})}
	if !info.Serves(node.ClassGeminiTTS) || info.Serves("Other") {
		t.Fatalf("Serves mismatch for %+v", info)
	}
	if classes := info.Classes(); len(classes) != 1 || classes[0] != node.ClassGeminiTTS {
		t.Fatalf("unexpected classes %v", classes)
	}
}

func TestRegistryAnnouncesSelf(t *testing.T) {
	client := connect(t)

	var (
		mu   sync.Mutex
		seen []protocol.NodeAnnounce
	)
	sub, err := client.Conn().Subscribe(protocol.SubjectNodeAnnounce, func(msg *nats.Msg) {
		var a protocol.NodeAnnounce
		if json.Unmarshal(msg.Data, &a) == nil {
			mu.Lock()
			seen = append(seen, a)
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	reg, err := NewRegistry(context.Background(), nodeConfig("speech-a"), client, speechCapabilities(t), newLogger(), WithVersion("1.2.3"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("expected local node healthy after announce")
	}
	waitFor(t, "announce", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	})
	mu.Lock()
	got := seen[0]
	mu.Unlock()
	if got.NodeID != "speech-a" || got.Version != "1.2.3" || len(got.Capabilities) != 1 {
		t.Fatalf("unexpected announce %+v", got)
	}

	if providers := reg.Providers(node.ClassGeminiTTS); len(providers) != 1 || providers[0].ID != "speech-a" {
		t.Fatalf("expected self as provider, got %+v", providers)
	}
}

func TestRegistriesDiscoverEachOther(t *testing.T) {
	client := connect(t)
	caps := speechCapabilities(t)

	a, err := NewRegistry(context.Background(), nodeConfig("speech-a"), client, caps, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)

	// b starts after a's initial announce; a learns of b and b learns of a
	// through the re-announce.
	b, err := NewRegistry(context.Background(), nodeConfig("speech-b"), client, caps, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)

	for name, reg := range map[string]*Registry{"a": a, "b": b} {
		waitFor(t, name+" to see both providers", func() bool {
			return len(reg.Providers(node.ClassGeminiTTS)) == 2
		})
	}
	if nodes := a.Nodes(); nodes[0].ID != "speech-a" || nodes[1].ID != "speech-b" {
		t.Fatalf("expected nodes sorted by id, got %+v", nodes)
	}
}

func TestSweepMarksAndEvictsSilentPeers(t *testing.T) {
	client := connect(t)

	var (
		mu  sync.Mutex
		now = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	cfg := nodeConfig("speech-a")
	cfg.HeartbeatInterval = 60000 // keep the loop quiet; sweep is driven by hand
	reg, err := NewRegistry(context.Background(), cfg, client, speechCapabilities(t), newLogger(), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)

	reg.observe(protocol.NodeAnnounce{NodeID: "speech-b", Role: "node-host", Capabilities: speechCapabilities(t)})
	if len(reg.Providers(node.ClassGeminiTTS)) != 2 {
		t.Fatalf("expected peer provider, got %+v", reg.Nodes())
	}

	advance(600 * time.Millisecond)
	reg.sweep()
	if providers := reg.Providers(node.ClassGeminiTTS); len(providers) != 1 || providers[0].ID != "speech-a" {
		t.Fatalf("expected silent peer unhealthy, got %+v", providers)
	}
	if len(reg.Nodes()) != 2 {
		t.Fatal("unhealthy peer should stay in the directory")
	}

	reg.touch("speech-b")
	if len(reg.Providers(node.ClassGeminiTTS)) != 2 {
		t.Fatal("heartbeat should restore the peer")
	}

	advance(2 * time.Second)
	reg.sweep()
	if nodes := reg.Nodes(); len(nodes) != 1 || nodes[0].ID != "speech-a" {
		t.Fatalf("expected peer evicted, got %+v", nodes)
	}
	if !reg.Healthy() {
		t.Fatal("sweep must not touch the local entry")
	}
}
