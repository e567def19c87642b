package nodehost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/node"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type synthFunc func(ctx context.Context, req speech.Request, credential string) (speech.Result, error)

func (f synthFunc) Synthesize(ctx context.Context, req speech.Request, credential string) (speech.Result, error) {
	return f(ctx, req, credential)
}

func startService(t *testing.T, synth node.Synthesizer) *bus.Client {
	t.Helper()
	_, client := newService(t, synth)
	return client
}

func newService(t *testing.T, synth node.Synthesizer) (*Service, *bus.Client) {
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

	registry := node.NewRegistry()
	if err := node.RegisterDefaults(registry, synth, nil, log); err != nil {
		t.Fatal(err)
	}
	svc := NewService(context.Background(), registry, client, 5*time.Second, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	return svc, client
}

func request[T any](t *testing.T, client *bus.Client, subject string, req any) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var reply T
	if err := client.RequestJSON(ctx, subject, req, &reply); err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	return reply
}

func inputs() map[string]any {
	return map[string]any{
		node.InputText:         "hello",
		node.InputVoiceStyle:   "ja-JP-Neural2-B",
		node.InputSpeakingRate: 1.0,
		node.InputPitch:        0.0,
		node.InputVolumeGainDB: 0.0,
		node.InputAPIKey:       "key",
	}
}

func TestSchemaOverBus(t *testing.T) {
	client := startService(t, synthFunc(nil))

	reply := request[protocol.SchemaReply](t, client, protocol.SubjectNodeSchema, protocol.NodeRequest{})
	if reply.Error != "" {
		t.Fatalf("unexpected error %s", reply.Error)
	}
	var schemas []node.Schema
	if err := json.Unmarshal(reply.Schemas, &schemas); err != nil {
		t.Fatalf("decode schemas: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Class != node.ClassGeminiTTS {
		t.Fatalf("unexpected schemas %+v", schemas)
	}
	if reply.DisplayNames[node.ClassGeminiTTS] != node.DisplayNameGeminiTTS {
		t.Fatalf("unexpected display names %v", reply.DisplayNames)
	}

	missing := request[protocol.SchemaReply](t, client, protocol.SubjectNodeSchema, protocol.NodeRequest{Class: "Nope"})
	if missing.Error == "" {
		t.Fatal("expected error for unknown class")
	}
}

func TestValidateAndFingerprintOverBus(t *testing.T) {
	client := startService(t, synthFunc(nil))

	ok := request[protocol.ValidateReply](t, client, protocol.SubjectNodeValidate, protocol.NodeRequest{Class: node.ClassGeminiTTS, Inputs: inputs()})
	if !ok.Valid {
		t.Fatalf("expected valid inputs, got %s", ok.Error)
	}

	bad := inputs()
	bad[node.InputSpeakingRate] = 5.0
	rejected := request[protocol.ValidateReply](t, client, protocol.SubjectNodeValidate, protocol.NodeRequest{Class: node.ClassGeminiTTS, Inputs: bad})
	if rejected.Valid || !strings.Contains(rejected.Error, "speaking rate") {
		t.Fatalf("expected rate rejection, got %+v", rejected)
	}

	first := request[protocol.FingerprintReply](t, client, protocol.SubjectNodeFingerprint, protocol.NodeRequest{Class: node.ClassGeminiTTS, Inputs: inputs()})
	other := inputs()
	other[node.InputAPIKey] = "different"
	second := request[protocol.FingerprintReply](t, client, protocol.SubjectNodeFingerprint, protocol.NodeRequest{Class: node.ClassGeminiTTS, Inputs: other})
	if first.Fingerprint == "" || first.Fingerprint != second.Fingerprint {
		t.Fatalf("expected stable fingerprint, got %q and %q", first.Fingerprint, second.Fingerprint)
	}
}

func TestComputeOverBus(t *testing.T) {
	client := startService(t, synthFunc(func(_ context.Context, req speech.Request, _ string) (speech.Result, error) {
		if req.Text == "fail" {
			return speech.Result{}, &speech.Error{Kind: speech.KindRemoteService, Msg: "API request failed: quota exceeded"}
		}
		return speech.Result{
			Audio: audio.Buffer{Samples: [][]float32{make([]float32, 48), make([]float32, 48)}, SampleRate: 24000},
			Path:  "/tmp/out.mp3",
		}, nil
	}))

	reply := request[protocol.ComputeReply](t, client, protocol.SubjectNodeCompute, protocol.NodeRequest{Class: node.ClassGeminiTTS, Inputs: inputs(), TraceID: "trace-1"})
	if reply.Failed || reply.FilePath != "/tmp/out.mp3" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Channels != 2 || reply.Frames != 48 || reply.SampleRate != 24000 || reply.TraceID != "trace-1" {
		t.Fatalf("unexpected audio shape %+v", reply)
	}

	failing := inputs()
	failing[node.InputText] = "fail"
	failed := request[protocol.ComputeReply](t, client, protocol.SubjectNodeCompute, protocol.NodeRequest{Class: node.ClassGeminiTTS, Inputs: failing})
	if !failed.Failed || !strings.Contains(failed.FilePath, "quota exceeded") {
		t.Fatalf("expected degraded reply, got %+v", failed)
	}
	if failed.Channels != 1 || failed.Frames != 1000 || failed.SampleRate != 24000 {
		t.Fatalf("expected placeholder shape, got %+v", failed)
	}
}

func TestComputeUnknownClass(t *testing.T) {
	client := startService(t, synthFunc(func(context.Context, speech.Request, string) (speech.Result, error) {
		return speech.Result{}, errors.New("should not be called")
	}))
	reply := request[protocol.ComputeReply](t, client, protocol.SubjectNodeCompute, protocol.NodeRequest{Class: "Missing"})
	if !reply.Failed || reply.Error == "" {
		t.Fatalf("expected unknown class error, got %+v", reply)
	}
}

func TestComputeAfterCloseSkipsSynthesis(t *testing.T) {
	var calls int32
	svc, _ := newService(t, synthFunc(func(context.Context, speech.Request, string) (speech.Result, error) {
		atomic.AddInt32(&calls, 1)
		return speech.Result{}, errors.New("closed host must not synthesize")
	}))
	svc.Close()

	data, err := json.Marshal(protocol.NodeRequest{Class: node.ClassGeminiTTS, Inputs: inputs()})
	if err != nil {
		t.Fatal(err)
	}
	svc.handleCompute(&nats.Msg{Subject: protocol.SubjectNodeCompute, Data: data})
	svc.wg.Wait()
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("expected no synthesis after close, got %d calls", n)
	}
}

func TestRequestWithoutHost(t *testing.T) {
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

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.ComputeReply
	err = client.RequestJSON(ctx, protocol.SubjectNodeCompute, protocol.NodeRequest{Class: node.ClassGeminiTTS}, &reply)
	if err == nil || !strings.Contains(err.Error(), "no node host") {
		t.Fatalf("expected no responders error, got %v", err)
	}
}
