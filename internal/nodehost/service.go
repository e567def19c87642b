// Package nodehost serves registered node classes to remote graph hosts over
// NATS request/reply.
package nodehost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/node"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Service struct {
	registry *node.Registry
	bus      *bus.Client
	timeout  time.Duration
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger

	// mu guards closed against wg.Add racing Close's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService builds the service. timeout bounds each compute call.
func NewService(parent context.Context, registry *node.Registry, busClient *bus.Client, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		registry: registry,
		bus:      busClient,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "node-host")),
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	handlers := []struct {
		subject string
		queue   string
		handler nats.MsgHandler
	}{
		{protocol.SubjectNodeSchema, "", s.handleSchema},
		{protocol.SubjectNodeValidate, "", s.handleValidate},
		{protocol.SubjectNodeFingerprint, "", s.handleFingerprint},
		{protocol.SubjectNodeCompute, protocol.QueueCompute, s.handleCompute},
	}
	for _, h := range handlers {
		var (
			sub *nats.Subscription
			err error
		)
		if h.queue != "" {
			sub, err = conn.QueueSubscribe(h.subject, h.queue, h.handler)
		} else {
			sub, err = conn.Subscribe(h.subject, h.handler)
		}
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := conn.Flush(); err != nil {
		s.unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.logger.Info("node host listening", slog.Int("classes", len(s.registry.Classes())))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 && s.bus.Healthy() }

func (s *Service) handleSchema(msg *nats.Msg) {
	var req protocol.NodeRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.SchemaReply{Error: "invalid request: " + err.Error()})
			return
		}
	}

	var schemas []node.Schema
	for _, c := range s.registry.Classes() {
		if req.Class == "" || req.Class == c.Name {
			schemas = append(schemas, c.Node.Schema())
		}
	}
	if req.Class != "" && len(schemas) == 0 {
		s.respond(msg, protocol.SchemaReply{Error: fmt.Sprintf("unknown node class %q", req.Class)})
		return
	}
	data, err := json.Marshal(schemas)
	if err != nil {
		s.respond(msg, protocol.SchemaReply{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.SchemaReply{Schemas: data, DisplayNames: s.registry.DisplayNames()})
}

func (s *Service) handleValidate(msg *nats.Msg) {
	req, class, errMsg := s.decode(msg)
	if errMsg != "" {
		s.respond(msg, protocol.ValidateReply{Class: req.Class, Error: errMsg})
		return
	}
	if err := class.Node.ValidateInputs(req.Inputs); err != nil {
		s.respond(msg, protocol.ValidateReply{Class: req.Class, Error: err.Error()})
		return
	}
	s.respond(msg, protocol.ValidateReply{Class: req.Class, Valid: true})
}

func (s *Service) handleFingerprint(msg *nats.Msg) {
	req, class, errMsg := s.decode(msg)
	if errMsg != "" {
		s.respond(msg, protocol.FingerprintReply{Class: req.Class, Error: errMsg})
		return
	}
	s.respond(msg, protocol.FingerprintReply{Class: req.Class, Fingerprint: class.Node.Fingerprint(req.Inputs)})
}

func (s *Service) handleCompute(msg *nats.Msg) {
	req, class, errMsg := s.decode(msg)
	if errMsg != "" {
		s.respond(msg, protocol.ComputeReply{Class: req.Class, Failed: true, Error: errMsg, Timestamp: time.Now().UTC()})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.respond(msg, protocol.ComputeReply{Class: req.Class, Failed: true, Error: "node host shutting down", TraceID: req.TraceID, Timestamp: time.Now().UTC()})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		out := class.Node.Compute(ctx, req.Inputs)
		reply := protocol.ComputeReply{
			Class:       req.Class,
			FilePath:    out.FilePath,
			Failed:      out.Failed,
			SampleRate:  out.Audio.SampleRate,
			Channels:    out.Audio.Channels(),
			Frames:      out.Audio.Frames(),
			Fingerprint: class.Node.Fingerprint(req.Inputs),
			TraceID:     req.TraceID,
			Timestamp:   time.Now().UTC(),
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) decode(msg *nats.Msg) (protocol.NodeRequest, node.Class, string) {
	var req protocol.NodeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode node request", slog.String("subject", msg.Subject), slogError(err))
		return req, node.Class{}, "invalid request: " + err.Error()
	}
	class, ok := s.registry.Lookup(req.Class)
	if !ok {
		return req, node.Class{}, fmt.Sprintf("unknown node class %q", req.Class)
	}
	if req.Inputs == nil {
		req.Inputs = node.Inputs{}
	}
	return req, class, ""
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
