// Package capability tells other daemons and graph hosts on the bus which node
// classes this process serves, and keeps a directory of the peers doing the same.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/node"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// NodeClassPrefix prefixes capability names derived from node classes.
const NodeClassPrefix = "node."

// Peers silent for evictAfter heartbeat timeouts are dropped entirely.
const evictAfter = 3

type Capability = protocol.Capability

// NodeInfo is the directory entry for one daemon.
type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// Serves reports whether the node advertises class.
func (n NodeInfo) Serves(class string) bool {
	want := NodeClassPrefix + class
	for _, c := range n.Capabilities {
		if c.Name == want {
			return true
		}
	}
	return false
}

// Classes lists the node classes the entry advertises.
func (n NodeInfo) Classes() []string {
	var out []string
	for _, c := range n.Capabilities {
		if class, ok := strings.CutPrefix(c.Name, NodeClassPrefix); ok {
			out = append(out, class)
		}
	}
	return out
}

// FromNodeClasses advertises one capability per registered node class.
func FromNodeClasses(classes []node.Class) []Capability {
	caps := make([]Capability, 0, len(classes))
	for _, c := range classes {
		caps = append(caps, Capability{
			Name: NodeClassPrefix + c.Name,
			Attributes: map[string]string{
				"display_name": c.DisplayName,
				"category":     c.Node.Schema().Category,
			},
		})
	}
	return caps
}

// Registry announces the local node classes and tracks peers.
type Registry struct {
	cfg     config.NodeConfig
	version string
	self    []Capability
	log     *slog.Logger
	bus     *bus.Client
	clock   func() time.Time

	mu    sync.RWMutex
	peers map[string]*NodeInfo

	subs   []*nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customises a Registry.
type Option func(*Registry)

// WithVersion sets the version string carried in announcements.
func WithVersion(v string) Option { return func(r *Registry) { r.version = v } }

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option { return func(r *Registry) { r.clock = clock } }

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, self []Capability, log *slog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		cfg:   cfg,
		self:  self,
		log:   log.With(slog.String("component", "capability"), slog.String("node_id", cfg.ID)),
		bus:   busClient,
		clock: time.Now,
		peers: make(map[string]*NodeInfo),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.registerGauges(); err != nil {
		r.log.Warn("failed to register gauges", slog.String("error", err.Error()))
	}

	conn := r.bus.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectNodeAnnounce:               r.onAnnounce,
		protocol.SubjectNodeHeartbeatPrefix + ".*": r.onHeartbeat,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			r.unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	if err := r.announce(); err != nil {
		r.log.Warn("initial announce failed", slog.String("error", err.Error()))
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.unsubscribe()
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
			r.sweep()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Version:      r.version,
		Capabilities: r.self,
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectNodeAnnounce, payload); err != nil {
		return err
	}
	r.observe(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	payload, err := json.Marshal(protocol.NodeHeartbeat{NodeID: r.cfg.ID, Timestamp: r.clock().UTC()})
	if err != nil {
		return err
	}
	r.touch(r.cfg.ID)
	return r.bus.Conn().Publish(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) onAnnounce(msg *nats.Msg) {
	var a protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		r.log.Warn("invalid announce", slog.String("error", err.Error()))
		return
	}
	if a.NodeID == "" || a.NodeID == r.cfg.ID {
		return
	}
	if r.observe(a) {
		r.log.Info("peer discovered", slog.String("peer", a.NodeID), slog.Any("classes", NodeInfo{Capabilities: a.Capabilities}.Classes()))
		// A new peer missed our earlier announce.
		if err := r.announce(); err != nil {
			r.log.Warn("re-announce failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) onHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" || hb.NodeID == r.cfg.ID {
		return
	}
	r.touch(hb.NodeID)
}

// observe stores an announcement and reports whether the peer was new.
func (r *Registry) observe(a protocol.NodeAnnounce) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, known := r.peers[a.NodeID]
	if !known {
		info = &NodeInfo{ID: a.NodeID}
		r.peers[a.NodeID] = info
	}
	info.Role = a.Role
	info.Version = a.Version
	info.Capabilities = a.Capabilities
	info.LastSeen = r.clock()
	info.Healthy = true
	return !known
}

// touch refreshes a known peer. Heartbeats from unknown peers are ignored
// until they announce, since they carry no capabilities.
func (r *Registry) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.peers[id]; ok {
		info.LastSeen = r.clock()
		info.Healthy = true
	}
}

func (r *Registry) sweep() {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, info := range r.peers {
		if id == r.cfg.ID {
			continue
		}
		silent := now.Sub(info.LastSeen)
		switch {
		case silent > evictAfter*timeout:
			delete(r.peers, id)
			r.log.Info("peer evicted", slog.String("peer", id))
		case silent > timeout && info.Healthy:
			info.Healthy = false
			r.log.Warn("peer unhealthy", slog.String("peer", id), slog.Duration("silent", silent))
		}
	}
}

// Healthy reports whether this daemon's own announcement is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[r.cfg.ID]
	return ok && info.Healthy
}

// Nodes returns a snapshot of the directory sorted by id.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	out := make([]NodeInfo, 0, len(r.peers))
	for _, info := range r.peers {
		c := *info
		c.Capabilities = append([]Capability(nil), info.Capabilities...)
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Providers returns healthy nodes serving class, this daemon included.
func (r *Registry) Providers(class string) []NodeInfo {
	var out []NodeInfo
	for _, n := range r.Nodes() {
		if n.Healthy && n.Serves(class) {
			out = append(out, n)
		}
	}
	return out
}

// LocalCapabilities returns what this daemon announces.
func (r *Registry) LocalCapabilities() []Capability {
	return append([]Capability(nil), r.self...)
}

func (r *Registry) registerGauges() error {
	meter := otel.Meter("github.com/loqalabs/loqa-speech/capability")
	peers, err := meter.Int64ObservableGauge("loqa.capability.peers", metric.WithDescription("Healthy daemons in the directory"))
	if err != nil {
		return err
	}
	classes, err := meter.Int64ObservableGauge("loqa.capability.node_classes", metric.WithDescription("Distinct node classes served by healthy daemons"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		distinct := make(map[string]struct{})
		for _, n := range r.Nodes() {
			if !n.Healthy {
				continue
			}
			healthy++
			for _, c := range n.Classes() {
				distinct[c] = struct{}{}
			}
		}
		obs.ObserveInt64(peers, healthy)
		obs.ObserveInt64(classes, int64(len(distinct)))
		return nil
	}, peers, classes)
	return err
}
