package node

import (
	"fmt"
	"log/slog"
	"sync"
)

// Class binds a class name to its node and display name.
type Class struct {
	Name        string
	DisplayName string
	Node        Node
}

// Registry maps class names to nodes in registration order.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Class)}
}

// Register adds c. Names must be unique.
func (r *Registry) Register(c Class) error {
	if c.Name == "" || c.Node == nil {
		return fmt.Errorf("class name and node are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[c.Name]; ok {
		return fmt.Errorf("node class %q already registered", c.Name)
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}
	r.classes[c.Name] = c
	r.order = append(r.order, c.Name)
	return nil
}

func (r *Registry) Lookup(name string) (Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// Classes returns every class in registration order.
func (r *Registry) Classes() []Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Class, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.classes[name])
	}
	return out
}

// DisplayNames returns the class to display name mapping the host shows.
func (r *Registry) DisplayNames() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.classes))
	for name, c := range r.classes {
		out[name] = c.DisplayName
	}
	return out
}

// Check verifies every class a manifest declares is registered.
func (r *Registry) Check(m Manifest) error {
	for _, entry := range m.Nodes {
		if _, ok := r.Lookup(entry.Class); !ok {
			return fmt.Errorf("manifest declares unknown node class %q", entry.Class)
		}
	}
	return nil
}

// RegisterDefaults registers the speech node.
func RegisterDefaults(r *Registry, synth Synthesizer, rec Recorder, logger *slog.Logger) error {
	return r.Register(Class{
		Name:        ClassGeminiTTS,
		DisplayName: DisplayNameGeminiTTS,
		Node:        NewSpeechNode(synth, rec, logger),
	})
}
