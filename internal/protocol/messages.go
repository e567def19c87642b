package protocol

import (
	"encoding/json"
	"time"
)

// NodeRequest addresses one node class. Inputs follow the class schema; the
// API key travels inside Inputs and is never echoed back.
type NodeRequest struct {
	Class   string         `json:"class"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

// SchemaReply answers node.schema. Schemas is a JSON array of node schemas,
// filtered to Class when the request named one.
type SchemaReply struct {
	Schemas      json.RawMessage   `json:"schemas,omitempty"`
	DisplayNames map[string]string `json:"display_names,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type ValidateReply struct {
	Class string `json:"class"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type FingerprintReply struct {
	Class       string `json:"class"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ComputeReply carries the node outputs without sample data; the host reads
// FilePath when Failed is false. On failure FilePath holds the message.
type ComputeReply struct {
	Class       string    `json:"class"`
	FilePath    string    `json:"file_path"`
	Failed      bool      `json:"failed"`
	SampleRate  int       `json:"sample_rate"`
	Channels    int       `json:"channels"`
	Frames      int       `json:"frames"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}

const (
	SubjectNodeSchema      = "node.schema"
	SubjectNodeValidate    = "node.validate"
	SubjectNodeFingerprint = "node.fingerprint"
	SubjectNodeCompute     = "node.compute"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"

	// QueueCompute spreads compute requests across daemons serving the same classes.
	QueueCompute = "loqa-speech-compute"
)

// NodeAnnounce advertises a daemon and the node classes it serves.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Capability names one served node class, e.g. "node.GeminiTTSNode".
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}
