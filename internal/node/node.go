// Package node defines the contract a graph host uses to drive a node class
// and the speech node that implements it.
package node

import (
	"context"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// Node is one class the host can place in a graph.
type Node interface {
	// Schema declares inputs and outputs so the host can build its UI.
	Schema() Schema
	// Compute never fails; problems are reported through Outputs.
	Compute(ctx context.Context, in Inputs) Outputs
	// Fingerprint changes only when an input that affects the output changes.
	Fingerprint(in Inputs) string
	// ValidateInputs is the advisory check the host runs before Compute.
	ValidateInputs(in Inputs) error
}

// Inputs is the loosely typed value map the host passes in.
type Inputs map[string]any

// Outputs is what the host receives. On failure Audio is audio.Silent() and
// FilePath carries the error message instead of a path.
type Outputs struct {
	Audio    audio.Buffer
	FilePath string
	Failed   bool
}

type InputType string

const (
	TypeString  InputType = "STRING"
	TypeFloat   InputType = "FLOAT"
	TypeBoolean InputType = "BOOLEAN"
	TypeCombo   InputType = "COMBO"
)

// InputSpec describes one input socket or widget.
type InputSpec struct {
	Name        string    `json:"name"`
	Type        InputType `json:"type"`
	Default     any       `json:"default"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Step        *float64  `json:"step,omitempty"`
	Display     string    `json:"display,omitempty"`
	Options     []string  `json:"options,omitempty"`
	Multiline   bool      `json:"multiline,omitempty"`
	Placeholder string    `json:"placeholder,omitempty"`
	LabelOn     string    `json:"label_on,omitempty"`
	LabelOff    string    `json:"label_off,omitempty"`
}

type Schema struct {
	Class       string      `json:"class"`
	DisplayName string      `json:"display_name"`
	Required    []InputSpec `json:"required"`
	Optional    []InputSpec `json:"optional,omitempty"`
	ReturnTypes []string    `json:"return_types"`
	ReturnNames []string    `json:"return_names"`
	Function    string      `json:"function"`
	Category    string      `json:"category"`
	Description string      `json:"description,omitempty"`
}

// Input looks up a spec by name across required and optional inputs.
func (s Schema) Input(name string) (InputSpec, bool) {
	for _, in := range s.Required {
		if in.Name == name {
			return in, true
		}
	}
	for _, in := range s.Optional {
		if in.Name == name {
			return in, true
		}
	}
	return InputSpec{}, false
}

func bound(v float64) *float64 { return &v }
