package registry

import (
	"encoding/json"
	"fmt"
)

// Manifest is the agent.register payload. Only the name is required;
// everything else defaults to empty.
type Manifest struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Commands    []Command `json:"commands,omitempty"`
	// Panels is UI layout metadata passed through to the catalog
	// untouched; the core never interprets it.
	Panels any `json:"panels,omitempty"`
}

// Command is one command declaration in a manifest.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Args        []any  `json:"args,omitempty"`
}

// ParseManifest decodes a registration payload. A missing or empty
// name is an error; unknown payload keys are ignored.
func ParseManifest(payload map[string]any) (*Manifest, error) {
	if payload == nil {
		return nil, fmt.Errorf("registration payload missing manifest")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest missing required field: name")
	}
	return &m, nil
}
