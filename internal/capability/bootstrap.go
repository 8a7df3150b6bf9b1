package capability

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/planguard/control-plane/pkg/models"
)

// Bootstrap is the system capability set and the built-in operation
// requirements, loaded from YAML or taken from DefaultBootstrap.
//
//	capabilities:
//	  - id: WRITE_FILE
//	    kind: ToolCap
//	    scope: fs
//	    description: Create or overwrite files
//	operations:
//	  create_document: [WRITE_FILE]
type Bootstrap struct {
	Capabilities []models.Capability `yaml:"capabilities"`
	Operations   map[string][]string `yaml:"operations"`
}

// DefaultBootstrap returns the built-in system set.
func DefaultBootstrap() *Bootstrap {
	return &Bootstrap{
		Capabilities: []models.Capability{
			{ID: "READ_FILE", Kind: models.ToolCap, Scope: "fs", Description: "Read files from the workspace"},
			{ID: "WRITE_FILE", Kind: models.ToolCap, Scope: "fs", Description: "Create or overwrite files"},
			{ID: "DELETE_FILE", Kind: models.ToolCap, Scope: "fs", Description: "Delete files"},
			{ID: "SEND_EMAIL", Kind: models.ToolCap, Scope: "network", Description: "Send email or chat messages to recipients"},
			{ID: "NETWORK_FETCH", Kind: models.ToolCap, Scope: "network", Description: "Fetch remote resources over HTTP"},
			{ID: "EXECUTE_CODE", Kind: models.ToolCap, Scope: "compute", Description: "Run code in a sandbox"},
			{ID: "share_with:self", Kind: models.DataCap, Scope: "sharing", Description: "Data visible only to its owner"},
			{ID: "share_with:team", Kind: models.DataCap, Scope: "sharing", Description: "Data that may be shared with the team"},
			{ID: "share_with:public", Kind: models.DataCap, Scope: "sharing", Description: "Data that may be published"},
			{ID: "pii", Kind: models.DataCap, Scope: "sensitivity", Description: "Personally identifiable information"},
			{ID: "confidential", Kind: models.DataCap, Scope: "sensitivity", Description: "Confidential business data"},
		},
		Operations: map[string][]string{
			"create_document": {"WRITE_FILE"},
			"read_document":   {"READ_FILE"},
			"delete_document": {"DELETE_FILE"},
			"send_message":    {"SEND_EMAIL"},
			"send_email":      {"SEND_EMAIL"},
			"fetch_url":       {"NETWORK_FETCH"},
			"run_code":        {"EXECUTE_CODE"},
		},
	}
}

// LoadBootstrap reads a YAML bootstrap file. An empty path yields the defaults.
func LoadBootstrap(path string) (*Bootstrap, error) {
	if path == "" {
		return DefaultBootstrap(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bootstrap %s: %w", path, err)
	}
	seen := make(map[string]bool, len(b.Capabilities))
	for i, c := range b.Capabilities {
		if c.ID == "" || !c.Kind.Valid() {
			return nil, fmt.Errorf("bootstrap capability #%d: %w", i, ErrInvalid)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("bootstrap capability %s: %w", c.ID, ErrDuplicate)
		}
		seen[c.ID] = true
	}
	if b.Operations == nil {
		b.Operations = map[string][]string{}
	}
	return &b, nil
}
